package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/relaywire/wire"
)

// ErrDuplicateQueryID is returned when a caller-supplied query id collides
// with a query already awaiting its response. At most one query may be in
// flight per id.
var ErrDuplicateQueryID = errors.New("dispatch: query id already in flight")

// QueryTimeoutError indicates a query received no response within its
// timeout across all retransmissions.
type QueryTimeoutError struct {
	ID       string
	Timeout  time.Duration
	Attempts int
}

func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("query %s timed out after %d attempts of %v", e.ID, e.Attempts, e.Timeout)
}

// ConnectionClosedError is delivered to every outstanding query when the
// transport disconnects; queries never hang across a reconnect boundary.
type ConnectionClosedError struct {
	Cause error
}

func (e *ConnectionClosedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection closed with queries pending: %v", e.Cause)
	}
	return "connection closed with queries pending"
}

func (e *ConnectionClosedError) Unwrap() error {
	return e.Cause
}

// ProtocolError is an error-typed response node decoded into its code and
// text.
type ProtocolError struct {
	Code int
	Text string
	Node *wire.Node
}

func (e *ProtocolError) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("protocol error %d: %s", e.Code, e.Text)
	}
	return fmt.Sprintf("protocol error %d", e.Code)
}
