package transport

import (
	"errors"
	"fmt"
)

// Close codes carried by close frames. Codes at or above 4400 are policy
// violations from the relay and must never trigger a reconnect.
const (
	// CloseNormal is a clean shutdown requested by either side.
	CloseNormal = 1000
	// CloseAbnormal is an abnormal closure (dropped socket, no close frame).
	CloseAbnormal = 1006
	// CloseServiceRestart means the relay is restarting; reconnect applies.
	CloseServiceRestart = 1012
	// CloseUnauthorized means the relay rejected this session's credentials.
	CloseUnauthorized = 4401
	// CloseBanned means the account is banned from the relay.
	CloseBanned = 4403
	// CloseReplaced means another device took over this session.
	CloseReplaced = 4409
)

var (
	// ErrSessionClosed is returned by operations on a session with no live
	// connection.
	ErrSessionClosed = errors.New("transport: session closed")
	// ErrConnectAborted indicates Disconnect was called while a connect or
	// reconnect was in flight.
	ErrConnectAborted = errors.New("transport: connect aborted")
	// ErrReconnectExhausted indicates the reconnect policy gave up after
	// the configured number of attempts.
	ErrReconnectExhausted = errors.New("transport: reconnect attempts exhausted")
	// ErrDecryptFailed indicates an inbound frame failed AEAD decryption.
	// Fatal for the connection: the session forces a reconnect rather than
	// silently dropping the frame.
	ErrDecryptFailed = errors.New("transport: frame decryption failed")
	// ErrPongTimeout indicates the relay missed the keep-alive deadline and
	// the connection is considered dead.
	ErrPongTimeout = errors.New("transport: keep-alive pong deadline missed")
)

// CloseError carries the close code and reason delivered when the relay
// terminates the connection.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection closed with code %d", e.Code)
	}
	return fmt.Sprintf("connection closed with code %d: %s", e.Code, e.Reason)
}

// Fatal reports whether the close code is a policy violation (banned, bad
// auth, session replaced) that terminates the session permanently.
func (e *CloseError) Fatal() bool {
	return e.Code >= 4400
}

// IsFatalClose reports whether err wraps a fatal CloseError.
func IsFatalClose(err error) bool {
	var ce *CloseError
	return errors.As(err, &ce) && ce.Fatal()
}

// IsBanned reports whether err wraps a relay close banning this account.
func IsBanned(err error) bool {
	var ce *CloseError
	return errors.As(err, &ce) && ce.Code == CloseBanned
}
