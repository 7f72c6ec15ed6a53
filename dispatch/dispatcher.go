package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaywire/wire"
)

const (
	// DefaultQueryTimeout bounds a single request/response round trip.
	DefaultQueryTimeout = 10 * time.Second
	// DefaultMaxRetries is how many times a timed-out query is
	// retransmitted with the same id before giving up.
	DefaultMaxRetries = 2
)

// Sender is the outbound half of a connection. The client facade
// satisfies it with an adapter that encodes the node before handing the
// bytes to the session.
type Sender interface {
	SendNode(node *wire.Node) error
}

// Handler receives inbound nodes routed by tag.
type Handler func(node *wire.Node)

type queryResult struct {
	node *wire.Node
	err  error
}

type pendingQuery struct {
	id string
	ch chan queryResult
}

// Dispatcher routes inbound nodes to registered tag handlers and
// correlates query responses with their requests by node id.
//
// Feed every node the connection delivers into HandleNode. Responses
// whose id matches an outstanding Query are consumed by that query and
// never reach the tag handlers.
type Dispatcher struct {
	sender Sender

	mu       sync.Mutex
	pending  map[string]*pendingQuery
	handlers map[string]Handler
	unknown  Handler

	nextID       uint64
	queryTimeout time.Duration
	maxRetries   int
}

// NewDispatcher creates a dispatcher sending through the given sender.
// A zero queryTimeout or negative maxRetries selects the defaults.
func NewDispatcher(sender Sender, queryTimeout time.Duration, maxRetries int) *Dispatcher {
	if queryTimeout <= 0 {
		queryTimeout = DefaultQueryTimeout
	}
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Dispatcher{
		sender:       sender,
		pending:      make(map[string]*pendingQuery),
		handlers:     make(map[string]Handler),
		queryTimeout: queryTimeout,
		maxRetries:   maxRetries,
	}
}

// RegisterHandler installs a handler for inbound nodes with the given
// tag. A later registration for the same tag replaces the earlier one.
func (d *Dispatcher) RegisterHandler(tag string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[tag] = h
}

// RegisterUnknownHandler installs the catch-all for inbound nodes whose
// tag has no registered handler.
func (d *Dispatcher) RegisterUnknownHandler(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unknown = h
}

// NextID returns a fresh query id, unique for the lifetime of the
// dispatcher.
func (d *Dispatcher) NextID() string {
	n := atomic.AddUint64(&d.nextID, 1)
	return "q-" + strconv.FormatUint(n, 10)
}

// Send transmits a node without waiting for any response.
func (d *Dispatcher) Send(node *wire.Node) error {
	return d.sender.SendNode(node)
}

// Query sends a node and waits for the response carrying the same id.
//
// If the node has no id attribute one is assigned; the caller's node is
// not mutated. On timeout the query is retransmitted with the same id,
// so a late response to an earlier transmission still resolves it. When
// all attempts are exhausted the error is a *QueryTimeoutError. An
// error-typed response resolves the query with a *ProtocolError.
func (d *Dispatcher) Query(ctx context.Context, node *wire.Node) (*wire.Node, error) {
	id := node.ID()
	if id == "" {
		id = d.NextID()
		node = node.WithID(id)
	}

	pq := &pendingQuery{id: id, ch: make(chan queryResult, 1)}
	d.mu.Lock()
	if _, exists := d.pending[id]; exists {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateQueryID, id)
	}
	d.pending[id] = pq
	d.mu.Unlock()
	defer d.remove(id)

	attempts := d.maxRetries + 1
	timer := time.NewTimer(d.queryTimeout)
	defer timer.Stop()

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := d.sender.SendNode(node); err != nil {
			return nil, err
		}
		if attempt > 1 {
			logrus.WithFields(logrus.Fields{
				"function": "Query",
				"package":  "dispatch",
				"id":       id,
				"attempt":  attempt,
			}).Debug("Retransmitting query")
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d.queryTimeout)

		select {
		case res := <-pq.ch:
			return res.node, res.err
		case <-timer.C:
			// fall through to the next attempt
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, &QueryTimeoutError{ID: id, Timeout: d.queryTimeout, Attempts: attempts}
}

// HandleNode routes one inbound node. Wire it to the connection's node
// callback.
func (d *Dispatcher) HandleNode(node *wire.Node) {
	if node == nil {
		return
	}

	if id := node.ID(); id != "" {
		d.mu.Lock()
		pq, ok := d.pending[id]
		if ok {
			delete(d.pending, id)
		}
		d.mu.Unlock()
		if ok {
			res := queryResult{node: node}
			if node.IsError() {
				res = queryResult{err: parseProtocolError(node)}
			}
			pq.ch <- res
			return
		}
	}

	d.mu.Lock()
	h, ok := d.handlers[node.Tag]
	if !ok {
		h = d.unknown
	}
	d.mu.Unlock()

	if h != nil {
		h(node)
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "HandleNode",
		"package":  "dispatch",
		"tag":      node.Tag,
	}).Debug("Dropping node with no handler")
}

// DrainPending rejects every outstanding query with a
// *ConnectionClosedError wrapping cause. Call it when the connection
// drops so queries never hang across a reconnect.
func (d *Dispatcher) DrainPending(cause error) {
	d.mu.Lock()
	drained := make([]*pendingQuery, 0, len(d.pending))
	for id, pq := range d.pending {
		drained = append(drained, pq)
		delete(d.pending, id)
	}
	d.mu.Unlock()

	for _, pq := range drained {
		pq.ch <- queryResult{err: &ConnectionClosedError{Cause: cause}}
	}
	if len(drained) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "DrainPending",
			"package":  "dispatch",
			"count":    len(drained),
		}).Debug("Drained pending queries")
	}
}

// PendingCount reports how many queries are awaiting responses.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) remove(id string) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}

// parseProtocolError extracts the numeric code and text from an
// error-typed node. The code lives either on the node itself or on its
// error child.
func parseProtocolError(node *wire.Node) *ProtocolError {
	pe := &ProtocolError{Node: node}
	src := node
	if child := node.Child("error"); child != nil {
		src = child
	}
	if code, err := strconv.Atoi(src.Attr("code")); err == nil {
		pe.Code = code
	}
	pe.Text = src.Attr("text")
	return pe
}
