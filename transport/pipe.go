package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
)

// ErrPipeClosed is returned by pipe stream operations after either end has
// closed.
var ErrPipeClosed = errors.New("transport: pipe closed")

// pipeStream is one end of an in-memory duplex stream pair.
type pipeStream struct {
	in         <-chan []byte
	out        chan<- []byte
	closeOnce  sync.Once
	closed     chan struct{}
	peerClosed chan struct{}
}

// NewPipe creates a connected in-memory stream pair. It backs the mock
// relays used throughout the test suite and supports fully in-process
// client/relay setups.
func NewPipe() (DuplexStream, DuplexStream) {
	aToB := make(chan []byte, 64)
	bToA := make(chan []byte, 64)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})

	a := &pipeStream{in: bToA, out: aToB, closed: aClosed, peerClosed: bClosed}
	b := &pipeStream{in: aToB, out: bToA, closed: bClosed, peerClosed: aClosed}
	return a, b
}

func (p *pipeStream) ReadFrame() ([]byte, error) {
	select {
	case data, ok := <-p.in:
		if !ok {
			return nil, ErrPipeClosed
		}
		return data, nil
	case <-p.closed:
		return nil, ErrPipeClosed
	case <-p.peerClosed:
		// Drain anything already in flight before reporting closure.
		select {
		case data := <-p.in:
			return data, nil
		default:
			return nil, ErrPipeClosed
		}
	}
}

func (p *pipeStream) WriteFrame(data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case p.out <- buf:
		return nil
	case <-p.closed:
		return ErrPipeClosed
	case <-p.peerClosed:
		return ErrPipeClosed
	}
}

func (p *pipeStream) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

// PipeDialer hands out in-memory stream pairs: each Dial yields the client
// end and queues the relay end for Accept. It lets a mock relay stand in
// for the socket factory without any real network.
type PipeDialer struct {
	accept chan DuplexStream
}

// NewPipeDialer creates a pipe dialer with room for backlog pending
// connections.
func NewPipeDialer(backlog int) *PipeDialer {
	if backlog < 1 {
		backlog = 1
	}
	return &PipeDialer{accept: make(chan DuplexStream, backlog)}
}

// Dial creates a fresh pipe pair and queues the relay end.
func (d *PipeDialer) Dial(ctx context.Context, _ string, _ http.Header) (DuplexStream, error) {
	client, server := NewPipe()
	select {
	case d.accept <- server:
		return client, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Accept blocks until the next relay end is available.
func (d *PipeDialer) Accept(ctx context.Context) (DuplexStream, error) {
	select {
	case stream := <-d.accept:
		return stream, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
