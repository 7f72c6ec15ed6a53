package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/flynn/noise"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/relaywire/handshake"
)

// mockRelay accepts pipe connections, runs the responder handshake, and
// processes encrypted frames: pings are answered, node frames are echoed
// back verbatim.
type mockRelay struct {
	t      *testing.T
	dialer *PipeDialer

	mu       sync.Mutex
	accepted int
	streams  []DuplexStream

	// dropAfterAccept closes connection n (0-based) right after handshake.
	dropConn map[int]bool
	// closeWithCode, when non-zero, sends a close frame on the first
	// connection instead of serving it.
	closeWithCode int
}

func newMockRelay(t *testing.T) *mockRelay {
	return &mockRelay{
		t:        t,
		dialer:   NewPipeDialer(4),
		dropConn: make(map[int]bool),
	}
}

func (r *mockRelay) run(ctx context.Context) {
	go func() {
		for {
			stream, err := r.dialer.Accept(ctx)
			if err != nil {
				return
			}

			r.mu.Lock()
			conn := r.accepted
			r.accepted++
			r.streams = append(r.streams, stream)
			r.mu.Unlock()

			go r.serve(conn, stream)
		}
	}()
}

func (r *mockRelay) acceptedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accepted
}

func (r *mockRelay) serve(conn int, stream DuplexStream) {
	server := handshake.NewServerEngine(nil)

	clientHello, err := stream.ReadFrame()
	if err != nil {
		return
	}
	if err := server.ProcessClientHello(clientHello); err != nil {
		return
	}

	serverHello, err := server.CreateServerHello()
	if err != nil {
		return
	}
	if err := stream.WriteFrame(serverHello); err != nil {
		return
	}

	clientFinish, err := stream.ReadFrame()
	if err != nil {
		return
	}
	if _, err := server.ProcessClientFinish(clientFinish); err != nil {
		return
	}

	serverFinish, keys, err := server.CreateServerFinish(&handshake.ServerProof{
		Token:     "server-token",
		Account:   "alice@relay",
		Timestamp: time.Now(),
	})
	if err != nil {
		return
	}
	if err := stream.WriteFrame(serverFinish); err != nil {
		return
	}

	send, recv := keys.AppCiphers(handshake.Responder)

	if r.dropConn[conn] {
		stream.Close()
		return
	}
	if conn == 0 && r.closeWithCode != 0 {
		r.sendFrame(stream, send, 0, FrameClose, encodeCloseFrame(r.closeWithCode, "policy"))
		stream.Close()
		return
	}

	var sendCounter, recvCounter uint64
	for {
		data, err := stream.ReadFrame()
		if err != nil {
			return
		}

		plaintext, err := recv.Decrypt(nil, recvCounter, nil, data)
		if err != nil {
			return
		}
		recvCounter++

		frame, err := ParseFrame(plaintext)
		if err != nil {
			return
		}

		switch frame.Type {
		case FramePing:
			if !r.sendFrame(stream, send, sendCounter, FramePong, nil) {
				return
			}
			sendCounter++
		case FrameNode:
			if !r.sendFrame(stream, send, sendCounter, FrameNode, frame.Payload) {
				return
			}
			sendCounter++
		}
	}
}

func (r *mockRelay) sendFrame(stream DuplexStream, cipher noise.Cipher, counter uint64, frameType FrameType, payload []byte) bool {
	frame := &Frame{Type: frameType, Payload: payload}
	plaintext, err := frame.Serialize()
	if err != nil {
		return false
	}
	return stream.WriteFrame(cipher.Encrypt(nil, counter, nil, plaintext)) == nil
}

// clientHandshake is the HandshakeFunc used by session tests.
func clientHandshake(ctx context.Context, stream DuplexStream) (*handshake.SessionKeys, error) {
	engine := handshake.NewEngine(nil)

	hello, err := engine.CreateClientHello()
	if err != nil {
		return nil, err
	}
	if err := stream.WriteFrame(hello); err != nil {
		return nil, err
	}

	serverHello, err := stream.ReadFrame()
	if err != nil {
		return nil, err
	}
	if err := engine.ProcessServerHello(serverHello); err != nil {
		return nil, err
	}

	finish, err := engine.CreateClientFinish(&handshake.IdentityProof{
		ClientID:  "device-1",
		Token:     "client-token",
		Timestamp: time.Now(),
	})
	if err != nil {
		return nil, err
	}
	if err := stream.WriteFrame(finish); err != nil {
		return nil, err
	}

	serverFinish, err := stream.ReadFrame()
	if err != nil {
		return nil, err
	}
	keys, _, err := engine.ProcessServerFinish(serverFinish)
	return keys, err
}

// stateRecorder collects emitted state transitions.
type stateRecorder struct {
	mu     sync.Mutex
	states []ConnectionState
}

func (sr *stateRecorder) record(change StateChange) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.states = append(sr.states, change.State)
}

func (sr *stateRecorder) seen(state ConnectionState) bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	for _, s := range sr.states {
		if s == state {
			return true
		}
	}
	return false
}

func (sr *stateRecorder) waitFor(t *testing.T, state ConnectionState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if sr.seen(state) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state %s not reached within %v", state, timeout)
}

func newTestSession(t *testing.T, relay *mockRelay, recorder *stateRecorder, onNode func([]byte)) *Session {
	t.Helper()

	cfg := Config{
		URL:                  "pipe://relay",
		Dialer:               relay.dialer,
		Handshake:            clientHandshake,
		OnState:              recorder.record,
		OnNode:               onNode,
		ConnectTimeout:       2 * time.Second,
		ReconnectBase:        10 * time.Millisecond,
		ReconnectMax:         100 * time.Millisecond,
		MaxReconnectAttempts: 5,
	}

	session, err := NewSession(cfg)
	require.NoError(t, err)
	return session
}

func TestSessionConnectReachesReady(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := newMockRelay(t)
	relay.run(ctx)

	recorder := &stateRecorder{}
	session := newTestSession(t, relay, recorder, nil)
	defer session.Disconnect()

	require.NoError(t, session.Connect(ctx))
	assert.Equal(t, StateReady, session.State())

	// The full lifecycle must have been observable in order.
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	require.Equal(t, []ConnectionState{
		StateConnecting, StateConnected, StateAuthenticating,
		StateAuthenticated, StateReady,
	}, recorder.states)
}

func TestSessionSendAndReceiveNode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := newMockRelay(t)
	relay.run(ctx)

	received := make(chan []byte, 1)
	recorder := &stateRecorder{}
	session := newTestSession(t, relay, recorder, func(payload []byte) {
		received <- payload
	})
	defer session.Disconnect()

	require.NoError(t, session.Connect(ctx))

	payload := []byte("encoded-node")
	require.NoError(t, session.SendNode(payload))

	select {
	case got := <-received:
		assert.Equal(t, payload, got)
	case <-time.After(2 * time.Second):
		t.Fatal("echoed node not received")
	}
}

func TestSessionReconnectsAfterDrop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := newMockRelay(t)
	relay.dropConn[0] = true // first connection dies right after auth
	relay.run(ctx)

	recorder := &stateRecorder{}
	session := newTestSession(t, relay, recorder, nil)
	defer session.Disconnect()

	require.NoError(t, session.Connect(ctx))

	// The drop forces RECONNECTING, then a second connection succeeds.
	recorder.waitFor(t, StateReconnecting, 2*time.Second)
	recorder.waitFor(t, StateReady, 2*time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for session.State() != StateReady && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, StateReady, session.State())
	assert.GreaterOrEqual(t, relay.acceptedCount(), 2)
}

func TestSessionFatalCloseNeverReconnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := newMockRelay(t)
	relay.closeWithCode = CloseBanned
	relay.run(ctx)

	recorder := &stateRecorder{}
	session := newTestSession(t, relay, recorder, nil)
	defer session.Disconnect()

	require.NoError(t, session.Connect(ctx))

	recorder.waitFor(t, StateClosed, 2*time.Second)
	assert.False(t, recorder.seen(StateReconnecting),
		"policy-violation close must not trigger reconnect")
	assert.Equal(t, 1, relay.acceptedCount())
}

func TestSessionDisconnectIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := newMockRelay(t)
	relay.run(ctx)

	recorder := &stateRecorder{}
	session := newTestSession(t, relay, recorder, nil)

	require.NoError(t, session.Connect(ctx))
	require.NoError(t, session.Disconnect())
	assert.Equal(t, StateClosed, session.State())

	// A second disconnect is a no-op, and sends after close are rejected.
	require.NoError(t, session.Disconnect())
	assert.ErrorIs(t, session.SendNode([]byte("x")), ErrSessionClosed)
}

func TestSessionKeepAliveRTT(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := newMockRelay(t)
	relay.run(ctx)

	recorder := &stateRecorder{}
	session := newTestSession(t, relay, recorder, nil)
	session.cfg.KeepAliveInterval = 20 * time.Millisecond
	session.cfg.PongTimeout = 500 * time.Millisecond
	defer session.Disconnect()

	require.NoError(t, session.Connect(ctx))

	deadline := time.Now().Add(2 * time.Second)
	for session.LastRTT() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Greater(t, session.LastRTT(), time.Duration(0), "keep-alive RTT should be recorded")
}

func TestPipeCloseUnblocksRead(t *testing.T) {
	a, b := NewPipe()

	done := make(chan error, 1)
	go func() {
		_, err := a.ReadFrame()
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrPipeClosed)
	case <-time.After(time.Second):
		t.Fatal("ReadFrame did not unblock on peer close")
	}
}

// gatedDialer blocks one dial attempt on a channel so tests can hold a
// connection attempt mid-dial.
type gatedDialer struct {
	inner  Dialer
	gateAt int
	gate   chan struct{}

	mu    sync.Mutex
	dials int
}

func (d *gatedDialer) Dial(ctx context.Context, url string, headers http.Header) (DuplexStream, error) {
	d.mu.Lock()
	n := d.dials
	d.dials++
	d.mu.Unlock()

	if n == d.gateAt {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return d.inner.Dial(ctx, url, headers)
}

func (d *gatedDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func TestDisconnectDuringReconnectDialStaysClosed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := newMockRelay(t)
	relay.dropConn[0] = true // force a reconnect attempt
	relay.run(ctx)

	dialer := &gatedDialer{inner: relay.dialer, gateAt: 1, gate: make(chan struct{})}
	recorder := &stateRecorder{}
	session, err := NewSession(Config{
		URL:                  "pipe://relay",
		Dialer:               dialer,
		Handshake:            clientHandshake,
		OnState:              recorder.record,
		ConnectTimeout:       2 * time.Second,
		ReconnectBase:        10 * time.Millisecond,
		ReconnectMax:         100 * time.Millisecond,
		MaxReconnectAttempts: 5,
	})
	require.NoError(t, err)

	require.NoError(t, session.Connect(ctx))

	// Wait until the reconnect attempt is held inside Dial.
	require.Eventually(t, func() bool {
		return dialer.dialCount() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, session.Disconnect())
	require.Equal(t, StateClosed, session.State())

	// Releasing the held attempt must not resurrect the session.
	close(dialer.gate)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, StateClosed, session.State())
	assert.ErrorIs(t, session.SendNode([]byte("x")), ErrSessionClosed)
}

func TestSessionAbortForcesReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := newMockRelay(t)
	relay.run(ctx)

	recorder := &stateRecorder{}
	session := newTestSession(t, relay, recorder, nil)
	defer session.Disconnect()

	require.NoError(t, session.Connect(ctx))

	session.Abort(errors.New("stream desync"))

	recorder.waitFor(t, StateReconnecting, 2*time.Second)
	deadline := time.Now().Add(2 * time.Second)
	for session.State() != StateReady && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, StateReady, session.State())
	assert.GreaterOrEqual(t, relay.acceptedCount(), 2)
}

func TestStaleKeepAliveRetiresOnSupersession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := newMockRelay(t)
	relay.run(ctx)

	recorder := &stateRecorder{}
	session := newTestSession(t, relay, recorder, nil)
	defer session.Disconnect()

	require.NoError(t, session.Connect(ctx))

	session.mu.Lock()
	firstStop := session.stop
	session.mu.Unlock()
	require.NotNil(t, firstStop)

	session.Abort(errors.New("stream desync"))

	recorder.waitFor(t, StateReconnecting, 2*time.Second)
	deadline := time.Now().Add(2 * time.Second)
	for session.State() != StateReady && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, StateReady, session.State())

	// The superseded connection's keep-alive loop must have been released
	// immediately, not left waiting out its interval.
	select {
	case <-firstStop:
	default:
		t.Fatal("superseded stop channel still open")
	}

	session.mu.Lock()
	secondStop := session.stop
	session.mu.Unlock()
	require.NotNil(t, secondStop)
	select {
	case <-secondStop:
		t.Fatal("live connection's stop channel must stay open")
	default:
	}
}
