package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaywire/handshake"
)

// Default session tuning. All values are configuration, not load-bearing
// protocol behavior.
const (
	DefaultConnectTimeout       = 20 * time.Second
	DefaultKeepAliveInterval    = 25 * time.Second
	DefaultPongTimeout          = 10 * time.Second
	DefaultReconnectBase        = 1 * time.Second
	DefaultReconnectMax         = 60 * time.Second
	DefaultMaxReconnectAttempts = 5
)

// HandshakeFunc runs the authentication handshake over a freshly opened
// stream and returns the derived session keys. It is invoked once per
// physical connection; reconnects always perform a full fresh handshake.
type HandshakeFunc func(ctx context.Context, stream DuplexStream) (*handshake.SessionKeys, error)

// Config carries the session's collaborators and tuning.
type Config struct {
	// URL is passed to the dialer; its interpretation is dialer-specific.
	URL string
	// Headers are passed to the dialer for transports that support them.
	Headers http.Header
	// Dialer opens duplex streams. Required.
	Dialer Dialer
	// Handshake authenticates each new connection. Required.
	Handshake HandshakeFunc
	// PostAuth, when set, runs between AUTHENTICATED and READY; it is where
	// the owner settles post-auth queries. A failure tears the connection
	// down.
	PostAuth func(ctx context.Context) error
	// OnNode receives every decrypted node frame in arrival order.
	OnNode func(payload []byte)
	// OnState receives every connection-state transition.
	OnState func(StateChange)

	ConnectTimeout       time.Duration
	KeepAliveInterval    time.Duration
	PongTimeout          time.Duration
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = DefaultReconnectBase
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = DefaultReconnectMax
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
}

// Session owns one logical connection to the relay: the stream, the
// connection state machine, keep-alive, reconnect policy, and AEAD framing.
// All state transitions are serialized; a connection generation counter
// keeps goroutines from a torn-down connection from touching the new one.
type Session struct {
	cfg Config

	mu          sync.Mutex
	state       ConnectionState
	stream      DuplexStream
	stop        chan struct{}
	gen         uint64
	sendCipher  noise.Cipher
	recvCipher  noise.Cipher
	sendCounter uint64
	recvCounter uint64
	lastRTT     time.Duration
	done        chan struct{}
	doneClosed  bool

	writeMu sync.Mutex
	loopWG  sync.WaitGroup
}

// NewSession creates a session in the CLOSED state.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("transport: config requires a Dialer")
	}
	if cfg.Handshake == nil {
		return nil, errors.New("transport: config requires a Handshake func")
	}
	cfg.applyDefaults()

	return &Session{cfg: cfg, state: StateClosed}, nil
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastRTT returns the most recent keep-alive round-trip time, or zero if no
// ping has completed yet.
func (s *Session) LastRTT() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRTT
}

// Connect opens the stream, runs the handshake, and blocks until the state
// machine reaches READY or fails. The whole sequence is bounded by
// ConnectTimeout independent of per-step timeouts.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateClosed {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("transport: connect from state %s", state)
	}
	s.done = make(chan struct{})
	s.doneClosed = false
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	if err := s.connectOnce(ctx); err != nil {
		s.setState(StateClosed, err, "connect failed")
		return err
	}
	return nil
}

// connectOnce performs one full connection attempt: dial, handshake, loop
// startup, post-auth settlement. Disconnect can race an attempt at any
// point, so the attempt re-checks for teardown before every irreversible
// step and aborts with ErrConnectAborted rather than resurrecting a
// session the caller already closed.
func (s *Session) connectOnce(ctx context.Context) error {
	if s.closing() {
		return ErrConnectAborted
	}
	s.setState(StateConnecting, nil, "")

	stream, err := s.cfg.Dialer.Dial(ctx, s.cfg.URL, s.cfg.Headers)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	if s.closing() {
		stream.Close()
		return ErrConnectAborted
	}
	s.setState(StateConnected, nil, "")

	s.setState(StateAuthenticating, nil, "")
	keys, err := s.runHandshake(ctx, stream)
	if err != nil {
		stream.Close()
		return fmt.Errorf("handshake failed: %w", err)
	}

	send, recv := keys.AppCiphers(handshake.Initiator)
	pong := make(chan time.Time, 1)
	stop := make(chan struct{})

	s.mu.Lock()
	if s.doneClosed {
		s.mu.Unlock()
		stream.Close()
		return ErrConnectAborted
	}
	s.gen++
	gen := s.gen
	s.stream = stream
	s.stop = stop
	s.sendCipher = send
	s.recvCipher = recv
	s.sendCounter = 0
	s.recvCounter = 0
	done := s.done
	s.mu.Unlock()

	s.setState(StateAuthenticated, nil, "")

	s.loopWG.Add(2)
	go s.readLoop(gen, stream, pong)
	go s.keepAliveLoop(gen, stream, pong, done, stop)

	if s.cfg.PostAuth != nil {
		if err := s.cfg.PostAuth(ctx); err != nil {
			s.teardown(gen, stream)
			return fmt.Errorf("post-auth settlement failed: %w", err)
		}
	}

	s.mu.Lock()
	superseded := s.doneClosed || gen != s.gen
	s.mu.Unlock()
	if superseded {
		s.teardown(gen, stream)
		return ErrConnectAborted
	}

	s.setState(StateReady, nil, "")
	return nil
}

// closing reports whether Disconnect has torn the session down since the
// current Connect began.
func (s *Session) closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doneClosed
}

// runHandshake executes the handshake hook bounded by ctx. Stream reads do
// not honor contexts themselves, so on timeout the stream is closed to
// unblock the hook; a hung handshake can never stall Connect past its
// deadline.
func (s *Session) runHandshake(ctx context.Context, stream DuplexStream) (*handshake.SessionKeys, error) {
	type result struct {
		keys *handshake.SessionKeys
		err  error
	}

	ch := make(chan result, 1)
	go func() {
		keys, err := s.cfg.Handshake(ctx, stream)
		ch <- result{keys: keys, err: err}
	}()

	select {
	case res := <-ch:
		return res.keys, res.err
	case <-ctx.Done():
		stream.Close()
		<-ch
		return nil, fmt.Errorf("handshake timed out: %w", ctx.Err())
	}
}

// Disconnect closes the stream and moves to CLOSED. It is always safe to
// call: pending reads, keep-alive waits, and reconnect sleeps all unblock.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	stream := s.stream
	s.stream = nil
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	if s.done != nil && !s.doneClosed {
		close(s.done)
		s.doneClosed = true
	}
	s.mu.Unlock()

	s.setState(StateDisconnecting, nil, "")

	if stream != nil {
		stream.Close()
	}
	s.loopWG.Wait()

	s.setState(StateClosed, nil, "disconnect requested")
	return nil
}

// Abort tears the current connection down as failed and engages the
// reconnect policy. Owners call it when they detect protocol desync above
// the framing layer, such as a run of undecodable node payloads.
func (s *Session) Abort(cause error) {
	s.mu.Lock()
	gen := s.gen
	stream := s.stream
	s.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
	s.streamFailed(gen, cause)
}

// SendNode encrypts and transmits one node payload. Allowed from
// AUTHENTICATED (for post-auth settlement) and READY.
func (s *Session) SendNode(payload []byte) error {
	s.mu.Lock()
	state := s.state
	gen := s.gen
	s.mu.Unlock()

	if state != StateReady && state != StateAuthenticated {
		return ErrSessionClosed
	}
	return s.sendFrame(gen, FrameNode, payload)
}

// sendFrame serializes, encrypts, and writes one frame. The write mutex is
// held across counter assignment and the stream write so frames hit the
// wire in counter order; the counter never repeats for a given key because
// every connection derives fresh keys.
func (s *Session) sendFrame(gen uint64, frameType FrameType, payload []byte) error {
	frame := &Frame{Type: frameType, Payload: payload}
	plaintext, err := frame.Serialize()
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if gen != s.gen || s.stream == nil {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	stream := s.stream
	cipher := s.sendCipher
	counter := s.sendCounter
	s.sendCounter++
	s.mu.Unlock()

	ciphertext := cipher.Encrypt(nil, counter, nil, plaintext)
	return stream.WriteFrame(ciphertext)
}

// decryptFrame decrypts and parses one inbound frame using the next receive
// counter.
func (s *Session) decryptFrame(gen uint64, data []byte) (*Frame, error) {
	s.mu.Lock()
	if gen != s.gen || s.recvCipher == nil {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	cipher := s.recvCipher
	counter := s.recvCounter
	s.recvCounter++
	s.mu.Unlock()

	plaintext, err := cipher.Decrypt(nil, counter, nil, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}

	frame, err := ParseFrame(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return frame, nil
}

// readLoop processes inbound frames in arrival order until the stream
// fails or the connection is superseded.
func (s *Session) readLoop(gen uint64, stream DuplexStream, pong chan time.Time) {
	defer s.loopWG.Done()

	for {
		data, err := stream.ReadFrame()
		if err != nil {
			s.streamFailed(gen, err)
			return
		}

		frame, err := s.decryptFrame(gen, data)
		if err != nil {
			if errors.Is(err, ErrSessionClosed) {
				return
			}
			// Decrypt failure is fatal for this connection: do not drop the
			// frame silently, force a reconnect.
			stream.Close()
			s.streamFailed(gen, err)
			return
		}

		switch frame.Type {
		case FramePing:
			if err := s.sendFrame(gen, FramePong, nil); err != nil {
				return
			}
		case FramePong:
			select {
			case pong <- time.Now():
			default:
			}
		case FrameClose:
			closeErr := parseCloseFrame(frame.Payload)
			stream.Close()
			s.streamFailed(gen, closeErr)
			return
		case FrameNode:
			if s.cfg.OnNode != nil {
				s.cfg.OnNode(frame.Payload)
			}
		}
	}
}

// keepAliveLoop sends periodic pings; a missed pong deadline is treated as
// a dead connection and forces closure. The per-connection stop channel
// retires the loop as soon as its generation is superseded rather than
// letting it linger until the next tick.
func (s *Session) keepAliveLoop(gen uint64, stream DuplexStream, pong chan time.Time, done, stop chan struct{}) {
	defer s.loopWG.Done()

	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-stop:
			return
		case <-ticker.C:
		}

		sentAt := time.Now()
		if err := s.sendFrame(gen, FramePing, nil); err != nil {
			return
		}

		select {
		case <-pong:
			s.mu.Lock()
			s.lastRTT = time.Since(sentAt)
			s.mu.Unlock()
		case <-time.After(s.cfg.PongTimeout):
			logrus.WithFields(logrus.Fields{
				"function": "keepAliveLoop",
				"package":  "transport",
				"timeout":  s.cfg.PongTimeout,
			}).Warn("Pong deadline missed, closing connection")
			stream.Close()
			s.streamFailed(gen, ErrPongTimeout)
			return
		case <-done:
			return
		case <-stop:
			return
		}
	}
}

// streamFailed handles a connection loss observed by one of the loops. The
// first observer for a generation wins; stale generations and explicit
// disconnects are ignored.
func (s *Session) streamFailed(gen uint64, cause error) {
	s.mu.Lock()
	if gen != s.gen || s.state == StateDisconnecting || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.stream = nil
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "streamFailed",
		"package":  "transport",
		"error":    cause.Error(),
	}).Warn("Connection lost")

	// Policy violations terminate permanently, never reconnect.
	if IsFatalClose(cause) {
		s.setState(StateClosed, cause, "fatal server close")
		return
	}

	go s.reconnectLoop(cause)
}

// reconnectLoop retries the connection with exponential backoff and jitter,
// bounded by MaxReconnectAttempts.
func (s *Session) reconnectLoop(cause error) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	s.setState(StateReconnecting, cause, "connection lost")

	for attempt := 1; attempt <= s.cfg.MaxReconnectAttempts; attempt++ {
		delay := ComputeBackoff(attempt, s.cfg.ReconnectBase, s.cfg.ReconnectMax)

		logrus.WithFields(logrus.Fields{
			"function": "reconnectLoop",
			"package":  "transport",
			"attempt":  attempt,
			"delay":    delay,
		}).Info("Scheduling reconnect")

		select {
		case <-time.After(delay):
		case <-done:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
		err := s.connectOnce(ctx)
		cancel()

		if err == nil {
			return
		}
		// Disconnect (or a newer failure's own reconnect loop) took over;
		// this loop must not keep dialing.
		if errors.Is(err, ErrConnectAborted) {
			return
		}
		if IsFatalClose(err) {
			s.setState(StateClosed, err, "fatal server close")
			return
		}

		s.setState(StateReconnecting, err, fmt.Sprintf("reconnect attempt %d failed", attempt))
	}

	s.setState(StateClosed, ErrReconnectExhausted, "")
}

// teardown closes a connection that failed during setup, without engaging
// the reconnect policy.
func (s *Session) teardown(gen uint64, stream DuplexStream) {
	s.mu.Lock()
	if gen == s.gen {
		s.gen++
		s.stream = nil
		if s.stop != nil {
			close(s.stop)
			s.stop = nil
		}
	}
	s.mu.Unlock()
	stream.Close()
}

// setState records a transition and emits the observable state event.
func (s *Session) setState(state ConnectionState, err error, reason string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	fields := logrus.Fields{
		"function": "setState",
		"package":  "transport",
		"state":    state.String(),
	}
	if reason != "" {
		fields["reason"] = reason
	}
	if err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Debug("Connection state changed with error")
	} else {
		logrus.WithFields(fields).Debug("Connection state changed")
	}

	if s.cfg.OnState != nil {
		s.cfg.OnState(StateChange{State: state, Time: time.Now(), Err: err, Reason: reason})
	}
}
