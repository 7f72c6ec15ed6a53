// Package relaywire implements a multi-device messaging relay client.
//
// The client keeps one encrypted duplex connection to a relay server,
// authenticates it with a four-message handshake bound to the device's
// identity key, and exchanges attribute-tree nodes over AEAD-framed
// transport. Fresh devices pair through a QR challenge or an
// eight-character code typed on the primary device.
//
// Example:
//
//	options := relaywire.NewOptions()
//	options.ServerURL = "wss://relay.example.com/socket"
//	options.Storage = storage
//
//	client, err := relaywire.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client.OnNode(func(node *wire.Node) {
//	    fmt.Println("received:", node.Tag)
//	})
//
//	if err := client.Connect(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//
//	resp, err := client.Query(ctx, wire.NewNode("iq", map[string]string{
//	    "type":  "get",
//	    "xmlns": "urn:xmpp:ping",
//	}))
package relaywire

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaywire/crypto"
	"github.com/opd-ai/relaywire/dispatch"
	"github.com/opd-ai/relaywire/handshake"
	"github.com/opd-ai/relaywire/pairing"
	"github.com/opd-ai/relaywire/store"
	"github.com/opd-ai/relaywire/transport"
	"github.com/opd-ai/relaywire/wire"
)

// Options contains configuration for creating a Client. Zero values
// select the defaults listed on each field.
type Options struct {
	// ServerURL is the relay endpoint, passed to the dialer.
	ServerURL string
	// Storage persists credentials across restarts. Defaults to
	// in-memory storage, which forgets the pairing on exit.
	Storage store.Storage
	// Dialer opens the duplex stream. Defaults to a WebSocket dialer.
	Dialer transport.Dialer

	ConnectTimeout       time.Duration // default 20s
	KeepAliveInterval    time.Duration // default 25s
	PongTimeout          time.Duration // default 10s
	ReconnectBase        time.Duration // default 1s
	ReconnectMax         time.Duration // default 60s
	MaxReconnectAttempts int           // default 5

	QueryTimeout time.Duration // default 10s
	QueryRetries int           // default 2

	QRTimeout          time.Duration // default 60s
	QRMaxRefreshes     int           // default 5
	PairingCodeTimeout time.Duration // default 5m

	// MaxDecodeFailures is how many consecutive undecodable node frames
	// the client tolerates before treating the connection as desynced
	// and forcing it down. Default 5.
	MaxDecodeFailures int
}

// DefaultMaxDecodeFailures is the consecutive-decode-failure budget before
// the connection is considered desynced.
const DefaultMaxDecodeFailures = 5

// ErrProtocolDesync indicates a run of undecodable frames exceeded the
// decode-failure budget; the framing layer is presumed out of sync and the
// connection is torn down.
var ErrProtocolDesync = errors.New("relaywire: repeated undecodable frames, protocol desync")

// NewOptions creates an Options with every field at its default.
func NewOptions() *Options {
	return &Options{
		ConnectTimeout:       transport.DefaultConnectTimeout,
		KeepAliveInterval:    transport.DefaultKeepAliveInterval,
		PongTimeout:          transport.DefaultPongTimeout,
		ReconnectBase:        transport.DefaultReconnectBase,
		ReconnectMax:         transport.DefaultReconnectMax,
		MaxReconnectAttempts: transport.DefaultMaxReconnectAttempts,
		QueryTimeout:         dispatch.DefaultQueryTimeout,
		QueryRetries:         dispatch.DefaultMaxRetries,
		QRTimeout:            pairing.DefaultQRTimeout,
		QRMaxRefreshes:       pairing.DefaultMaxRefreshes,
		PairingCodeTimeout:   pairing.DefaultCodeTimeout,
		MaxDecodeFailures:    DefaultMaxDecodeFailures,
	}
}

// Client is a relay connection plus everything it needs: device keys,
// persisted credentials, the node dispatcher, and the pairing flows.
type Client struct {
	keys       *crypto.KeyStore
	creds      *store.CredentialStore
	session    *transport.Session
	dispatcher *dispatch.Dispatcher
	pairer     *pairing.Controller
	codec      wire.Codec

	maxDecodeFailures int

	mu             sync.Mutex
	decodeFailures int
	onConnection   func(change transport.StateChange)
}

// nodeSender encodes nodes for the dispatcher and hands them to the
// session.
type nodeSender struct {
	c *Client
}

func (ns *nodeSender) SendNode(node *wire.Node) error {
	data, err := ns.c.codec.Encode(node)
	if err != nil {
		return err
	}
	return ns.c.session.SendNode(data)
}

// New creates a Client. It loads persisted credentials (or provisions a
// fresh device identity when none exist) but does not touch the network.
func New(options *Options) (*Client, error) {
	if options == nil {
		options = NewOptions()
	}

	storage := options.Storage
	if storage == nil {
		storage = store.NewMemoryStorage()
	}
	dialer := options.Dialer
	if dialer == nil {
		dialer = &transport.WebSocketDialer{}
	}

	maxDecodeFailures := options.MaxDecodeFailures
	if maxDecodeFailures <= 0 {
		maxDecodeFailures = DefaultMaxDecodeFailures
	}

	c := &Client{
		keys:              crypto.NewKeyStore(),
		creds:             store.NewCredentialStore(storage),
		pairer:            pairing.NewController(options.QRTimeout, options.PairingCodeTimeout, options.QRMaxRefreshes),
		codec:             wire.NewBinaryCodec(),
		maxDecodeFailures: maxDecodeFailures,
	}

	if err := c.loadOrProvision(); err != nil {
		return nil, fmt.Errorf("initializing device identity: %w", err)
	}

	session, err := transport.NewSession(transport.Config{
		URL:                  options.ServerURL,
		Dialer:               dialer,
		Handshake:            c.runHandshake,
		PostAuth:             c.postAuth,
		OnNode:               c.handleFrame,
		OnState:              c.handleStateChange,
		ConnectTimeout:       options.ConnectTimeout,
		KeepAliveInterval:    options.KeepAliveInterval,
		PongTimeout:          options.PongTimeout,
		ReconnectBase:        options.ReconnectBase,
		ReconnectMax:         options.ReconnectMax,
		MaxReconnectAttempts: options.MaxReconnectAttempts,
	})
	if err != nil {
		return nil, err
	}
	c.session = session
	c.dispatcher = dispatch.NewDispatcher(&nodeSender{c: c}, options.QueryTimeout, options.QueryRetries)

	return c, nil
}

// loadOrProvision hydrates the key store from persisted credentials, or
// generates a fresh identity, signed pre-key, and registration for a
// device that has never paired.
func (c *Client) loadOrProvision() error {
	creds, err := c.creds.Initialize()
	if err != nil {
		return err
	}

	if creds.IdentityKey == nil {
		identity, err := c.keys.GenerateIdentity()
		if err != nil {
			return err
		}
		signed, err := c.keys.GenerateSignedPreKey(identity)
		if err != nil {
			return err
		}
		if _, err := c.keys.GeneratePreKeys(crypto.DefaultPreKeyCount); err != nil {
			return err
		}

		var regBuf [4]byte
		if _, err := rand.Read(regBuf[:]); err != nil {
			return crypto.ErrCryptoUnavailable
		}

		c.creds.Update(func(cr *store.Credentials) {
			cr.IdentityKey = identity
			cr.SignedPreKey = signed
			cr.RegistrationID = binary.BigEndian.Uint32(regBuf[:]) % 16380
			cr.ClientID = hex.EncodeToString(identity.Public[:8])
		})
		if err := c.creds.Persist(); err != nil {
			return err
		}

		logrus.WithFields(logrus.Fields{
			"function":  "loadOrProvision",
			"package":   "relaywire",
			"client_id": hex.EncodeToString(identity.Public[:8]),
		}).Info("Provisioned fresh device identity")
		return nil
	}

	c.keys.SetIdentity(creds.IdentityKey)
	if _, err := c.keys.GenerateSignedPreKey(creds.IdentityKey); err != nil {
		return err
	}
	if creds.SignedPreKey != nil {
		// Persisted signed pre-key wins over the freshly generated one.
		c.keys.SetSignedPreKey(creds.SignedPreKey)
	}
	if _, err := c.keys.GeneratePreKeys(crypto.DefaultPreKeyCount); err != nil {
		return err
	}
	return nil
}

// Connect opens the relay connection, authenticates, and blocks until
// the client is READY or the attempt fails.
func (c *Client) Connect(ctx context.Context) error {
	return c.session.Connect(ctx)
}

// Disconnect closes the connection and cancels any pending queries. It
// is safe to call at any time.
func (c *Client) Disconnect() error {
	err := c.session.Disconnect()
	c.dispatcher.DrainPending(transport.ErrSessionClosed)
	return err
}

// State returns the connection state.
func (c *Client) State() transport.ConnectionState {
	return c.session.State()
}

// LastRTT returns the most recent keep-alive round-trip time.
func (c *Client) LastRTT() time.Duration {
	return c.session.LastRTT()
}

// IsPaired reports whether this device holds a completed pairing.
func (c *Client) IsPaired() bool {
	return c.creds.IsPaired()
}

// Send encodes and transmits a node without waiting for a response.
func (c *Client) Send(node *wire.Node) error {
	return c.dispatcher.Send(node)
}

// Query sends a node and waits for the response with the matching id.
// See dispatch.Dispatcher.Query for the timeout and retry behavior.
func (c *Client) Query(ctx context.Context, node *wire.Node) (*wire.Node, error) {
	return c.dispatcher.Query(ctx, node)
}

// RegisterHandler routes inbound nodes with the given tag to h. Nodes
// consumed as query responses never reach handlers.
func (c *Client) RegisterHandler(tag string, h dispatch.Handler) {
	c.dispatcher.RegisterHandler(tag, h)
}

// OnNode installs the catch-all for inbound nodes no tag handler claims.
func (c *Client) OnNode(fn func(node *wire.Node)) {
	c.dispatcher.RegisterUnknownHandler(fn)
}

// OnConnectionUpdate installs the callback for connection state
// transitions.
func (c *Client) OnConnectionUpdate(fn func(change transport.StateChange)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnection = fn
}

// OnCredentialsUpdate installs the callback fired with a snapshot after
// every credentials change.
func (c *Client) OnCredentialsUpdate(fn func(creds store.Credentials)) {
	c.creds.OnUpdate(fn)
}

// OnQRChallenge installs the callback fired for each issued or
// refreshed QR challenge.
func (c *Client) OnQRChallenge(fn func(challenge pairing.QRChallenge)) {
	c.pairer.OnQR(fn)
}

// OnPairingCode installs the callback fired when a pairing code is
// issued.
func (c *Client) OnPairingCode(fn func(code string)) {
	c.pairer.OnCode(fn)
}

// StartQRPairing begins the QR pairing flow and returns the first
// challenge. Call RefreshQR when it expires.
func (c *Client) StartQRPairing() (*pairing.QRChallenge, error) {
	identity := c.keys.Identity()
	if identity == nil {
		return nil, errors.New("relaywire: no device identity")
	}
	return c.pairer.BeginQR(identity)
}

// RefreshQR replaces the current QR challenge with a fresh one.
func (c *Client) RefreshQR() (*pairing.QRChallenge, error) {
	return c.pairer.RefreshQR()
}

// RequestPairingCode issues a pairing code bound to the given phone
// number for entry on the primary device.
func (c *Client) RequestPairingCode(phone string) (string, error) {
	return c.pairer.BeginCode(phone)
}

// ValidatePairingCode checks a code submitted back through the relay.
func (c *Client) ValidatePairingCode(code string) error {
	return c.pairer.ValidateCode(code)
}

// Logout disconnects, wipes persisted credentials, and drops the pairing
// state. The device must pair again before its next connection.
func (c *Client) Logout() error {
	if err := c.Disconnect(); err != nil {
		return err
	}
	c.pairer.Reset()
	return c.creds.Clear()
}

// runHandshake is the session's HandshakeFunc. It rotates the signed
// pre-key when due, drives the four-message exchange, and persists the
// tokens the server's proof carries.
func (c *Client) runHandshake(ctx context.Context, stream transport.DuplexStream) (*handshake.SessionKeys, error) {
	signed, err := c.keys.RefreshSignedPreKeyIfExpired()
	if err != nil {
		return nil, err
	}

	snapshot := c.creds.Snapshot()
	if snapshot.SignedPreKey == nil || snapshot.SignedPreKey.KeyID != signed.KeyID {
		c.creds.Update(func(cr *store.Credentials) {
			cr.SignedPreKey = signed
		})
	}
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
		ClientID:  snapshot.ClientID,
		Token:     snapshot.ClientToken,
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
	keys, proof, err := engine.ProcessServerFinish(serverFinish)
	if err != nil {
		return nil, err
	}

	if proof != nil && proof.Token != "" {
		c.creds.Update(func(cr *store.Credentials) {
			cr.ServerToken = proof.Token
			if proof.Account != "" {
				cr.Account = proof.Account
			}
			cr.LastSync = time.Now()
		})
	}
	return keys, nil
}

// postAuth runs between AUTHENTICATED and READY: it tops the pre-key
// pool back up and flushes any credential changes the handshake made.
func (c *Client) postAuth(ctx context.Context) error {
	if _, err := c.keys.ReplenishPreKeys(); err != nil {
		return err
	}
	return c.creds.Persist()
}

// handleFrame decodes one inbound frame payload and routes the node. A
// lone malformed payload is logged and dropped, but a consecutive run of
// them past the decode-failure budget means the stream is desynced and
// the connection is forced down.
func (c *Client) handleFrame(payload []byte) {
	node, err := c.codec.Decode(payload)
	if err != nil {
		c.mu.Lock()
		c.decodeFailures++
		failures := c.decodeFailures
		c.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "handleFrame",
			"package":  "relaywire",
			"error":    err,
			"bytes":    len(payload),
			"failures": failures,
		}).Warn("Dropping undecodable node")

		if failures >= c.maxDecodeFailures {
			c.session.Abort(ErrProtocolDesync)
		}
		return
	}

	c.mu.Lock()
	c.decodeFailures = 0
	c.mu.Unlock()

	c.dispatcher.HandleNode(node)
}

func (c *Client) handleStateChange(change transport.StateChange) {
	switch change.State {
	case transport.StateAuthenticated:
		// Fresh connection, fresh decode-failure budget.
		c.mu.Lock()
		c.decodeFailures = 0
		c.mu.Unlock()
	case transport.StateReconnecting, transport.StateClosed:
		cause := change.Err
		if cause == nil {
			cause = transport.ErrSessionClosed
		}
		c.dispatcher.DrainPending(cause)
	}

	c.mu.Lock()
	fn := c.onConnection
	c.mu.Unlock()
	if fn != nil {
		fn(change)
	}
}
