// Package handshake implements the four-message key-agreement protocol run
// once per physical connection, before any application traffic flows.
//
// The exchange is client hello / server hello / client finish / server
// finish. The hellos carry ephemeral public keys and randoms; the finish
// messages are AEAD-encrypted identity proofs bound to a running transcript
// hash of every handshake byte exchanged. On success both sides hold the
// same SessionKeys and the transport switches to encrypted framing.
//
// The cryptographic primitives are pluggable through a noise.CipherSuite;
// the default is X25519, ChaCha20-Poly1305, and SHA-256.
package handshake

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"time"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
)

// State tracks the client engine's progress through the exchange.
type State uint8

const (
	// StateIdle is the initial state before any message is produced.
	StateIdle State = iota
	// StateClientHelloSent follows CreateClientHello.
	StateClientHelloSent
	// StateServerHelloReceived follows ProcessServerHello.
	StateServerHelloReceived
	// StateClientFinishSent follows CreateClientFinish.
	StateClientFinishSent
	// StateCompleted is terminal: session keys are available.
	StateCompleted
	// StateFailed is terminal: the engine must be discarded and the
	// connection retried from scratch with fresh ephemeral keys.
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateClientHelloSent:
		return "CLIENT_HELLO_SENT"
	case StateServerHelloReceived:
		return "SERVER_HELLO_RECEIVED"
	case StateClientFinishSent:
		return "CLIENT_FINISH_SENT"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// DefaultSuite returns the default cipher suite: X25519 key agreement,
// ChaCha20-Poly1305 AEAD, SHA-256 hashing.
func DefaultSuite() noise.CipherSuite {
	return noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
}

// Engine is the client side of the handshake. A single engine drives exactly
// one exchange; it is not reusable after completion or failure.
type Engine struct {
	suite noise.CipherSuite
	state State
	rng   io.Reader
	now   func() time.Time

	ephemeral    noise.DHKey
	clientRandom [randomLen]byte
	serverRandom [randomLen]byte
	sharedSecret []byte
	hsKeys       *HandshakeKeys
	transcript   hash.Hash
}

// NewEngine creates a client handshake engine. A nil suite selects
// DefaultSuite.
func NewEngine(suite noise.CipherSuite) *Engine {
	if suite == nil {
		suite = DefaultSuite()
	}
	return &Engine{
		suite:      suite,
		state:      StateIdle,
		rng:        rand.Reader,
		now:        time.Now,
		transcript: suite.Hash(),
	}
}

// State returns the engine's current state.
func (e *Engine) State() State {
	return e.state
}

// CreateClientHello produces the first handshake message: protocol version,
// timestamp, a fresh ephemeral public key, the client random, and the
// supported cipher suite identifier.
func (e *Engine) CreateClientHello() ([]byte, error) {
	if e.state != StateIdle {
		return nil, fmt.Errorf("%w: CreateClientHello in %s", ErrInvalidState, e.state)
	}

	ephemeral, err := e.suite.GenerateKeypair(e.rng)
	if err != nil {
		return nil, e.fail("clientHello", ReasonKeyAgreementFailed, err)
	}
	e.ephemeral = ephemeral

	if _, err := io.ReadFull(e.rng, e.clientRandom[:]); err != nil {
		return nil, e.fail("clientHello", ReasonKeyAgreementFailed, err)
	}

	hello := &clientHello{
		Version:   ProtocolVersion,
		Timestamp: e.now(),
		Random:    e.clientRandom,
		Suite:     SuiteX25519ChaChaPolySHA256,
	}
	copy(hello.Ephemeral[:], ephemeral.Public)

	msg := hello.encode()
	e.transcript.Write(msg)
	e.state = StateClientHelloSent

	logrus.WithFields(logrus.Fields{
		"function": "CreateClientHello",
		"package":  "handshake",
		"suite":    string(e.suite.Name()),
	}).Debug("Client hello created")

	return msg, nil
}

// ProcessServerHello parses the server's ephemeral key and random, computes
// the shared secret, and derives the handshake keys protecting the finish
// messages.
func (e *Engine) ProcessServerHello(msg []byte) error {
	if e.state != StateClientHelloSent {
		return fmt.Errorf("%w: ProcessServerHello in %s", ErrInvalidState, e.state)
	}

	hello, err := parseServerHello(msg)
	if err != nil {
		return e.fail("serverHello", ReasonMalformed, err)
	}
	if hello.Version != ProtocolVersion {
		return e.fail("serverHello", ReasonMalformed,
			fmt.Errorf("unsupported protocol version %d", hello.Version))
	}

	e.transcript.Write(msg)
	e.serverRandom = hello.Random

	shared, err := e.suite.DH(e.ephemeral.Private, hello.Ephemeral[:])
	if err != nil {
		return e.fail("serverHello", ReasonKeyAgreementFailed, err)
	}
	if isZeroSecret(shared) {
		return e.fail("serverHello", ReasonKeyAgreementFailed,
			fmt.Errorf("key agreement produced an all-zero secret"))
	}
	e.sharedSecret = shared

	keys, err := deriveHandshakeKeys(e.suite, shared, e.clientRandom, e.serverRandom)
	if err != nil {
		return e.fail("serverHello", ReasonKeyAgreementFailed, err)
	}
	e.hsKeys = keys
	e.state = StateServerHelloReceived

	return nil
}

// CreateClientFinish AEAD-encrypts the identity proof under the client-write
// key with a fresh random nonce, binding in the transcript of both hellos as
// associated data.
func (e *Engine) CreateClientFinish(proof *IdentityProof) ([]byte, error) {
	if e.state != StateServerHelloReceived {
		return nil, fmt.Errorf("%w: CreateClientFinish in %s", ErrInvalidState, e.state)
	}

	payload, err := proof.Encode()
	if err != nil {
		return nil, e.fail("clientFinish", ReasonMalformed, err)
	}

	nonce, err := randomNonce(e.rng)
	if err != nil {
		return nil, e.fail("clientFinish", ReasonKeyAgreementFailed, err)
	}

	ad := e.transcript.Sum(nil)
	cipher := e.suite.Cipher(e.hsKeys.ClientWrite)
	ciphertext := cipher.Encrypt(nil, nonce, ad, payload)

	msg := encodeFinish(nonce, ciphertext)
	e.transcript.Write(msg)
	e.state = StateClientFinishSent

	return msg, nil
}

// ProcessServerFinish AEAD-decrypts the server proof under the server-write
// key and derives the final application session keys bound to the full
// transcript. The AEAD tag check is constant-time inside the cipher.
func (e *Engine) ProcessServerFinish(msg []byte) (*SessionKeys, *ServerProof, error) {
	if e.state != StateClientFinishSent {
		return nil, nil, fmt.Errorf("%w: ProcessServerFinish in %s", ErrInvalidState, e.state)
	}

	nonce, ciphertext, err := parseFinish(msg)
	if err != nil {
		return nil, nil, e.fail("serverFinish", ReasonMalformed, err)
	}

	ad := e.transcript.Sum(nil)
	cipher := e.suite.Cipher(e.hsKeys.ServerWrite)
	payload, err := cipher.Decrypt(nil, nonce, ad, ciphertext)
	if err != nil {
		return nil, nil, e.fail("serverFinish", ReasonAuthenticationFailed, err)
	}

	proof, err := ParseServerProof(payload)
	if err != nil {
		return nil, nil, e.fail("serverFinish", ReasonMalformed, err)
	}

	e.transcript.Write(msg)
	var transcriptHash [32]byte
	copy(transcriptHash[:], e.transcript.Sum(nil))

	keys, err := deriveSessionKeys(e.suite, e.sharedSecret, e.clientRandom, e.serverRandom, transcriptHash, e.hsKeys)
	if err != nil {
		return nil, nil, e.fail("serverFinish", ReasonKeyAgreementFailed, err)
	}

	e.state = StateCompleted

	logrus.WithFields(logrus.Fields{
		"function": "ProcessServerFinish",
		"package":  "handshake",
		"account":  proof.Account,
	}).Info("Handshake completed, session keys derived")

	return keys, proof, nil
}

// fail moves the engine to its terminal failure state and returns the typed
// error for the transport.
func (e *Engine) fail(step string, reason Reason, err error) error {
	e.state = StateFailed

	logrus.WithFields(logrus.Fields{
		"function": "fail",
		"package":  "handshake",
		"step":     step,
		"reason":   reason.String(),
		"error":    err.Error(),
	}).Warn("Handshake failed")

	return &Error{Reason: reason, Step: step, Err: err}
}

// randomNonce draws a fresh 64-bit AEAD nonce.
func randomNonce(rng io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(rng, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// isZeroSecret checks for an all-zero shared secret, which X25519 produces
// for low-order peer points.
func isZeroSecret(secret []byte) bool {
	var acc byte
	for _, b := range secret {
		acc |= b
	}
	return acc == 0
}
