package handshake

import (
	"crypto/rand"
	"fmt"
	"hash"
	"io"
	"time"

	"github.com/flynn/noise"
)

// ServerEngine is the responder side of the handshake. The production relay
// implements this exchange remotely; the type exists for in-process relays
// and protocol tests, and mirrors Engine message for message.
type ServerEngine struct {
	suite noise.CipherSuite
	rng   io.Reader
	now   func() time.Time

	ephemeral       noise.DHKey
	clientEphemeral [keyLen]byte
	clientRandom    [randomLen]byte
	serverRandom    [randomLen]byte
	sharedSecret    []byte
	hsKeys          *HandshakeKeys
	transcript      hash.Hash

	helloReceived bool
	helloSent     bool
	finishRead    bool
}

// NewServerEngine creates a responder engine. A nil suite selects
// DefaultSuite.
func NewServerEngine(suite noise.CipherSuite) *ServerEngine {
	if suite == nil {
		suite = DefaultSuite()
	}
	return &ServerEngine{
		suite:      suite,
		rng:        rand.Reader,
		now:        time.Now,
		transcript: suite.Hash(),
	}
}

// ProcessClientHello parses and records the client's opening message.
func (s *ServerEngine) ProcessClientHello(msg []byte) error {
	if s.helloReceived {
		return fmt.Errorf("%w: client hello already processed", ErrInvalidState)
	}

	hello, err := parseClientHello(msg)
	if err != nil {
		return &Error{Reason: ReasonMalformed, Step: "clientHello", Err: err}
	}
	if hello.Version != ProtocolVersion {
		return &Error{Reason: ReasonMalformed, Step: "clientHello",
			Err: fmt.Errorf("unsupported protocol version %d", hello.Version)}
	}
	if hello.Suite != SuiteX25519ChaChaPolySHA256 {
		return &Error{Reason: ReasonMalformed, Step: "clientHello",
			Err: fmt.Errorf("unsupported cipher suite %d", hello.Suite)}
	}

	s.transcript.Write(msg)
	s.clientEphemeral = hello.Ephemeral
	s.clientRandom = hello.Random
	s.helloReceived = true
	return nil
}

// CreateServerHello produces the responder's hello, computes the shared
// secret, and derives the handshake keys.
func (s *ServerEngine) CreateServerHello() ([]byte, error) {
	if !s.helloReceived || s.helloSent {
		return nil, fmt.Errorf("%w: CreateServerHello out of order", ErrInvalidState)
	}

	ephemeral, err := s.suite.GenerateKeypair(s.rng)
	if err != nil {
		return nil, &Error{Reason: ReasonKeyAgreementFailed, Step: "serverHello", Err: err}
	}
	s.ephemeral = ephemeral

	if _, err := io.ReadFull(s.rng, s.serverRandom[:]); err != nil {
		return nil, &Error{Reason: ReasonKeyAgreementFailed, Step: "serverHello", Err: err}
	}

	hello := &serverHello{Version: ProtocolVersion, Random: s.serverRandom}
	copy(hello.Ephemeral[:], ephemeral.Public)

	msg := hello.encode()
	s.transcript.Write(msg)

	shared, err := s.suite.DH(s.ephemeral.Private, s.clientEphemeral[:])
	if err != nil {
		return nil, &Error{Reason: ReasonKeyAgreementFailed, Step: "serverHello", Err: err}
	}
	if isZeroSecret(shared) {
		return nil, &Error{Reason: ReasonKeyAgreementFailed, Step: "serverHello",
			Err: fmt.Errorf("key agreement produced an all-zero secret")}
	}
	s.sharedSecret = shared

	keys, err := deriveHandshakeKeys(s.suite, shared, s.clientRandom, s.serverRandom)
	if err != nil {
		return nil, &Error{Reason: ReasonKeyAgreementFailed, Step: "serverHello", Err: err}
	}
	s.hsKeys = keys
	s.helloSent = true

	return msg, nil
}

// ProcessClientFinish decrypts and returns the client's identity proof.
func (s *ServerEngine) ProcessClientFinish(msg []byte) (*IdentityProof, error) {
	if !s.helloSent || s.finishRead {
		return nil, fmt.Errorf("%w: ProcessClientFinish out of order", ErrInvalidState)
	}

	nonce, ciphertext, err := parseFinish(msg)
	if err != nil {
		return nil, &Error{Reason: ReasonMalformed, Step: "clientFinish", Err: err}
	}

	ad := s.transcript.Sum(nil)
	cipher := s.suite.Cipher(s.hsKeys.ClientWrite)
	payload, err := cipher.Decrypt(nil, nonce, ad, ciphertext)
	if err != nil {
		return nil, &Error{Reason: ReasonAuthenticationFailed, Step: "clientFinish", Err: err}
	}

	proof, err := ParseIdentityProof(payload)
	if err != nil {
		return nil, &Error{Reason: ReasonMalformed, Step: "clientFinish", Err: err}
	}

	s.transcript.Write(msg)
	s.finishRead = true
	return proof, nil
}

// CreateServerFinish encrypts the server proof and derives the final session
// keys; the returned keys match what the client derives from the same bytes.
func (s *ServerEngine) CreateServerFinish(proof *ServerProof) ([]byte, *SessionKeys, error) {
	if !s.finishRead {
		return nil, nil, fmt.Errorf("%w: CreateServerFinish out of order", ErrInvalidState)
	}

	payload, err := proof.Encode()
	if err != nil {
		return nil, nil, &Error{Reason: ReasonMalformed, Step: "serverFinish", Err: err}
	}

	nonce, err := randomNonce(s.rng)
	if err != nil {
		return nil, nil, &Error{Reason: ReasonKeyAgreementFailed, Step: "serverFinish", Err: err}
	}

	ad := s.transcript.Sum(nil)
	cipher := s.suite.Cipher(s.hsKeys.ServerWrite)
	ciphertext := cipher.Encrypt(nil, nonce, ad, payload)

	msg := encodeFinish(nonce, ciphertext)
	s.transcript.Write(msg)

	var transcriptHash [32]byte
	copy(transcriptHash[:], s.transcript.Sum(nil))

	keys, err := deriveSessionKeys(s.suite, s.sharedSecret, s.clientRandom, s.serverRandom, transcriptHash, s.hsKeys)
	if err != nil {
		return nil, nil, &Error{Reason: ReasonKeyAgreementFailed, Step: "serverFinish", Err: err}
	}

	return msg, keys, nil
}
