package handshake

import (
	"fmt"
	"io"

	"github.com/flynn/noise"
	"golang.org/x/crypto/hkdf"
)

var (
	handshakeKeyInfo = []byte("relaywire/1 handshake keys")
	sessionKeyInfo   = []byte("relaywire/1 session keys")
)

// HandshakeKeys are the symmetric keys protecting the finish messages.
// The client encrypts with ClientWrite, the server with ServerWrite.
type HandshakeKeys struct {
	ClientWrite [32]byte
	ServerWrite [32]byte
}

// SessionKeys is the complete key material derived from a successful
// handshake. It is held only in memory and re-derived through a fresh
// handshake on every reconnect.
type SessionKeys struct {
	ClientWrite    [32]byte
	ServerWrite    [32]byte
	ClientApp      [32]byte
	ServerApp      [32]byte
	TranscriptHash [32]byte

	suite noise.CipherSuite
}

// Role distinguishes the two endpoints of a handshake.
type Role uint8

const (
	// Initiator is the client side: it sends the first message.
	Initiator Role = iota
	// Responder is the server side.
	Responder
)

// AppCiphers returns the send and receive ciphers for application framing.
// The initiator writes with the client application key and reads with the
// server application key; the responder is mirrored.
func (sk *SessionKeys) AppCiphers(role Role) (send, recv noise.Cipher) {
	clientCipher := sk.suite.Cipher(sk.ClientApp)
	serverCipher := sk.suite.Cipher(sk.ServerApp)
	if role == Initiator {
		return clientCipher, serverCipher
	}
	return serverCipher, clientCipher
}

// deriveHandshakeKeys expands the shared secret into the two finish-message
// keys. The derivation is a pure function of the shared secret and both
// randoms, salted in client-then-server order so swapping the randoms yields
// different keys.
func deriveHandshakeKeys(suite noise.CipherSuite, sharedSecret []byte, clientRandom, serverRandom [randomLen]byte) (*HandshakeKeys, error) {
	salt := make([]byte, 0, 2*randomLen)
	salt = append(salt, clientRandom[:]...)
	salt = append(salt, serverRandom[:]...)

	reader := hkdf.New(suite.Hash, sharedSecret, salt, handshakeKeyInfo)

	keys := &HandshakeKeys{}
	if _, err := io.ReadFull(reader, keys.ClientWrite[:]); err != nil {
		return nil, fmt.Errorf("hkdf expand client write key: %w", err)
	}
	if _, err := io.ReadFull(reader, keys.ServerWrite[:]); err != nil {
		return nil, fmt.Errorf("hkdf expand server write key: %w", err)
	}
	return keys, nil
}

// deriveSessionKeys expands the same pseudorandom material into the
// application keys, binding in the full handshake transcript hash so any
// tampering with earlier messages invalidates the session.
func deriveSessionKeys(suite noise.CipherSuite, sharedSecret []byte, clientRandom, serverRandom [randomLen]byte, transcript [32]byte, hsKeys *HandshakeKeys) (*SessionKeys, error) {
	salt := make([]byte, 0, 2*randomLen)
	salt = append(salt, clientRandom[:]...)
	salt = append(salt, serverRandom[:]...)

	info := make([]byte, 0, len(sessionKeyInfo)+len(transcript))
	info = append(info, sessionKeyInfo...)
	info = append(info, transcript[:]...)

	reader := hkdf.New(suite.Hash, sharedSecret, salt, info)

	keys := &SessionKeys{
		ClientWrite:    hsKeys.ClientWrite,
		ServerWrite:    hsKeys.ServerWrite,
		TranscriptHash: transcript,
		suite:          suite,
	}
	if _, err := io.ReadFull(reader, keys.ClientApp[:]); err != nil {
		return nil, fmt.Errorf("hkdf expand client app key: %w", err)
	}
	if _, err := io.ReadFull(reader, keys.ServerApp[:]); err != nil {
		return nil, fmt.Errorf("hkdf expand server app key: %w", err)
	}
	return keys, nil
}
