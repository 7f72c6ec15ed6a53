package handshake

import (
	"encoding/binary"
	"fmt"
	"time"
)

// ProtocolVersion is the handshake wire format version.
const ProtocolVersion byte = 1

// SuiteX25519ChaChaPolySHA256 identifies the default cipher suite
// (X25519 key agreement, ChaCha20-Poly1305 AEAD, SHA-256 hash).
const SuiteX25519ChaChaPolySHA256 byte = 1

const (
	keyLen    = 32
	randomLen = 32
	nonceLen  = 8
	tagLen    = 16

	// clientHelloLen is the fixed layout of the client hello:
	// version(1) | timestamp(8) | ephemeral(32) | random(32) | suite(1).
	clientHelloLen = 1 + 8 + keyLen + randomLen + 1

	// serverHelloLen is the fixed layout of the server hello:
	// version(1) | ephemeral(32) | random(32).
	serverHelloLen = 1 + keyLen + randomLen

	// minFinishLen is the minimum length of a finish message:
	// nonce(8) | ciphertext with AEAD tag(>=16).
	minFinishLen = nonceLen + tagLen
)

// clientHello is the first handshake message, sent by the client.
type clientHello struct {
	Version   byte
	Timestamp time.Time
	Ephemeral [keyLen]byte
	Random    [randomLen]byte
	Suite     byte
}

func (ch *clientHello) encode() []byte {
	buf := make([]byte, clientHelloLen)
	buf[0] = ch.Version
	binary.BigEndian.PutUint64(buf[1:9], uint64(ch.Timestamp.Unix()))
	copy(buf[9:41], ch.Ephemeral[:])
	copy(buf[41:73], ch.Random[:])
	buf[73] = ch.Suite
	return buf
}

func parseClientHello(data []byte) (*clientHello, error) {
	if len(data) < clientHelloLen {
		return nil, fmt.Errorf("client hello too short: %d < %d", len(data), clientHelloLen)
	}

	ch := &clientHello{
		Version:   data[0],
		Timestamp: time.Unix(int64(binary.BigEndian.Uint64(data[1:9])), 0),
		Suite:     data[73],
	}
	copy(ch.Ephemeral[:], data[9:41])
	copy(ch.Random[:], data[41:73])
	return ch, nil
}

// serverHello is the second handshake message, sent by the server.
type serverHello struct {
	Version   byte
	Ephemeral [keyLen]byte
	Random    [randomLen]byte
}

func (sh *serverHello) encode() []byte {
	buf := make([]byte, serverHelloLen)
	buf[0] = sh.Version
	copy(buf[1:33], sh.Ephemeral[:])
	copy(buf[33:65], sh.Random[:])
	return buf
}

func parseServerHello(data []byte) (*serverHello, error) {
	if len(data) < serverHelloLen {
		return nil, fmt.Errorf("server hello too short: %d < %d", len(data), serverHelloLen)
	}

	sh := &serverHello{Version: data[0]}
	copy(sh.Ephemeral[:], data[1:33])
	copy(sh.Random[:], data[33:65])
	return sh, nil
}

// encodeFinish frames an AEAD-encrypted finish message as nonce||ciphertext.
func encodeFinish(nonce uint64, ciphertext []byte) []byte {
	buf := make([]byte, nonceLen+len(ciphertext))
	binary.BigEndian.PutUint64(buf[:nonceLen], nonce)
	copy(buf[nonceLen:], ciphertext)
	return buf
}

// parseFinish splits a finish message into its nonce and ciphertext.
func parseFinish(data []byte) (uint64, []byte, error) {
	if len(data) < minFinishLen {
		return 0, nil, fmt.Errorf("finish message too short: %d < %d", len(data), minFinishLen)
	}
	return binary.BigEndian.Uint64(data[:nonceLen]), data[nonceLen:], nil
}

// IdentityProof is the small payload the client encrypts inside its finish
// message: enough for the server to look up and verify the device.
type IdentityProof struct {
	ClientID  string
	Token     string
	Timestamp time.Time
}

// ServerProof is the payload the server encrypts inside its finish message.
// Token carries a fresh server token and Account the resolved account
// identity for this device.
type ServerProof struct {
	Token     string
	Account   string
	Timestamp time.Time
}

// encodeProof serializes two length-prefixed strings and a timestamp.
func encodeProof(a, b string, ts time.Time) ([]byte, error) {
	if len(a) > 255 || len(b) > 255 {
		return nil, fmt.Errorf("proof field too long: %d/%d bytes", len(a), len(b))
	}

	buf := make([]byte, 0, 2+len(a)+len(b)+8)
	buf = append(buf, byte(len(a)))
	buf = append(buf, a...)
	buf = append(buf, byte(len(b)))
	buf = append(buf, b...)

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(ts.Unix()))
	buf = append(buf, tsBuf[:]...)
	return buf, nil
}

func parseProof(data []byte) (string, string, time.Time, error) {
	if len(data) < 1 {
		return "", "", time.Time{}, fmt.Errorf("proof payload empty")
	}

	aLen := int(data[0])
	if len(data) < 1+aLen+1 {
		return "", "", time.Time{}, fmt.Errorf("proof payload truncated")
	}
	a := string(data[1 : 1+aLen])

	rest := data[1+aLen:]
	bLen := int(rest[0])
	if len(rest) < 1+bLen+8 {
		return "", "", time.Time{}, fmt.Errorf("proof payload truncated")
	}
	b := string(rest[1 : 1+bLen])

	ts := time.Unix(int64(binary.BigEndian.Uint64(rest[1+bLen:1+bLen+8])), 0)
	return a, b, ts, nil
}

// Encode serializes the identity proof for AEAD encryption.
func (p *IdentityProof) Encode() ([]byte, error) {
	return encodeProof(p.ClientID, p.Token, p.Timestamp)
}

// ParseIdentityProof decodes a client finish payload.
func ParseIdentityProof(data []byte) (*IdentityProof, error) {
	clientID, token, ts, err := parseProof(data)
	if err != nil {
		return nil, err
	}
	return &IdentityProof{ClientID: clientID, Token: token, Timestamp: ts}, nil
}

// Encode serializes the server proof for AEAD encryption.
func (p *ServerProof) Encode() ([]byte, error) {
	return encodeProof(p.Token, p.Account, p.Timestamp)
}

// ParseServerProof decodes a server finish payload.
func ParseServerProof(data []byte) (*ServerProof, error) {
	token, account, ts, err := parseProof(data)
	if err != nil {
		return nil, err
	}
	return &ServerProof{Token: token, Account: account, Timestamp: ts}, nil
}
