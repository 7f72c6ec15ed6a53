package handshake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runExchange drives a full client/server handshake in memory, optionally
// mutating each message before delivery. It returns both sides' session keys
// or the first error encountered.
func runExchange(t *testing.T, mutate func(step int, msg []byte) []byte) (*SessionKeys, *SessionKeys, error) {
	t.Helper()

	if mutate == nil {
		mutate = func(_ int, msg []byte) []byte { return msg }
	}

	client := NewEngine(nil)
	server := NewServerEngine(nil)

	clientHello, err := client.CreateClientHello()
	if err != nil {
		return nil, nil, err
	}
	if err := server.ProcessClientHello(mutate(0, clientHello)); err != nil {
		return nil, nil, err
	}

	serverHello, err := server.CreateServerHello()
	if err != nil {
		return nil, nil, err
	}
	if err := client.ProcessServerHello(mutate(1, serverHello)); err != nil {
		return nil, nil, err
	}

	clientFinish, err := client.CreateClientFinish(&IdentityProof{
		ClientID:  "device-1",
		Token:     "client-token",
		Timestamp: time.Now(),
	})
	if err != nil {
		return nil, nil, err
	}
	if _, err := server.ProcessClientFinish(mutate(2, clientFinish)); err != nil {
		return nil, nil, err
	}

	serverFinish, serverKeys, err := server.CreateServerFinish(&ServerProof{
		Token:     "server-token",
		Account:   "alice@relay",
		Timestamp: time.Now(),
	})
	if err != nil {
		return nil, nil, err
	}
	clientKeys, proof, err := client.ProcessServerFinish(mutate(3, serverFinish))
	if err != nil {
		return nil, nil, err
	}

	require.Equal(t, "alice@relay", proof.Account)
	return clientKeys, serverKeys, nil
}

func TestHandshakeCompletes(t *testing.T) {
	clientKeys, serverKeys, err := runExchange(t, nil)
	require.NoError(t, err)

	assert.Equal(t, clientKeys.ClientApp, serverKeys.ClientApp)
	assert.Equal(t, clientKeys.ServerApp, serverKeys.ServerApp)
	assert.Equal(t, clientKeys.TranscriptHash, serverKeys.TranscriptHash)
	assert.NotEqual(t, clientKeys.ClientApp, clientKeys.ServerApp)
}

func TestSessionCiphersInterop(t *testing.T) {
	clientKeys, serverKeys, err := runExchange(t, nil)
	require.NoError(t, err)

	clientSend, clientRecv := clientKeys.AppCiphers(Initiator)
	serverSend, serverRecv := serverKeys.AppCiphers(Responder)

	plaintext := []byte("ping")
	ct := clientSend.Encrypt(nil, 0, nil, plaintext)
	got, err := serverRecv.Decrypt(nil, 0, nil, ct)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	reply := []byte("pong")
	ct = serverSend.Encrypt(nil, 0, nil, reply)
	got, err = clientRecv.Decrypt(nil, 0, nil, ct)
	require.NoError(t, err)
	assert.Equal(t, reply, got)
}

func TestDeriveHandshakeKeysDeterministic(t *testing.T) {
	suite := DefaultSuite()
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i)
	}
	var clientRandom, serverRandom [randomLen]byte
	clientRandom[0] = 0x01
	serverRandom[0] = 0x02

	first, err := deriveHandshakeKeys(suite, secret, clientRandom, serverRandom)
	require.NoError(t, err)
	second, err := deriveHandshakeKeys(suite, secret, clientRandom, serverRandom)
	require.NoError(t, err)

	assert.Equal(t, first.ClientWrite, second.ClientWrite)
	assert.Equal(t, first.ServerWrite, second.ServerWrite)
}

func TestDeriveHandshakeKeysOrderSensitive(t *testing.T) {
	suite := DefaultSuite()
	secret := make([]byte, 32)
	secret[0] = 0xaa
	var clientRandom, serverRandom [randomLen]byte
	clientRandom[0] = 0x01
	serverRandom[0] = 0x02

	forward, err := deriveHandshakeKeys(suite, secret, clientRandom, serverRandom)
	require.NoError(t, err)
	swapped, err := deriveHandshakeKeys(suite, secret, serverRandom, clientRandom)
	require.NoError(t, err)

	assert.NotEqual(t, forward.ClientWrite, swapped.ClientWrite)
	assert.NotEqual(t, forward.ServerWrite, swapped.ServerWrite)
}

// TestHandshakeTamperDetection flips every byte of every handshake message in
// turn; the exchange must fail each time, never silently completing with
// wrong keys.
func TestHandshakeTamperDetection(t *testing.T) {
	lengths := []int{clientHelloLen, serverHelloLen, minFinishLen, minFinishLen}

	for step := 0; step < 4; step++ {
		for offset := 0; offset < lengths[step]; offset++ {
			mutate := func(s int, msg []byte) []byte {
				if s != step || offset >= len(msg) {
					return msg
				}
				tampered := make([]byte, len(msg))
				copy(tampered, msg)
				tampered[offset] ^= 0x01
				return tampered
			}

			_, _, err := runExchange(t, mutate)
			if err == nil {
				t.Fatalf("tampering message %d at offset %d went undetected", step, offset)
			}
		}
	}
}

func TestProcessServerHelloMalformed(t *testing.T) {
	client := NewEngine(nil)
	_, err := client.CreateClientHello()
	require.NoError(t, err)

	err = client.ProcessServerHello([]byte{0x01, 0x02})
	require.Error(t, err)
	assert.True(t, IsReason(err, ReasonMalformed))
	assert.Equal(t, StateFailed, client.State())
}

func TestEngineRejectsOutOfOrderCalls(t *testing.T) {
	client := NewEngine(nil)

	err := client.ProcessServerHello(make([]byte, serverHelloLen))
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = client.CreateClientFinish(&IdentityProof{ClientID: "x"})
	assert.ErrorIs(t, err, ErrInvalidState)

	_, _, err = client.ProcessServerFinish(make([]byte, minFinishLen))
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestFailedEngineStaysFailed(t *testing.T) {
	client := NewEngine(nil)
	_, err := client.CreateClientHello()
	require.NoError(t, err)

	require.Error(t, client.ProcessServerHello(nil))
	require.Equal(t, StateFailed, client.State())

	// Every subsequent call must keep reporting the invalid state.
	_, err = client.CreateClientHello()
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestProofRoundTrip(t *testing.T) {
	proof := &IdentityProof{
		ClientID:  "device-42",
		Token:     "tok-abc",
		Timestamp: time.Unix(1700000000, 0),
	}
	data, err := proof.Encode()
	require.NoError(t, err)

	decoded, err := ParseIdentityProof(data)
	require.NoError(t, err)
	assert.Equal(t, proof.ClientID, decoded.ClientID)
	assert.Equal(t, proof.Token, decoded.Token)
	assert.Equal(t, proof.Timestamp.Unix(), decoded.Timestamp.Unix())

	_, err = ParseIdentityProof([]byte{0xff})
	assert.Error(t, err)
}
