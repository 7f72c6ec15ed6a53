package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPDialerFrameRoundTrip(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	accepted := make(chan DuplexStream, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		accepted <- &tcpStream{conn: conn}
	}()

	dialer := &TCPDialer{WriteTimeout: time.Second}
	client, err := dialer.Dial(context.Background(), listener.Addr().String(), nil)
	require.NoError(t, err)
	defer client.Close()

	var server DuplexStream
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not accept")
	}
	defer server.Close()

	require.NoError(t, client.WriteFrame([]byte("client hello")))
	got, err := server.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("client hello"), got)

	require.NoError(t, server.WriteFrame([]byte("server hello")))
	got, err = client.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("server hello"), got)

	// An empty frame survives the length prefix.
	require.NoError(t, client.WriteFrame(nil))
	got, err = server.ReadFrame()
	require.NoError(t, err)
	assert.Empty(t, got)

	// Close unblocks a pending read on the peer.
	readErr := make(chan error, 1)
	go func() {
		_, err := server.ReadFrame()
		readErr <- err
	}()
	require.NoError(t, client.Close())
	select {
	case err := <-readErr:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("peer read did not unblock on close")
	}
}

func TestTCPDialerRejectsUnreachableAddress(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	dialer := &TCPDialer{}
	_, err := dialer.Dial(ctx, "127.0.0.1:1", nil)
	assert.Error(t, err)
}
