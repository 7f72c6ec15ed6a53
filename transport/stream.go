package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// DuplexStream is a frame-oriented, ordered, bidirectional byte stream to
// the relay. Frames written on one side arrive whole and in order on the
// other. Implementations must make Close unblock any pending ReadFrame.
type DuplexStream interface {
	// ReadFrame blocks until the next whole frame arrives.
	ReadFrame() ([]byte, error)

	// WriteFrame transmits one whole frame.
	WriteFrame(data []byte) error

	// Close shuts down the stream in both directions.
	Close() error
}

// Dialer opens duplex streams; it is the socket factory collaborator.
type Dialer interface {
	Dial(ctx context.Context, url string, headers http.Header) (DuplexStream, error)
}

// maxStreamFrame bounds a single wire frame: plaintext cap plus AEAD tag
// and framing overhead.
const maxStreamFrame = MaxFrameSize + 1024

// TCPDialer opens length-prefixed TCP streams. Each frame is preceded by a
// 4-byte big-endian length.
type TCPDialer struct {
	// WriteTimeout bounds each frame write; zero means no deadline.
	WriteTimeout time.Duration
}

// Dial connects to addr (host:port form; the url scheme, if any, is
// ignored).
func (d *TCPDialer) Dial(ctx context.Context, addr string, _ http.Header) (DuplexStream, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s: %w", addr, err)
	}
	return &tcpStream{conn: conn, writeTimeout: d.WriteTimeout}, nil
}

// tcpStream adapts a net.Conn to the DuplexStream contract with 4-byte
// length prefixing.
type tcpStream struct {
	conn         net.Conn
	readMu       sync.Mutex
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

func (s *tcpStream) ReadFrame() ([]byte, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	var prefix [4]byte
	if _, err := io.ReadFull(s.conn, prefix[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > maxStreamFrame {
		return nil, fmt.Errorf("frame length %d exceeds limit %d", length, maxStreamFrame)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(s.conn, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *tcpStream) WriteFrame(data []byte) error {
	if len(data) > maxStreamFrame {
		return fmt.Errorf("frame length %d exceeds limit %d", len(data), maxStreamFrame)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := s.conn.Write(prefix[:]); err != nil {
		return err
	}
	_, err := s.conn.Write(data)
	return err
}

func (s *tcpStream) Close() error {
	return s.conn.Close()
}
