package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketDialer opens WebSocket streams to the relay. Binary messages map
// one-to-one onto frames.
type WebSocketDialer struct {
	// HandshakeTimeout bounds the WebSocket upgrade; zero uses the
	// gorilla default.
	HandshakeTimeout time.Duration
}

// Dial opens a WebSocket connection to url (ws:// or wss://) with the given
// headers.
func (d *WebSocketDialer) Dial(ctx context.Context, url string, headers http.Header) (DuplexStream, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, url, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}

	conn.SetReadLimit(maxStreamFrame)
	return &wsStream{conn: conn}, nil
}

// wsStream adapts a gorilla websocket connection to the DuplexStream
// contract.
type wsStream struct {
	conn *websocket.Conn
}

func (s *wsStream) ReadFrame() ([]byte, error) {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok {
				return nil, &CloseError{Code: closeErr.Code, Reason: closeErr.Text}
			}
			return nil, err
		}
		// Text messages are not part of the protocol; skip them.
		if messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (s *wsStream) WriteFrame(data []byte) error {
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *wsStream) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}
