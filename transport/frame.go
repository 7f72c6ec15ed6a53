package transport

import (
	"encoding/binary"
	"errors"
)

// FrameType identifies the kind of an encrypted session frame.
type FrameType byte

const (
	// FrameNode carries an encoded protocol node.
	FrameNode FrameType = iota + 1
	// FramePing is a keep-alive probe.
	FramePing
	// FramePong answers a keep-alive probe.
	FramePong
	// FrameClose carries a close code and reason before teardown.
	FrameClose
)

// MaxFrameSize caps a single frame's plaintext (1MB to prevent excessive
// memory usage).
const MaxFrameSize = 1024 * 1024

// Frame is the plaintext unit inside each AEAD-encrypted transmission.
type Frame struct {
	Type    FrameType
	Payload []byte
}

// Serialize converts a frame to its byte representation.
// Format: [frame type (1 byte)][payload (variable length)].
func (f *Frame) Serialize() ([]byte, error) {
	if f.Type < FrameNode || f.Type > FrameClose {
		return nil, errors.New("invalid frame type")
	}
	if len(f.Payload) > MaxFrameSize {
		return nil, errors.New("frame payload too large")
	}

	result := make([]byte, 1+len(f.Payload))
	result[0] = byte(f.Type)
	copy(result[1:], f.Payload)

	return result, nil
}

// ParseFrame converts a byte slice to a Frame structure.
func ParseFrame(data []byte) (*Frame, error) {
	if len(data) < 1 {
		return nil, errors.New("frame too short")
	}

	frameType := FrameType(data[0])
	if frameType < FrameNode || frameType > FrameClose {
		return nil, errors.New("unknown frame type")
	}

	frame := &Frame{
		Type:    frameType,
		Payload: make([]byte, len(data)-1),
	}
	copy(frame.Payload, data[1:])

	return frame, nil
}

// encodeCloseFrame packs a close code and reason into a close frame payload.
func encodeCloseFrame(code int, reason string) []byte {
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload[:2], uint16(code))
	copy(payload[2:], reason)
	return payload
}

// parseCloseFrame unpacks a close frame payload into a CloseError.
func parseCloseFrame(payload []byte) *CloseError {
	if len(payload) < 2 {
		return &CloseError{Code: CloseAbnormal}
	}
	return &CloseError{
		Code:   int(binary.BigEndian.Uint16(payload[:2])),
		Reason: string(payload[2:]),
	}
}
