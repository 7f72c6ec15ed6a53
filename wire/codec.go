package wire

import (
	"fmt"
)

// Codec converts nodes to and from frame bytes. Implementations must return
// a *CodecError for malformed input rather than panicking or returning
// unstructured errors, so the session can drop the offending frame and keep
// count of suspicious input.
type Codec interface {
	Encode(node *Node) ([]byte, error)
	Decode(data []byte) (*Node, error)
}

// CodecError is the typed failure for malformed node data in either
// direction.
type CodecError struct {
	Op  string // "encode" or "decode"
	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("codec %s: %v", e.Op, e.Err)
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

func decodeErr(format string, args ...interface{}) error {
	return &CodecError{Op: "decode", Err: fmt.Errorf(format, args...)}
}

func encodeErr(format string, args ...interface{}) error {
	return &CodecError{Op: "encode", Err: fmt.Errorf(format, args...)}
}
