package handshake

import (
	"errors"
	"fmt"
)

// Reason classifies a handshake failure for the transport's retry policy.
// Every reason is fatal for the current connection attempt; the transport may
// retry the whole connection from scratch with fresh ephemeral keys.
type Reason uint8

const (
	// ReasonMalformed indicates a handshake message shorter than its fixed
	// layout or otherwise structurally invalid.
	ReasonMalformed Reason = iota
	// ReasonKeyAgreementFailed indicates the key-agreement primitive rejected
	// its input (for example an identity or low-order point).
	ReasonKeyAgreementFailed
	// ReasonAuthenticationFailed indicates an AEAD authentication tag did not
	// verify.
	ReasonAuthenticationFailed
)

// String returns the reason's stable protocol name.
func (r Reason) String() string {
	switch r {
	case ReasonMalformed:
		return "malformed"
	case ReasonKeyAgreementFailed:
		return "keyAgreementFailed"
	case ReasonAuthenticationFailed:
		return "authenticationFailed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// Error is the typed failure surfaced to the transport when any handshake
// step fails. The engine is left in StateFailed and must be discarded.
type Error struct {
	Reason Reason
	Step   string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake %s: %s: %v", e.Step, e.Reason, e.Err)
	}
	return fmt.Sprintf("handshake %s: %s", e.Step, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsReason reports whether err is a handshake Error with the given reason.
func IsReason(err error, reason Reason) bool {
	var he *Error
	if errors.As(err, &he) {
		return he.Reason == reason
	}
	return false
}

// ErrInvalidState indicates a handshake method was called out of order.
var ErrInvalidState = errors.New("handshake: invalid state for operation")
