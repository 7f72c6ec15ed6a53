package pairing

import (
	"errors"
	"fmt"
)

var (
	// ErrNoActiveChallenge means Validate or Refresh was called with no
	// challenge or code outstanding.
	ErrNoActiveChallenge = errors.New("pairing: no active challenge")
	// ErrCodeExpired means the pairing code's validity window has passed.
	ErrCodeExpired = errors.New("pairing: code expired")
	// ErrCodeAlreadyUsed means the single-use pairing code was already
	// validated once.
	ErrCodeAlreadyUsed = errors.New("pairing: code already used")
	// ErrCodeMismatch means the submitted code does not match.
	ErrCodeMismatch = errors.New("pairing: code mismatch")
	// ErrChallengeExpired means the QR challenge's validity window has
	// passed.
	ErrChallengeExpired = errors.New("pairing: challenge expired")
)

// ExhaustedError means the refresh budget for QR challenges ran out
// without the user scanning any of them.
type ExhaustedError struct {
	Refreshes int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("pairing: gave up after %d challenge refreshes", e.Refreshes)
}
