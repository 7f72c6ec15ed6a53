package pairing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaywire/crypto"
)

const (
	// DefaultQRTimeout is how long a single QR challenge stays scannable
	// before it must be refreshed.
	DefaultQRTimeout = 60 * time.Second
	// DefaultCodeTimeout is the validity window of a phone pairing code.
	DefaultCodeTimeout = 5 * time.Minute
	// DefaultMaxRefreshes bounds how many times a QR challenge is
	// reissued before the controller gives up.
	DefaultMaxRefreshes = 5

	// CodeLength is the length of a phone pairing code.
	CodeLength = 8
	// codeAlphabet omits I, O, 0 and 1 so codes read unambiguously when
	// typed from a phone screen.
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	refLength = 16
)

// QRChallenge is one scannable pairing challenge. Its payload binds a
// server-visible reference to the client's identity key and the moment
// of issue.
type QRChallenge struct {
	Ref       string
	PublicKey [32]byte
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Payload returns the string rendered into the QR image. Fields are
// comma-joined so the scanner can split without a parser.
func (c *QRChallenge) Payload() string {
	return strings.Join([]string{
		c.Ref,
		base64.StdEncoding.EncodeToString(c.PublicKey[:]),
		strconv.FormatInt(c.IssuedAt.Unix(), 10),
	}, ",")
}

type pairingCode struct {
	code      string
	phone     string
	issuedAt  time.Time
	expiresAt time.Time
	used      bool
	attempts  int
}

// Controller drives the two pairing flows a fresh device can take: QR
// challenges scanned by the primary device, or an 8-character code the
// user types into it.
//
// All methods are safe for concurrent use.
type Controller struct {
	mu sync.Mutex

	challenge *QRChallenge
	refreshes int
	code      *pairingCode

	qrTimeout    time.Duration
	codeTimeout  time.Duration
	maxRefreshes int

	onQR   func(challenge QRChallenge)
	onCode func(code string)

	now func() time.Time
	rng io.Reader
}

// NewController creates a pairing controller. Zero durations and a zero
// refresh bound select the defaults.
func NewController(qrTimeout, codeTimeout time.Duration, maxRefreshes int) *Controller {
	if qrTimeout <= 0 {
		qrTimeout = DefaultQRTimeout
	}
	if codeTimeout <= 0 {
		codeTimeout = DefaultCodeTimeout
	}
	if maxRefreshes <= 0 {
		maxRefreshes = DefaultMaxRefreshes
	}
	return &Controller{
		qrTimeout:    qrTimeout,
		codeTimeout:  codeTimeout,
		maxRefreshes: maxRefreshes,
		now:          time.Now,
		rng:          rand.Reader,
	}
}

// OnQR installs the callback fired each time a challenge is issued or
// refreshed.
func (c *Controller) OnQR(fn func(challenge QRChallenge)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onQR = fn
}

// OnCode installs the callback fired when a pairing code is issued.
func (c *Controller) OnCode(fn func(code string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCode = fn
}

// BeginQR issues the first QR challenge of a pairing session, bound to
// the device's identity key. It resets the refresh budget.
func (c *Controller) BeginQR(identity *crypto.KeyPair) (*QRChallenge, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.refreshes = 0
	return c.issueLocked(identity.Public)
}

// RefreshQR invalidates the current challenge and issues a new one with
// the same identity key. Once the refresh budget is spent it returns an
// *ExhaustedError and leaves no challenge active.
func (c *Controller) RefreshQR() (*QRChallenge, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.challenge == nil {
		return nil, ErrNoActiveChallenge
	}
	if c.refreshes >= c.maxRefreshes {
		c.challenge = nil
		logrus.WithFields(logrus.Fields{
			"function":  "RefreshQR",
			"package":   "pairing",
			"refreshes": c.refreshes,
		}).Warn("QR refresh budget exhausted")
		return nil, &ExhaustedError{Refreshes: c.refreshes}
	}
	c.refreshes++
	return c.issueLocked(c.challenge.PublicKey)
}

// ActiveChallenge returns the current challenge, or an error when none
// is active or the active one has expired. The old reference stops
// validating the instant a refresh issues a new one.
func (c *Controller) ActiveChallenge() (*QRChallenge, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.challenge == nil {
		return nil, ErrNoActiveChallenge
	}
	if c.now().After(c.challenge.ExpiresAt) {
		return nil, ErrChallengeExpired
	}
	ch := *c.challenge
	return &ch, nil
}

// CompleteQR clears the active challenge after the server confirms a
// scan. It reports whether the given ref was the live one.
func (c *Controller) CompleteQR(ref string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.challenge == nil || c.challenge.Ref != ref {
		return false
	}
	if c.now().After(c.challenge.ExpiresAt) {
		return false
	}
	c.challenge = nil
	return true
}

// BeginCode issues a single-use pairing code bound to the given phone
// number and returns it for display.
func (c *Controller) BeginCode(phone string) (string, error) {
	code, err := c.generateCode()
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	issued := c.now()
	c.code = &pairingCode{
		code:      code,
		phone:     phone,
		issuedAt:  issued,
		expiresAt: issued.Add(c.codeTimeout),
	}
	onCode := c.onCode
	c.mu.Unlock()

	if onCode != nil {
		onCode(code)
	}
	logrus.WithFields(logrus.Fields{
		"function": "BeginCode",
		"package":  "pairing",
		"phone":    phone,
	}).Info("Issued pairing code")
	return code, nil
}

// ValidateCode checks a submitted code against the outstanding one. The
// comparison is constant time. A code validates at most once; expired,
// reused and mismatched submissions each fail with a distinct error,
// and every submission counts against the attempt counter.
func (c *Controller) ValidateCode(submitted string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.code == nil {
		return ErrNoActiveChallenge
	}
	c.code.attempts++

	if c.code.used {
		return ErrCodeAlreadyUsed
	}
	if c.now().After(c.code.expiresAt) {
		return ErrCodeExpired
	}

	submitted = strings.ToUpper(strings.TrimSpace(submitted))
	if subtle.ConstantTimeCompare([]byte(submitted), []byte(c.code.code)) != 1 {
		return ErrCodeMismatch
	}

	c.code.used = true
	return nil
}

// CodeAttempts reports how many validation attempts the outstanding
// code has seen.
func (c *Controller) CodeAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.code == nil {
		return 0
	}
	return c.code.attempts
}

// Reset drops any outstanding challenge and code.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.challenge = nil
	c.code = nil
	c.refreshes = 0
}

func (c *Controller) issueLocked(pub [32]byte) (*QRChallenge, error) {
	ref := make([]byte, refLength)
	if _, err := io.ReadFull(c.rng, ref); err != nil {
		return nil, fmt.Errorf("generating challenge ref: %w", err)
	}

	issued := c.now()
	ch := &QRChallenge{
		Ref:       base64.RawURLEncoding.EncodeToString(ref),
		PublicKey: pub,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(c.qrTimeout),
	}
	c.challenge = ch

	if c.onQR != nil {
		go c.onQR(*ch)
	}
	logrus.WithFields(logrus.Fields{
		"function": "issueLocked",
		"package":  "pairing",
		"ref":      ch.Ref,
		"expires":  ch.ExpiresAt,
	}).Debug("Issued QR challenge")

	out := *ch
	return &out, nil
}

func (c *Controller) generateCode() (string, error) {
	buf := make([]byte, CodeLength)
	if _, err := io.ReadFull(c.rng, buf); err != nil {
		return "", fmt.Errorf("generating pairing code: %w", err)
	}
	code := make([]byte, CodeLength)
	for i, b := range buf {
		code[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(code), nil
}
