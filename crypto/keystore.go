package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultPreKeyCount is the number of one-time pre-keys kept in the pool.
	DefaultPreKeyCount = 100
	// SignedPreKeyLifetime is how long a signed pre-key is served before
	// rotation.
	SignedPreKeyLifetime = 7 * 24 * time.Hour
	// MaxPreKeyID bounds randomly assigned pre-key IDs to [1, 2^24).
	MaxPreKeyID = 1 << 24
	// maxKeyIDAttempts bounds the retry-on-collision loop for pre-key IDs.
	maxKeyIDAttempts = 64
)

// SignedPreKey is a medium-term key pair whose public half is signed with the
// identity key, proving it was issued by this device.
type SignedPreKey struct {
	KeyID     uint32    `json:"key_id"`
	KeyPair   *KeyPair  `json:"keypair"`
	Signature Signature `json:"signature"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the signed pre-key has outlived the given lifetime.
func (spk *SignedPreKey) Expired(lifetime time.Duration) bool {
	return time.Since(spk.CreatedAt) > lifetime
}

// PreKeyPool is a bounded collection of one-time pre-keys indexed by key ID.
// Entries are removed when consumed during a handshake and replenished on
// demand. Key IDs are unique within the pool.
type PreKeyPool struct {
	Keys    map[uint32]*KeyPair `json:"keys"`
	MaxKeys int                 `json:"max_keys"`
}

// Size returns the number of unconsumed pre-keys in the pool.
func (p *PreKeyPool) Size() int {
	return len(p.Keys)
}

// KeyStore generates and holds the identity key pair, signed pre-key, and
// one-time pre-key pool used for handshakes and registration. All mutation
// goes through the store's methods under a single writer lock.
type KeyStore struct {
	mu           sync.RWMutex
	identity     *KeyPair
	signedPreKey *SignedPreKey
	pool         *PreKeyPool
	lifetime     time.Duration
	now          func() time.Time
}

// NewKeyStore creates an empty key store using the default signed pre-key
// lifetime. Keys are generated lazily through the Generate methods.
func NewKeyStore() *KeyStore {
	return &KeyStore{
		lifetime: SignedPreKeyLifetime,
		now:      time.Now,
	}
}

// GenerateIdentity creates a fresh 32-byte identity key pair. Any previous
// identity, signed pre-key, and pool are discarded.
func (ks *KeyStore) GenerateIdentity() (*KeyPair, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	keyPair, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	ks.identity = keyPair
	ks.signedPreKey = nil
	ks.pool = nil

	logrus.WithFields(logrus.Fields{
		"function":   "GenerateIdentity",
		"package":    "crypto",
		"public_key": fmt.Sprintf("%x", keyPair.Public[:8]),
	}).Info("Generated new identity key pair")

	return keyPair, nil
}

// SetIdentity installs a previously persisted identity key pair.
func (ks *KeyStore) SetIdentity(identity *KeyPair) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.identity = identity
}

// Identity returns the current identity key pair, or nil if none has been
// generated.
func (ks *KeyStore) Identity() *KeyPair {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.identity
}

// GenerateSignedPreKey creates a new key pair and signs its public key with
// the identity's private key.
func (ks *KeyStore) GenerateSignedPreKey(identity *KeyPair) (*SignedPreKey, error) {
	if identity == nil {
		return nil, fmt.Errorf("signed pre-key requires an identity key pair")
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	return ks.generateSignedPreKeyLocked(identity)
}

func (ks *KeyStore) generateSignedPreKeyLocked(identity *KeyPair) (*SignedPreKey, error) {
	keyPair, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signed pre-key: %w", err)
	}

	signature, err := Sign(keyPair.Public[:], identity.Private)
	if err != nil {
		return nil, fmt.Errorf("failed to sign pre-key: %w", err)
	}

	keyID, err := randomKeyID(nil)
	if err != nil {
		return nil, err
	}

	spk := &SignedPreKey{
		KeyID:     keyID,
		KeyPair:   keyPair,
		Signature: signature,
		CreatedAt: ks.now(),
	}
	ks.signedPreKey = spk

	logrus.WithFields(logrus.Fields{
		"function": "GenerateSignedPreKey",
		"package":  "crypto",
		"key_id":   keyID,
	}).Debug("Generated signed pre-key")

	return spk, nil
}

// SetSignedPreKey installs a previously persisted signed pre-key.
func (ks *KeyStore) SetSignedPreKey(spk *SignedPreKey) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.signedPreKey = spk
}

// SignedPreKey returns the current signed pre-key, or nil.
func (ks *KeyStore) SignedPreKey() *SignedPreKey {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.signedPreKey
}

// RefreshSignedPreKeyIfExpired regenerates the signed pre-key when its age
// exceeds the configured lifetime. It is a no-op while the key is fresh and
// is called opportunistically before each handshake attempt.
func (ks *KeyStore) RefreshSignedPreKeyIfExpired() (*SignedPreKey, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.identity == nil {
		return nil, fmt.Errorf("no identity key pair available")
	}

	if ks.signedPreKey != nil && ks.now().Sub(ks.signedPreKey.CreatedAt) < ks.lifetime {
		return ks.signedPreKey, nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "RefreshSignedPreKeyIfExpired",
		"package":  "crypto",
	}).Info("Signed pre-key expired, rotating")

	return ks.generateSignedPreKeyLocked(ks.identity)
}

// GeneratePreKeys bulk-generates count one-time pre-keys with distinct random
// key IDs in [1, 2^24). The new pool replaces any existing one.
func (ks *KeyStore) GeneratePreKeys(count int) (*PreKeyPool, error) {
	if count <= 0 {
		return nil, fmt.Errorf("pre-key count must be positive, got %d", count)
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	pool := &PreKeyPool{
		Keys:    make(map[uint32]*KeyPair, count),
		MaxKeys: count,
	}

	for i := 0; i < count; i++ {
		keyPair, err := GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("failed to generate pre-key %d: %w", i, err)
		}

		keyID, err := randomKeyID(pool.Keys)
		if err != nil {
			return nil, err
		}

		pool.Keys[keyID] = keyPair
	}

	ks.pool = pool

	logrus.WithFields(logrus.Fields{
		"function": "GeneratePreKeys",
		"package":  "crypto",
		"count":    count,
	}).Info("Generated one-time pre-key pool")

	return pool, nil
}

// ConsumePreKey removes and returns the pre-key with the given ID. It returns
// false if the ID is unknown or already consumed.
func (ks *KeyStore) ConsumePreKey(keyID uint32) (*KeyPair, bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.pool == nil {
		return nil, false
	}

	keyPair, ok := ks.pool.Keys[keyID]
	if !ok {
		return nil, false
	}

	delete(ks.pool.Keys, keyID)
	return keyPair, true
}

// ReplenishPreKeys tops the pool back up to its configured size, keeping
// existing entries and their IDs.
func (ks *KeyStore) ReplenishPreKeys() (int, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.pool == nil {
		return 0, fmt.Errorf("no pre-key pool to replenish")
	}

	added := 0
	for len(ks.pool.Keys) < ks.pool.MaxKeys {
		keyPair, err := GenerateKeyPair()
		if err != nil {
			return added, fmt.Errorf("failed to generate replacement pre-key: %w", err)
		}

		keyID, err := randomKeyID(ks.pool.Keys)
		if err != nil {
			return added, err
		}

		ks.pool.Keys[keyID] = keyPair
		added++
	}

	return added, nil
}

// PreKeyPool returns the current pool, or nil if none has been generated.
func (ks *KeyStore) PreKeyPool() *PreKeyPool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.pool
}

// randomKeyID draws a random key ID in [1, MaxPreKeyID), retrying on
// collision with the supplied pool. Collisions are vanishingly rare but the
// uniqueness invariant is load-bearing, so we retry rather than hope.
func randomKeyID(existing map[uint32]*KeyPair) (uint32, error) {
	var buf [4]byte
	for attempt := 0; attempt < maxKeyIDAttempts; attempt++ {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, ErrCryptoUnavailable
		}

		keyID := binary.BigEndian.Uint32(buf[:]) % MaxPreKeyID
		if keyID == 0 {
			continue
		}
		if _, taken := existing[keyID]; taken {
			continue
		}
		return keyID, nil
	}
	return 0, fmt.Errorf("could not find unused pre-key ID after %d attempts", maxKeyIDAttempts)
}
