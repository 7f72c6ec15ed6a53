package crypto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePreKeysUniqueIDs(t *testing.T) {
	ks := NewKeyStore()

	pool, err := ks.GeneratePreKeys(DefaultPreKeyCount)
	require.NoError(t, err)
	require.NotNil(t, pool)

	// Map keys are unique by construction, so the pool holding the full
	// count proves no two pre-keys collided on an ID.
	assert.Equal(t, DefaultPreKeyCount, pool.Size())

	for keyID := range pool.Keys {
		assert.Greater(t, keyID, uint32(0))
		assert.Less(t, keyID, uint32(MaxPreKeyID))
	}
}

func TestConsumePreKeyRemovesEntry(t *testing.T) {
	ks := NewKeyStore()
	pool, err := ks.GeneratePreKeys(10)
	require.NoError(t, err)

	var anyID uint32
	for keyID := range pool.Keys {
		anyID = keyID
		break
	}

	keyPair, ok := ks.ConsumePreKey(anyID)
	require.True(t, ok)
	require.NotNil(t, keyPair)
	assert.Equal(t, 9, ks.PreKeyPool().Size())

	// Consuming the same ID twice must fail.
	_, ok = ks.ConsumePreKey(anyID)
	assert.False(t, ok)
}

func TestReplenishPreKeys(t *testing.T) {
	ks := NewKeyStore()
	pool, err := ks.GeneratePreKeys(10)
	require.NoError(t, err)

	consumed := 0
	for keyID := range pool.Keys {
		if consumed == 4 {
			break
		}
		_, ok := ks.ConsumePreKey(keyID)
		require.True(t, ok)
		consumed++
	}

	added, err := ks.ReplenishPreKeys()
	require.NoError(t, err)
	assert.Equal(t, 4, added)
	assert.Equal(t, 10, ks.PreKeyPool().Size())
}

func TestSignedPreKeyRotation(t *testing.T) {
	ks := NewKeyStore()
	identity, err := ks.GenerateIdentity()
	require.NoError(t, err)

	spk, err := ks.GenerateSignedPreKey(identity)
	require.NoError(t, err)

	ok, err := Verify(spk.KeyPair.Public[:], spk.Signature, identity.Private)
	require.NoError(t, err)
	assert.True(t, ok, "signed pre-key signature should verify against identity")

	// Fresh key: refresh is a no-op.
	same, err := ks.RefreshSignedPreKeyIfExpired()
	require.NoError(t, err)
	assert.Equal(t, spk.KeyID, same.KeyID)

	// Age the key past its lifetime and refresh again.
	ks.now = func() time.Time { return time.Now().Add(SignedPreKeyLifetime + time.Hour) }
	rotated, err := ks.RefreshSignedPreKeyIfExpired()
	require.NoError(t, err)
	assert.NotEqual(t, spk.KeyID, rotated.KeyID)
	assert.NotEqual(t, spk.KeyPair.Public, rotated.KeyPair.Public)
}

func TestRefreshWithoutIdentityFails(t *testing.T) {
	ks := NewKeyStore()
	_, err := ks.RefreshSignedPreKeyIfExpired()
	assert.Error(t, err)
}
