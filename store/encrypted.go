package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"

	"github.com/opd-ai/relaywire/crypto"
)

const (
	// pbkdf2Iterations is the key-derivation work factor (NIST recommendation).
	pbkdf2Iterations = 100000
	// encryptionVersion is the current at-rest format version.
	encryptionVersion = 1
	// saltSize is the size of the PBKDF2 salt.
	saltSize = 32
)

// EncryptedFileStorage wraps file persistence with AES-256-GCM encryption at
// rest, protecting tokens and key material even if the filesystem is read by
// another party. The encryption key is derived from a master password via
// PBKDF2 with a per-installation salt.
type EncryptedFileStorage struct {
	encryptionKey [32]byte
	path          string
	saltPath      string
}

// NewEncryptedFileStorage creates encrypted storage at path. masterPassword
// should come from the user or a system keyring; it is wiped before this
// function returns.
func NewEncryptedFileStorage(path string, masterPassword []byte) (*EncryptedFileStorage, error) {
	if path == "" {
		return nil, fmt.Errorf("storage path cannot be empty")
	}
	if len(masterPassword) == 0 {
		return nil, fmt.Errorf("master password cannot be empty")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	es := &EncryptedFileStorage{
		path:     path,
		saltPath: filepath.Join(dir, ".salt"),
	}

	salt, err := es.loadOrGenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize salt: %w", err)
	}

	derivedKey := pbkdf2.Key(masterPassword, salt, pbkdf2Iterations, 32, sha256.New)
	copy(es.encryptionKey[:], derivedKey)

	crypto.ZeroBytes(derivedKey)
	crypto.ZeroBytes(masterPassword)

	return es, nil
}

// loadOrGenerateSalt loads the existing salt or generates a new one with
// restricted permissions.
func (es *EncryptedFileStorage) loadOrGenerateSalt() ([]byte, error) {
	data, err := os.ReadFile(es.saltPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read salt file: %w", err)
		}

		salt := make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		if err := os.WriteFile(es.saltPath, salt, 0o600); err != nil {
			return nil, fmt.Errorf("failed to save salt: %w", err)
		}
		return salt, nil
	}

	if len(data) != saltSize {
		return nil, fmt.Errorf("invalid salt file size: got %d, want %d", len(data), saltSize)
	}
	return data, nil
}

// Load reads and decrypts the credential bytes.
// Format: [version:2][nonce:12][ciphertext+tag:N].
func (es *EncryptedFileStorage) Load() ([]byte, error) {
	data, err := os.ReadFile(es.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	if len(data) < 2+12+16 {
		return nil, fmt.Errorf("encrypted file too short: %d bytes", len(data))
	}

	version := binary.BigEndian.Uint16(data[0:2])
	if version != encryptionVersion {
		return nil, fmt.Errorf("unsupported encryption version: %d (expected %d)", version, encryptionVersion)
	}

	gcm, err := es.newGCM()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < 2+nonceSize {
		return nil, fmt.Errorf("encrypted file too short for nonce: %d bytes", len(data))
	}

	nonce := data[2 : 2+nonceSize]
	ciphertext := data[2+nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials (wrong password or corrupt file): %w", err)
	}
	return plaintext, nil
}

// Save encrypts and atomically writes the credential bytes.
func (es *EncryptedFileStorage) Save(data []byte) error {
	gcm, err := es.newGCM()
	if err != nil {
		return err
	}

	// Unique nonce per encryption is critical for GCM security.
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, data, nil)

	output := make([]byte, 2+len(nonce)+len(ciphertext))
	binary.BigEndian.PutUint16(output[0:2], encryptionVersion)
	copy(output[2:2+len(nonce)], nonce)
	copy(output[2+len(nonce):], ciphertext)

	tmpPath := es.path + ".tmp"
	if err := os.WriteFile(tmpPath, output, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tmpPath, es.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename credentials file: %w", err)
	}
	return nil
}

func (es *EncryptedFileStorage) newGCM() (cipher.AEAD, error) {
	block, err := aes.NewCipher(es.encryptionKey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
