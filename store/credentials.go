// Package store holds the durable identity of a paired client: tokens,
// registration id, identity key material, and the resolved account identity.
// Credentials are the single source of truth for "is this client paired";
// all mutation flows through the CredentialStore so persisted and in-memory
// state cannot diverge.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/opd-ai/relaywire/crypto"
)

// Credentials is the durable per-device identity. It starts empty on first
// run, is populated incrementally as handshake and pairing complete, and is
// wiped entirely on logout.
type Credentials struct {
	ClientID       string               `json:"client_id"`
	RegistrationID uint32               `json:"registration_id"`
	IdentityKey    *crypto.KeyPair      `json:"identity_key,omitempty"`
	SignedPreKey   *crypto.SignedPreKey `json:"signed_pre_key,omitempty"`
	ServerToken    string               `json:"server_token"`
	ClientToken    string               `json:"client_token"`
	EncKey         []byte               `json:"enc_key,omitempty"`
	MacKey         []byte               `json:"mac_key,omitempty"`
	DeviceIdentity []byte               `json:"device_identity,omitempty"`
	Account        string               `json:"account"`
	LastSync       time.Time            `json:"last_sync"`
}

// Paired reports whether this credential set represents a completed pairing:
// both tokens and a resolved account identity are present.
func (c *Credentials) Paired() bool {
	return c.ServerToken != "" && c.ClientToken != "" && c.Account != ""
}

// clone returns a deep-enough copy for handing out snapshots: key material
// pointers are shared (keys are immutable after creation), byte slices are
// copied.
func (c *Credentials) clone() *Credentials {
	dup := *c
	dup.EncKey = append([]byte(nil), c.EncKey...)
	dup.MacKey = append([]byte(nil), c.MacKey...)
	dup.DeviceIdentity = append([]byte(nil), c.DeviceIdentity...)
	return &dup
}

// marshal serializes credentials for the storage collaborator.
func (c *Credentials) marshal() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credentials: %w", err)
	}
	return data, nil
}

// unmarshalCredentials parses persisted credentials and checks structural
// validity. Partial or corrupt data is rejected so a crash mid-write can
// never half-restore auth state.
func unmarshalCredentials(data []byte) (*Credentials, error) {
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}

	if creds.IdentityKey != nil {
		derived, err := crypto.FromSecretKey(creds.IdentityKey.Private)
		if err != nil {
			return nil, fmt.Errorf("persisted identity key invalid: %w", err)
		}
		if derived.Public != creds.IdentityKey.Public {
			return nil, fmt.Errorf("persisted identity key mismatch")
		}
	}

	if creds.SignedPreKey != nil {
		if creds.IdentityKey == nil {
			return nil, fmt.Errorf("persisted signed pre-key without identity key")
		}
		if creds.SignedPreKey.KeyPair == nil {
			return nil, fmt.Errorf("persisted signed pre-key missing key pair")
		}
		signer := crypto.SigningPublicKey(creds.IdentityKey.Private)
		ok, err := crypto.VerifyWithPublic(creds.SignedPreKey.KeyPair.Public[:], creds.SignedPreKey.Signature, signer)
		if err != nil {
			return nil, fmt.Errorf("persisted signed pre-key unverifiable: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("persisted signed pre-key signature invalid")
		}
	}

	return &creds, nil
}
