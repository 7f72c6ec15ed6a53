package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// UpdateFunc mutates credentials in place under the store's lock.
type UpdateFunc func(*Credentials)

// CredentialStore owns the in-memory credential set and its persistence.
// Every mutation goes through Update so dirty tracking, change notification,
// and persistence stay coherent; other components never write fields
// directly.
type CredentialStore struct {
	mu       sync.Mutex
	storage  Storage
	creds    *Credentials
	dirty    bool
	onUpdate func(Credentials)
}

// NewCredentialStore creates a store backed by the given storage
// collaborator.
func NewCredentialStore(storage Storage) *CredentialStore {
	return &CredentialStore{storage: storage}
}

// OnUpdate registers a callback invoked with a credential snapshot after
// every Update. Used to surface the credentials.updated event.
func (cs *CredentialStore) OnUpdate(fn func(Credentials)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.onUpdate = fn
}

// Initialize loads persisted credentials if present and structurally valid;
// otherwise it starts with a fresh empty set.
func (cs *CredentialStore) Initialize() (*Credentials, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	data, err := cs.storage.Load()
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			logrus.WithFields(logrus.Fields{
				"function": "Initialize",
				"package":  "store",
			}).Info("No persisted credentials, starting fresh")
			cs.creds = &Credentials{}
			return cs.creds.clone(), nil
		}
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	creds, err := unmarshalCredentials(data)
	if err != nil {
		return nil, fmt.Errorf("persisted credentials invalid: %w", err)
	}

	cs.creds = creds

	logrus.WithFields(logrus.Fields{
		"function": "Initialize",
		"package":  "store",
		"paired":   creds.Paired(),
		"account":  creds.Account,
	}).Info("Loaded persisted credentials")

	return cs.creds.clone(), nil
}

// IsPaired reports whether a completed pairing is on record.
func (cs *CredentialStore) IsPaired() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.creds != nil && cs.creds.Paired()
}

// Snapshot returns a copy of the current credentials.
func (cs *CredentialStore) Snapshot() *Credentials {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.creds == nil {
		return &Credentials{}
	}
	return cs.creds.clone()
}

// Update applies a mutation to the credentials, marks the store dirty, and
// notifies the update callback with a snapshot.
func (cs *CredentialStore) Update(apply UpdateFunc) {
	cs.mu.Lock()
	if cs.creds == nil {
		cs.creds = &Credentials{}
	}
	apply(cs.creds)
	cs.dirty = true
	snapshot := cs.creds.clone()
	callback := cs.onUpdate
	cs.mu.Unlock()

	if callback != nil {
		callback(*snapshot)
	}
}

// Persist writes the current credentials through the storage collaborator.
// It is a no-op when nothing changed since the last persist. The write is
// atomic: either the whole credential set persists or none of it does.
func (cs *CredentialStore) Persist() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.dirty || cs.creds == nil {
		return nil
	}

	data, err := cs.creds.marshal()
	if err != nil {
		return err
	}

	if err := cs.storage.Save(data); err != nil {
		return fmt.Errorf("failed to persist credentials: %w", err)
	}

	cs.dirty = false

	logrus.WithFields(logrus.Fields{
		"function": "Persist",
		"package":  "store",
		"paired":   cs.creds.Paired(),
	}).Debug("Credentials persisted")

	return nil
}

// Clear wipes all credential fields and persists the empty set. Used by
// explicit logout; IsPaired is false afterwards.
func (cs *CredentialStore) Clear() error {
	cs.mu.Lock()
	cs.creds = &Credentials{}
	cs.dirty = true
	cs.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Clear",
		"package":  "store",
	}).Info("Credentials cleared")

	return cs.Persist()
}
