// Package credentials stores per-tenant exchange API keys at rest under
// AES-256-GCM, grounded on the original Rust credential store's design (one
// ciphertext per tenant/user/exchange/profile, bound to that tuple as
// associated data so a row copied elsewhere fails to decrypt) and the
// teacher's pkg/crypto.KeyManager for the underlying cipher and key
// rotation.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"stopdaemon/pkg/crypto"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("credentials: not found")

// Profile identifies one stored credential: a tenant may hold several
// profiles per exchange (e.g. "prod", "testnet").
type Profile struct {
	TenantID uuid.UUID
	UserID   uuid.UUID
	Exchange string
	Name     string
}

func (p Profile) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s", p.TenantID, p.UserID, p.Exchange, p.Name)
}

func (p Profile) aad() []byte {
	return []byte(p.Key())
}

// Secret is the decrypted pair handed to a venue adapter. Never logged,
// never placed on the event log.
type Secret struct {
	APIKey    string
	APISecret string
}

type record struct {
	Profile      Profile
	EncAPIKey    string
	EncAPISecret string
}

// Store is a file-backed, AES-256-GCM-encrypted-at-rest credential vault.
type Store struct {
	mu      sync.RWMutex
	path    string
	keys    *crypto.KeyManager
	records map[string]record
}

// Open loads (or creates) the credential store at path, decrypting nothing
// until Get is called.
func Open(path string, keys *crypto.KeyManager) (*Store, error) {
	s := &Store{path: path, keys: keys, records: make(map[string]record)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read credential store: %w", err)
	}
	var recs []record
	if err := json.Unmarshal(data, &recs); err != nil {
		return fmt.Errorf("decode credential store: %w", err)
	}
	for _, r := range recs {
		s.records[r.Profile.Key()] = r
	}
	return nil
}

func (s *Store) persist() error {
	recs := make([]record, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

// Put encrypts and durably stores secret under profile, binding the
// ciphertext to the full tenant/user/exchange/profile tuple.
func (s *Store) Put(ctx context.Context, profile Profile, secret Secret) error {
	encKey, err := s.keys.EncryptWithAAD(secret.APIKey, profile.aad())
	if err != nil {
		return fmt.Errorf("encrypt api key: %w", err)
	}
	encSecret, err := s.keys.EncryptWithAAD(secret.APISecret, profile.aad())
	if err != nil {
		return fmt.Errorf("encrypt api secret: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[profile.Key()] = record{Profile: profile, EncAPIKey: encKey, EncAPISecret: encSecret}
	return s.persist()
}

// Get decrypts and returns the secret for profile.
func (s *Store) Get(ctx context.Context, profile Profile) (Secret, error) {
	s.mu.RLock()
	r, ok := s.records[profile.Key()]
	s.mu.RUnlock()
	if !ok {
		return Secret{}, ErrNotFound
	}

	apiKey, err := s.keys.DecryptWithAAD(r.EncAPIKey, profile.aad())
	if err != nil {
		return Secret{}, fmt.Errorf("decrypt api key: %w", err)
	}
	apiSecret, err := s.keys.DecryptWithAAD(r.EncAPISecret, profile.aad())
	if err != nil {
		return Secret{}, fmt.Errorf("decrypt api secret: %w", err)
	}
	return Secret{APIKey: apiKey, APISecret: apiSecret}, nil
}

// Delete removes a stored profile, if present.
func (s *Store) Delete(ctx context.Context, profile Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, profile.Key())
	return s.persist()
}
