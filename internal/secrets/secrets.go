// Package secrets is the process-wide configuration store used to
// materialize the token signing secret at bootstrap.
package secrets

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"signet.org/internal/obs"
)

// SigningSecretKey is the configuration key holding the HMAC signing secret.
const SigningSecretKey = "signet.signing_secret"

// secretBytes is the generated secret size: 256 bits.
const secretBytes = 32

// ErrNotFound indicates the configuration key has no value.
var ErrNotFound = errors.New("secrets: not found")

// Store reads and writes configuration parameters.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// PGStore keeps parameters in a config_params table.
type PGStore struct {
	db *sql.DB
}

var _ Store = (*PGStore)(nil)

// NewPGStore wraps an open database handle.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`select value from config_params where key=$1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("secrets: get %s: %w", key, err)
	}
	return value, nil
}

func (s *PGStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`insert into config_params(key, value) values($1,$2)
		 on conflict (key) do update set value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("secrets: set %s: %w", key, err)
	}
	return nil
}

// EnsureSigningSecret returns the persisted signing secret, generating and
// storing a fresh 256-bit random one on first startup. The returned value
// is hex-encoded key material for the token codec.
func EnsureSigningSecret(ctx context.Context, store Store) ([]byte, error) {
	existing, err := store.Get(ctx, SigningSecretKey)
	switch {
	case err == nil && existing != "":
		key, decodeErr := hex.DecodeString(existing)
		if decodeErr != nil {
			return nil, fmt.Errorf("secrets: stored signing secret is not hex: %w", decodeErr)
		}
		return key, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return nil, err
	}

	key := make([]byte, secretBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("secrets: generate signing secret: %w", err)
	}
	if err := store.Set(ctx, SigningSecretKey, hex.EncodeToString(key)); err != nil {
		return nil, err
	}
	obs.Warn("generated new signing secret", map[string]any{"key": SigningSecretKey})
	return key, nil
}

// DecodeSecret decodes hex key material of at least 256 bits. Retired
// verify-only keys supplied through the environment go through here.
func DecodeSecret(raw string) ([]byte, error) {
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("secrets: secret is not hex: %w", err)
	}
	if len(key) < secretBytes {
		return nil, fmt.Errorf("secrets: secret must be at least %d bytes", secretBytes)
	}
	return key, nil
}
