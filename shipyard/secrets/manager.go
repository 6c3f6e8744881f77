package secrets

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// CredentialID names a group of bindings that are unlocked together,
// e.g. "registry" for a username/password pair.
type CredentialID string

type Secret[T any] struct {
	Key        string
	Value      T
	Credential CredentialID
	CreatedAt  time.Time
	CreatedBy  string
}

// the secret is not present
type LockedSecret = Secret[struct{}]

// the secret is present in plaintext, never expose this publicly,
// only hand it to a Binder scope
type UnlockedSecret = Secret[string]

type Manager interface {
	AddSecret(ctx context.Context, secret UnlockedSecret) error
	RemoveSecret(ctx context.Context, secret Secret[any]) error
	GetSecretsLocked(ctx context.Context, credential CredentialID) ([]LockedSecret, error)
	GetSecretsUnlocked(ctx context.Context, credential CredentialID) ([]UnlockedSecret, error)
}

// Lister is implemented by backends that can enumerate their credentials.
type Lister interface {
	Credentials(ctx context.Context) ([]CredentialID, error)
}

// lock strips the values off a credential's bindings.
func lock(unlocked []UnlockedSecret) []LockedSecret {
	locked := make([]LockedSecret, 0, len(unlocked))
	for _, s := range unlocked {
		locked = append(locked, LockedSecret{
			Key:        s.Key,
			Credential: s.Credential,
			CreatedAt:  s.CreatedAt,
			CreatedBy:  s.CreatedBy,
		})
	}
	return locked
}

// stopper interface for managers that need cleanup
type Stopper interface {
	Stop()
}

var ErrKeyAlreadyPresent = errors.New("key already present")
var ErrInvalidKeyIdent = errors.New("key is not a valid identifier")
var ErrKeyNotFound = errors.New("key not found")
var ErrReadOnly = errors.New("secret backend is read-only")

var (
	_ = []Manager{
		&SqliteManager{},
		&VaultManager{},
		&EnvManager{},
	}
)

var (
	// bash identifier syntax
	keyIdent = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

func isValidKey(key string) bool {
	if key == "" {
		return false
	}
	return keyIdent.MatchString(key)
}

func ValidateKey(key string) error {
	if !isValidKey(key) {
		return ErrInvalidKeyIdent
	}
	return nil
}
