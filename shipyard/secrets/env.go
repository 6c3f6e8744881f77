package secrets

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
)

// EnvManager reads credentials from the runner's own environment:
// <prefix><CREDENTIAL>_<KEY>=value. It is read-only.
type EnvManager struct {
	prefix  string
	environ func() []string
}

func NewEnvManager(prefix string) *EnvManager {
	return &EnvManager{prefix: prefix, environ: os.Environ}
}

func (m *EnvManager) credentialPrefix(credential CredentialID) string {
	c := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", "/", "_").Replace(string(credential)))
	return m.prefix + c + "_"
}

func (m *EnvManager) AddSecret(ctx context.Context, secret UnlockedSecret) error {
	return fmt.Errorf("add %s: %w", secret.Key, ErrReadOnly)
}

func (m *EnvManager) RemoveSecret(ctx context.Context, secret Secret[any]) error {
	return fmt.Errorf("remove %s: %w", secret.Key, ErrReadOnly)
}

func (m *EnvManager) GetSecretsLocked(ctx context.Context, credential CredentialID) ([]LockedSecret, error) {
	unlocked, err := m.GetSecretsUnlocked(ctx, credential)
	if err != nil {
		return nil, err
	}
	return lock(unlocked), nil
}

func (m *EnvManager) GetSecretsUnlocked(ctx context.Context, credential CredentialID) ([]UnlockedSecret, error) {
	prefix := m.credentialPrefix(credential)

	var out []UnlockedSecret
	for _, kv := range m.environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, prefix) {
			continue
		}
		key := strings.TrimPrefix(k, prefix)
		if !isValidKey(key) {
			continue
		}
		out = append(out, UnlockedSecret{Key: key, Value: v, Credential: credential, CreatedBy: "env"})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
