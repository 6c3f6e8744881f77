package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	vault "github.com/hashicorp/vault/api"
)

// VaultManager keeps each credential as one KV v2 secret at
// credentials/<credential>, its bindings as fields of that secret. A
// scope unlocks the group with a single read, and writes use
// check-and-set so concurrent edits to one credential cannot drop a
// binding.
type VaultManager struct {
	client    *vault.Client
	kv        kvStore
	mountPath string
	roleID    string
	secretID  string
	stopCh    chan struct{}
	stopOnce  sync.Once
	tokenMu   sync.RWMutex
	logger    *slog.Logger
}

type VaultManagerOpt func(*VaultManager)

func WithMountPath(mountPath string) VaultManagerOpt {
	return func(v *VaultManager) {
		v.mountPath = mountPath
	}
}

func NewVaultManager(address, roleID, secretID string, logger *slog.Logger, opts ...VaultManagerOpt) (*VaultManager, error) {
	if address == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}
	if roleID == "" {
		return nil, fmt.Errorf("role_id cannot be empty")
	}
	if secretID == "" {
		return nil, fmt.Errorf("secret_id cannot be empty")
	}

	config := vault.DefaultConfig()
	config.Address = address

	client, err := vault.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	err = authenticateAppRole(client, roleID, secretID)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate with AppRole: %w", err)
	}

	manager := &VaultManager{
		client:    client,
		mountPath: "shipyard",
		roleID:    roleID,
		secretID:  secretID,
		stopCh:    make(chan struct{}),
		logger:    logger,
	}

	for _, opt := range opts {
		opt(manager)
	}
	manager.kv = kvV2{client.KVv2(manager.mountPath), client, manager.mountPath}

	go manager.tokenRenewalLoop()

	return manager, nil
}

func authenticateAppRole(client *vault.Client, roleID, secretID string) error {
	authData := map[string]interface{}{
		"role_id":   roleID,
		"secret_id": secretID,
	}

	resp, err := client.Logical().Write("auth/approle/login", authData)
	if err != nil {
		return fmt.Errorf("failed to login with AppRole: %w", err)
	}

	if resp == nil || resp.Auth == nil {
		return fmt.Errorf("no auth info returned from AppRole login")
	}

	client.SetToken(resp.Auth.ClientToken)
	return nil
}

func (v *VaultManager) Stop() {
	v.stopOnce.Do(func() { close(v.stopCh) })
}

func (v *VaultManager) tokenRenewalLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-v.stopCh:
			return
		case <-ticker.C:
			if err := v.ensureValidToken(); err != nil {
				v.logger.Error("vault token renewal failed", "error", err)
			}
		}
	}
}

// ensureValidToken renews the token when its ttl drops under five
// minutes and logs in again when it is gone.
func (v *VaultManager) ensureValidToken() error {
	v.tokenMu.Lock()
	defer v.tokenMu.Unlock()

	tokenInfo, err := v.client.Auth().Token().LookupSelf()
	if err != nil {
		v.logger.Warn("token lookup failed, re-authenticating", "error", err)
		return v.reAuthenticate()
	}
	if tokenInfo == nil || tokenInfo.Data == nil {
		return v.reAuthenticate()
	}

	ttl, err := tokenInfo.TokenTTL()
	if err != nil {
		return v.reAuthenticate()
	}

	if ttl < 5*time.Minute {
		v.logger.Info("token ttl low, attempting renewal", "ttl", ttl)

		renewResp, err := v.client.Auth().Token().RenewSelf(3600)
		if err != nil || renewResp == nil || renewResp.Auth == nil {
			v.logger.Warn("token renewal failed, re-authenticating", "error", err)
			return v.reAuthenticate()
		}

		v.logger.Info("token renewed", "new_ttl_seconds", renewResp.Auth.LeaseDuration)
	}

	return nil
}

func (v *VaultManager) reAuthenticate() error {
	if err := authenticateAppRole(v.client, v.roleID, v.secretID); err != nil {
		return fmt.Errorf("re-authentication failed: %w", err)
	}
	v.logger.Info("re-authenticated with approle")
	return nil
}

const credentialsDir = "credentials"

// kvStore is the slice of a versioned KV engine the manager needs.
// version is 0 for a path that does not exist.
type kvStore interface {
	Get(ctx context.Context, path string) (data map[string]any, version int, err error)
	Put(ctx context.Context, path string, data map[string]any, cas int) error
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, dir string) ([]string, error)
}

type kvV2 struct {
	kv     *vault.KVv2
	client *vault.Client
	mount  string
}

func (k kvV2) Get(ctx context.Context, path string) (map[string]any, int, error) {
	s, err := k.kv.Get(ctx, path)
	if errors.Is(err, vault.ErrSecretNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	version := 0
	if s.VersionMetadata != nil {
		version = s.VersionMetadata.Version
	}
	return s.Data, version, nil
}

func (k kvV2) Put(ctx context.Context, path string, data map[string]any, cas int) error {
	_, err := k.kv.Put(ctx, path, data, vault.WithCheckAndSet(cas))
	return err
}

func (k kvV2) Delete(ctx context.Context, path string) error {
	return k.kv.DeleteMetadata(ctx, path)
}

func (k kvV2) List(ctx context.Context, dir string) ([]string, error) {
	resp, err := k.client.Logical().ListWithContext(ctx, fmt.Sprintf("%s/metadata/%s", k.mount, dir))
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.Data == nil {
		return nil, nil
	}
	raw, _ := resp.Data["keys"].([]any)
	var names []string
	for _, r := range raw {
		if name, ok := r.(string); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// binding is how one key of a credential is stored in the secret.
type binding struct {
	Value     string
	CreatedAt time.Time
	CreatedBy string
}

func (b binding) fields() map[string]any {
	return map[string]any{
		"value":      b.Value,
		"created_at": b.CreatedAt.UTC().Format(time.RFC3339),
		"created_by": b.CreatedBy,
	}
}

func decodeBindings(data map[string]any) map[string]binding {
	out := make(map[string]binding, len(data))
	for key, raw := range data {
		f, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		value, ok := f["value"].(string)
		if !ok {
			continue
		}
		b := binding{Value: value}
		b.CreatedBy, _ = f["created_by"].(string)
		if s, ok := f["created_at"].(string); ok {
			b.CreatedAt, _ = time.Parse(time.RFC3339, s)
		}
		out[key] = b
	}
	return out
}

func encodeBindings(bs map[string]binding) map[string]any {
	data := make(map[string]any, len(bs))
	for key, b := range bs {
		data[key] = b.fields()
	}
	return data
}

func (v *VaultManager) AddSecret(ctx context.Context, secret UnlockedSecret) error {
	v.tokenMu.RLock()
	defer v.tokenMu.RUnlock()
	if err := ValidateKey(secret.Key); err != nil {
		return err
	}
	if secret.Credential == "" {
		return ErrCredentialNotFound
	}

	p := v.credentialPath(secret.Credential)
	data, version, err := v.kv.Get(ctx, p)
	if err != nil {
		return fmt.Errorf("failed to read credential from vault: %w", err)
	}
	bs := decodeBindings(data)
	if _, ok := bs[secret.Key]; ok {
		return ErrKeyAlreadyPresent
	}
	bs[secret.Key] = binding{Value: secret.Value, CreatedAt: secret.CreatedAt, CreatedBy: secret.CreatedBy}

	if err := v.kv.Put(ctx, p, encodeBindings(bs), version); err != nil {
		return fmt.Errorf("failed to store secret in vault: %w", err)
	}
	return nil
}

// RemoveSecret drops one binding; the credential goes with its last one.
func (v *VaultManager) RemoveSecret(ctx context.Context, secret Secret[any]) error {
	v.tokenMu.RLock()
	defer v.tokenMu.RUnlock()

	p := v.credentialPath(secret.Credential)
	data, version, err := v.kv.Get(ctx, p)
	if err != nil {
		return fmt.Errorf("failed to read credential from vault: %w", err)
	}
	bs := decodeBindings(data)
	if _, ok := bs[secret.Key]; !ok {
		return ErrKeyNotFound
	}
	delete(bs, secret.Key)

	if len(bs) == 0 {
		err = v.kv.Delete(ctx, p)
	} else {
		err = v.kv.Put(ctx, p, encodeBindings(bs), version)
	}
	if err != nil {
		return fmt.Errorf("failed to delete secret from vault: %w", err)
	}
	return nil
}

// Credentials lists ids as stored, with separators flattened.
func (v *VaultManager) Credentials(ctx context.Context) ([]CredentialID, error) {
	v.tokenMu.RLock()
	defer v.tokenMu.RUnlock()

	names, err := v.kv.List(ctx, credentialsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	ids := make([]CredentialID, 0, len(names))
	for _, n := range names {
		if strings.HasSuffix(n, "/") {
			continue
		}
		ids = append(ids, CredentialID(n))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (v *VaultManager) GetSecretsLocked(ctx context.Context, credential CredentialID) ([]LockedSecret, error) {
	unlocked, err := v.GetSecretsUnlocked(ctx, credential)
	if err != nil {
		return nil, err
	}
	return lock(unlocked), nil
}

func (v *VaultManager) GetSecretsUnlocked(ctx context.Context, credential CredentialID) ([]UnlockedSecret, error) {
	v.tokenMu.RLock()
	defer v.tokenMu.RUnlock()

	data, _, err := v.kv.Get(ctx, v.credentialPath(credential))
	if err != nil {
		return nil, fmt.Errorf("failed to read credential from vault: %w", err)
	}

	bs := decodeBindings(data)
	secrets := make([]UnlockedSecret, 0, len(bs))
	for key, b := range bs {
		secrets = append(secrets, UnlockedSecret{
			Key:        key,
			Value:      b.Value,
			Credential: credential,
			CreatedAt:  b.CreatedAt,
			CreatedBy:  b.CreatedBy,
		})
	}
	sort.Slice(secrets, func(i, j int) bool { return secrets[i].Key < secrets[j].Key })
	return secrets, nil
}

// credentialPath flattens the id into a single path segment, so
// "ghcr.io/team" cannot nest under another credential.
func (v *VaultManager) credentialPath(credential CredentialID) string {
	name := strings.NewReplacer("/", "_", ":", "_", ".", "_").Replace(string(credential))
	return credentialsDir + "/" + name
}
