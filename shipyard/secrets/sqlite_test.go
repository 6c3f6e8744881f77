package secrets

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createInMemoryDB(t *testing.T) *SqliteManager {
	t.Helper()
	manager, err := NewSQLiteManager(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory manager: %v", err)
	}
	t.Cleanup(func() { manager.Close() })
	return manager
}

func createTestSecret(credential, key, value, createdBy string) UnlockedSecret {
	return UnlockedSecret{
		Key:        key,
		Value:      value,
		Credential: CredentialID(credential),
		CreatedAt:  time.Now(),
		CreatedBy:  createdBy,
	}
}

func TestManagerInterface(t *testing.T) {
	var _ Manager = (*SqliteManager)(nil)
	var _ Lister = (*SqliteManager)(nil)
}

func TestNewSQLiteManager(t *testing.T) {
	tests := []struct {
		name        string
		dbPath      string
		opts        []SqliteManagerOpt
		expectError bool
		expectTable string
	}{
		{
			name:        "default tables",
			dbPath:      ":memory:",
			expectTable: "bindings",
		},
		{
			name:        "prefixed tables",
			dbPath:      ":memory:",
			opts:        []SqliteManagerOpt{WithTablePrefix("shipyard_")},
			expectTable: "shipyard_bindings",
		},
		{
			name:        "invalid database path",
			dbPath:      "/invalid/path/to/database.db",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager, err := NewSQLiteManager(tt.dbPath, tt.opts...)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer manager.Close()

			assert.Equal(t, tt.expectTable, manager.bindings())
			var n int
			require.NoError(t, manager.db.QueryRow(
				"select count(*) from sqlite_master where type = 'table' and name = ?", tt.expectTable).Scan(&n))
			assert.Equal(t, 1, n)
		})
	}
}

func TestSqliteManager_AddSecret(t *testing.T) {
	tests := []struct {
		name        string
		secrets     []UnlockedSecret
		expectError []error
	}{
		{
			name: "add single secret",
			secrets: []UnlockedSecret{
				createTestSecret("registry", "DOCKER_USERNAME", "ci-bot", "admin"),
			},
			expectError: []error{nil},
		},
		{
			name: "add multiple unique secrets",
			secrets: []UnlockedSecret{
				createTestSecret("registry", "DOCKER_USERNAME", "ci-bot", "admin"),
				createTestSecret("registry", "DOCKER_PASSWORD", "hunter2", "admin"),
				createTestSecret("sonar", "DOCKER_USERNAME", "other", "admin"),
			},
			expectError: []error{nil, nil, nil},
		},
		{
			name: "add duplicate secret",
			secrets: []UnlockedSecret{
				createTestSecret("registry", "DOCKER_PASSWORD", "hunter2", "admin"),
				createTestSecret("registry", "DOCKER_PASSWORD", "different", "admin"),
			},
			expectError: []error{nil, ErrKeyAlreadyPresent},
		},
		{
			name: "reject invalid key",
			secrets: []UnlockedSecret{
				createTestSecret("registry", "not-an-ident", "v", "admin"),
			},
			expectError: []error{ErrInvalidKeyIdent},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := createInMemoryDB(t)

			for i, secret := range tt.secrets {
				err := manager.AddSecret(context.Background(), secret)
				if tt.expectError[i] == nil {
					assert.NoError(t, err, "secret %d", i)
				} else {
					assert.ErrorIs(t, err, tt.expectError[i], "secret %d", i)
				}
			}
		})
	}
}

func TestSqliteManager_RemoveSecret(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name         string
		setupSecrets []UnlockedSecret
		removeSecret Secret[any]
		expectError  error
	}{
		{
			name: "remove existing secret",
			setupSecrets: []UnlockedSecret{
				createTestSecret("registry", "DOCKER_PASSWORD", "hunter2", "admin"),
			},
			removeSecret: Secret[any]{Key: "DOCKER_PASSWORD", Credential: "registry"},
		},
		{
			name: "remove non-existent secret",
			setupSecrets: []UnlockedSecret{
				createTestSecret("registry", "DOCKER_PASSWORD", "hunter2", "admin"),
			},
			removeSecret: Secret[any]{Key: "NOPE", Credential: "registry"},
			expectError:  ErrKeyNotFound,
		},
		{
			name: "remove secret from wrong credential",
			setupSecrets: []UnlockedSecret{
				createTestSecret("registry", "DOCKER_PASSWORD", "hunter2", "admin"),
			},
			removeSecret: Secret[any]{Key: "DOCKER_PASSWORD", Credential: "sonar"},
			expectError:  ErrKeyNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := createInMemoryDB(t)

			for _, secret := range tt.setupSecrets {
				require.NoError(t, manager.AddSecret(ctx, secret))
			}

			err := manager.RemoveSecret(ctx, tt.removeSecret)
			if tt.expectError == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.expectError)
			}
		})
	}
}

func TestSqliteManager_GetSecrets(t *testing.T) {
	ctx := context.Background()
	manager := createInMemoryDB(t)

	require.NoError(t, manager.AddSecret(ctx, createTestSecret("registry", "DOCKER_USERNAME", "ci-bot", "admin")))
	require.NoError(t, manager.AddSecret(ctx, createTestSecret("registry", "DOCKER_PASSWORD", "hunter2", "admin")))
	require.NoError(t, manager.AddSecret(ctx, createTestSecret("sonar", "SONAR_TOKEN", "tok", "admin")))

	locked, err := manager.GetSecretsLocked(ctx, "registry")
	require.NoError(t, err)
	require.Len(t, locked, 2)
	assert.Equal(t, "DOCKER_PASSWORD", locked[0].Key)
	assert.Equal(t, "DOCKER_USERNAME", locked[1].Key)
	assert.Equal(t, CredentialID("registry"), locked[0].Credential)

	unlocked, err := manager.GetSecretsUnlocked(ctx, "registry")
	require.NoError(t, err)
	require.Len(t, unlocked, 2)
	assert.Equal(t, "hunter2", unlocked[0].Value)
	assert.Equal(t, "ci-bot", unlocked[1].Value)

	none, err := manager.GetSecretsUnlocked(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSqliteManager_CredentialGroups(t *testing.T) {
	ctx := context.Background()
	manager := createInMemoryDB(t)

	require.NoError(t, manager.AddSecret(ctx, createTestSecret("registry", "DOCKER_USERNAME", "ci-bot", "admin")))
	require.NoError(t, manager.AddSecret(ctx, createTestSecret("registry", "DOCKER_PASSWORD", "hunter2", "admin")))
	require.NoError(t, manager.AddSecret(ctx, createTestSecret("sonar", "SONAR_TOKEN", "tok", "admin")))

	ids, err := manager.Credentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, []CredentialID{"registry", "sonar"}, ids)

	// the credential outlives all but its last binding
	require.NoError(t, manager.RemoveSecret(ctx, Secret[any]{Key: "DOCKER_USERNAME", Credential: "registry"}))
	ids, err = manager.Credentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, []CredentialID{"registry", "sonar"}, ids)

	require.NoError(t, manager.RemoveSecret(ctx, Secret[any]{Key: "DOCKER_PASSWORD", Credential: "registry"}))
	ids, err = manager.Credentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, []CredentialID{"sonar"}, ids)

	// and comes back with a new one
	require.NoError(t, manager.AddSecret(ctx, createTestSecret("registry", "DOCKER_PASSWORD", "rotated", "admin")))
	unlocked, err := manager.GetSecretsUnlocked(ctx, "registry")
	require.NoError(t, err)
	require.Len(t, unlocked, 1)
	assert.Equal(t, "rotated", unlocked[0].Value)
}

func TestSqliteManager_RejectsEmptyCredential(t *testing.T) {
	manager := createInMemoryDB(t)
	err := manager.AddSecret(context.Background(), createTestSecret("", "TOKEN", "v", "admin"))
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}
