package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvManager_GetSecretsUnlocked(t *testing.T) {
	m := &EnvManager{
		prefix: "SHIPYARD_CRED_",
		environ: func() []string {
			return []string{
				"SHIPYARD_CRED_REGISTRY_DOCKER_USERNAME=ci-bot",
				"SHIPYARD_CRED_REGISTRY_DOCKER_PASSWORD=hunter2",
				"SHIPYARD_CRED_SONAR_SONAR_TOKEN=tok",
				"SHIPYARD_CRED_REGISTRY_=empty-key",
				"PATH=/usr/bin",
			}
		},
	}

	got, err := m.GetSecretsUnlocked(context.Background(), "registry")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "DOCKER_PASSWORD", got[0].Key)
	assert.Equal(t, "hunter2", got[0].Value)
	assert.Equal(t, "DOCKER_USERNAME", got[1].Key)

	locked, err := m.GetSecretsLocked(context.Background(), "sonar")
	require.NoError(t, err)
	require.Len(t, locked, 1)
	assert.Equal(t, "SONAR_TOKEN", locked[0].Key)
}

func TestEnvManager_ReadOnly(t *testing.T) {
	m := NewEnvManager("X_")
	assert.ErrorIs(t, m.AddSecret(context.Background(), UnlockedSecret{Key: "A"}), ErrReadOnly)
	assert.ErrorIs(t, m.RemoveSecret(context.Background(), Secret[any]{Key: "A"}), ErrReadOnly)
}

func TestEnvManager_ReadsProcessEnvironment(t *testing.T) {
	t.Setenv("SHIPYARD_CRED_ANALYSIS_SONAR_TOKEN", "abc")
	m := NewEnvManager("SHIPYARD_CRED_")

	got, err := m.GetSecretsUnlocked(context.Background(), "analysis")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "abc", got[0].Value)
}
