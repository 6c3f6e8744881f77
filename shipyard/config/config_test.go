package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "ml-service", cfg.Image.Name)
	assert.Equal(t, 3, cfg.Image.PushAttempts)
	assert.True(t, cfg.Image.PushLatest)
	assert.Equal(t, "ml-app", cfg.Deploy.Target)
	assert.Equal(t, map[string]string{"8501": "8501", "8001": "8001"}, cfg.Deploy.Ports)
	assert.Equal(t, 3*time.Second, cfg.Health.Interval)
	assert.Equal(t, 20, cfg.Health.MaxAttempts)
	assert.Equal(t, []string{"127.0.0.1:8501", "127.0.0.1:8001"}, cfg.Health.Addrs)
	assert.Equal(t, "env", cfg.Secrets.Provider)
	assert.Equal(t, "shipyard", cfg.Secrets.Vault.Mount)
	assert.Equal(t, "sqlite", cfg.BuildNumber.Provider)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SHIPYARD_IMAGE_NAME", "house-price")
	t.Setenv("SHIPYARD_IMAGE_PUSH_ATTEMPTS", "1")
	t.Setenv("SHIPYARD_IMAGE_BUILD_ARGS", "PYTHON_VERSION:3.11,EXTRAS:gpu")
	t.Setenv("SHIPYARD_DEPLOY_RUNTIME", "local")
	t.Setenv("SHIPYARD_HEALTH_INTERVAL", "500ms")
	t.Setenv("SHIPYARD_HEALTH_PROBE", "tcp")
	t.Setenv("SHIPYARD_SECRETS_VAULT_ADDR", "http://vault:8200")
	t.Setenv("SHIPYARD_ALERT_TO", "a@example.com,b@example.com")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "house-price", cfg.Image.Name)
	assert.Equal(t, 1, cfg.Image.PushAttempts)
	assert.Equal(t, map[string]string{"PYTHON_VERSION": "3.11", "EXTRAS": "gpu"}, cfg.Image.BuildArgs)
	assert.Equal(t, "local", cfg.Deploy.Runtime)
	assert.Equal(t, 500*time.Millisecond, cfg.Health.Interval)
	assert.Equal(t, "tcp", cfg.Health.Probe)
	assert.Equal(t, "http://vault:8200", cfg.Secrets.Vault.Addr)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, cfg.Alert.To)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("SHIPYARD_HEALTH_INTERVAL", "soon")
	_, err := Load(context.Background())
	assert.Error(t, err)
}
