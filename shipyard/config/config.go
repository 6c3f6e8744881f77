package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Server struct {
	ListenAddr string `env:"LISTEN_ADDR, default=0.0.0.0:6556"`
	DBPath     string `env:"DB_PATH, default=shipyard.db"`
	Dev        bool   `env:"DEV, default=false"`
	QueueSize  int    `env:"QUEUE_SIZE, default=16"`
	// Telemetry is none, stdout or otlp.
	Telemetry string `env:"TELEMETRY, default=none"`
}

type Pipeline struct {
	Workdir string `env:"WORKDIR, default=."`
	RepoURL string `env:"REPO_URL"`
	Ref     string `env:"REF"`
	// File is an optional YAML pipeline definition.
	File string `env:"FILE"`

	BuildCmd       string `env:"BUILD_CMD, default=pip install -r requirements.txt"`
	TestCmd        string `env:"TEST_CMD, default=pytest -q --junitxml=test-results.xml"`
	CodeQualityCmd string `env:"CODE_QUALITY_CMD, default=pylint src --output-format=text > pylint-report.txt"`
	SecurityCmd    string `env:"SECURITY_CMD, default=bandit -r src -f json -o bandit-report.json"`

	CleanupTimeout time.Duration `env:"CLEANUP_TIMEOUT, default=2m"`
}

type Image struct {
	Name         string `env:"NAME, default=ml-service"`
	Registry     string `env:"REGISTRY"`
	Dockerfile   string `env:"DOCKERFILE, default=Dockerfile"`
	PushLatest   bool   `env:"PUSH_LATEST, default=true"`
	PushAttempts int    `env:"PUSH_ATTEMPTS, default=3"`
	DockerHost   string `env:"DOCKER_HOST"`

	// passed to the image build, e.g. PYTHON_VERSION:3.11,EXTRAS:gpu
	BuildArgs map[string]string `env:"BUILD_ARGS"`
}

type Deploy struct {
	Target string `env:"TARGET, default=ml-app"`
	// Runtime is docker or local.
	Runtime string            `env:"RUNTIME, default=docker"`
	Ports   map[string]string `env:"PORTS, default=8501:8501,8001:8001"`

	// service commands for the local runtime
	APICmd string `env:"API_CMD, default=uvicorn api:app --host 0.0.0.0 --port 8001"`
	UICmd  string `env:"UI_CMD, default=streamlit run app.py --server.port 8501"`
}

type Health struct {
	Interval    time.Duration `env:"INTERVAL, default=3s"`
	MaxAttempts int           `env:"MAX_ATTEMPTS, default=20"`
	// Probe is status, tcp or http.
	Probe string   `env:"PROBE, default=status"`
	Addrs []string `env:"ADDRS, default=127.0.0.1:8501,127.0.0.1:8001"`
	URL   string   `env:"URL"`
}

type Secrets struct {
	// Provider is env, sqlite or vault.
	Provider  string `env:"PROVIDER, default=env"`
	EnvPrefix string `env:"ENV_PREFIX, default=SHIPYARD_CRED_"`
	DBPath    string `env:"DB_PATH, default=secrets.db"`
	// Registry and Analysis name the credentials Release and Security
	// unlock. An empty Analysis runs Security without a scope.
	Registry string      `env:"REGISTRY, default=registry"`
	Analysis string      `env:"ANALYSIS"`
	Vault    VaultConfig `env:",prefix=VAULT_"`
}

type VaultConfig struct {
	Addr     string `env:"ADDR"`
	RoleID   string `env:"ROLE_ID"`
	SecretID string `env:"SECRET_ID"`
	Mount    string `env:"MOUNT, default=shipyard"`
}

type Reports struct {
	ArchiveDir string `env:"ARCHIVE_DIR, default=reports"`
	LogDir     string `env:"LOG_DIR, default=logs"`
}

type Alert struct {
	ResendAPIKey    string   `env:"RESEND_API_KEY"`
	From            string   `env:"FROM, default=shipyard@localhost"`
	To              []string `env:"TO"`
	PosthogKey      string   `env:"POSTHOG_KEY"`
	PosthogEndpoint string   `env:"POSTHOG_ENDPOINT, default=https://eu.i.posthog.com"`
}

type BuildNumber struct {
	// Provider is sqlite, redis or memory.
	Provider string `env:"PROVIDER, default=sqlite"`
	RedisURL string `env:"REDIS_URL, default=redis://localhost:6379/0"`
	Name     string `env:"NAME, default=default"`
}

type Config struct {
	Server      Server      `env:",prefix=SHIPYARD_SERVER_"`
	Pipeline    Pipeline    `env:",prefix=SHIPYARD_PIPELINE_"`
	Image       Image       `env:",prefix=SHIPYARD_IMAGE_"`
	Deploy      Deploy      `env:",prefix=SHIPYARD_DEPLOY_"`
	Health      Health      `env:",prefix=SHIPYARD_HEALTH_"`
	Secrets     Secrets     `env:",prefix=SHIPYARD_SECRETS_"`
	Reports     Reports     `env:",prefix=SHIPYARD_REPORTS_"`
	Alert       Alert       `env:",prefix=SHIPYARD_ALERT_"`
	BuildNumber BuildNumber `env:",prefix=SHIPYARD_BUILD_NUMBER_"`
}

func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	err := envconfig.Process(ctx, &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
