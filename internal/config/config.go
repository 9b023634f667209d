package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	TBHost string `env:"TB_HOST"`
	TBPort int    `env:"TB_PORT" envDefault:"8883"`

	DataPath           string `env:"TEG_DATA_PATH" envDefault:"./data"`
	ControllerDataPath string `env:"TEG_CONTROLLER_DATA_PATH"`
	ControllerLogsPath string `env:"TEG_CONTROLLER_LOGS_PATH"`

	// Source/build paths for controller OTA builds.
	ControllerGitPath           string `env:"TEG_CONTROLLER_GIT_PATH"`
	ControllerDockerContextPath string `env:"TEG_CONTROLLER_DOCKERCONTEXT_PATH"`
	ControllerDockerfilePath    string `env:"TEG_CONTROLLER_DOCKERFILE_PATH" envDefault:"./docker/Dockerfile"`

	CACertPath      string `env:"THINGSBOARD_CA_CERT"`
	AccessTokenPath string `env:"THINGSBOARD_ACCESS_TOKEN" envDefault:"./tb_access_token"`

	ProvisionDeviceKey    string `env:"THINGSBOARD_PROVISION_DEVICE_KEY"`
	ProvisionDeviceSecret string `env:"THINGSBOARD_PROVISION_DEVICE_SECRET"`
	DeviceName            string `env:"THINGSBOARD_DEVICE_NAME"`

	DefaultControllerVersion string `env:"TEG_DEFAULT_CONTROLLER_VERSION"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"INFO"`

	// Ops HTTP listener for /metrics and /healthz; empty disables it.
	OpsAddr string `env:"OPS_ADDR"`

	// Controller liveness threshold and restart backoff floor.
	HealthStaleAfter  time.Duration `env:"TEG_HEALTH_STALE_AFTER" envDefault:"6h"`
	RestartBackoffMin time.Duration `env:"TEG_RESTART_BACKOFF_MIN" envDefault:"600s"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile  string
	TBHost   string
	TBPort   int
	LogLevel string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.TBHost != "" {
		cfg.TBHost = overrides.TBHost
	}
	if overrides.TBPort != 0 {
		cfg.TBPort = overrides.TBPort
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}

	if cfg.ControllerDataPath == "" {
		cfg.ControllerDataPath = cfg.DataPath
	}
	if cfg.ControllerLogsPath == "" {
		cfg.ControllerLogsPath = filepath.Join(cfg.DataPath, "logs")
	}
	if cfg.ControllerDockerContextPath == "" && cfg.ControllerGitPath != "" {
		cfg.ControllerDockerContextPath = filepath.Join(filepath.Dir(cfg.ControllerGitPath), "software/controller")
	}

	return cfg, nil
}

// Validate checks the settings that have no sane fallback.
func (c *Config) Validate() error {
	if c.TBHost == "" {
		return fmt.Errorf("TB_HOST (or --tb-host) must be set")
	}
	if c.ControllerGitPath == "" {
		return fmt.Errorf("TEG_CONTROLLER_GIT_PATH must be set")
	}
	return nil
}

// Database file locations under the gateway data directory.

func (c *Config) CommunicationQueueDBPath() string {
	return filepath.Join(c.DataPath, "communication_queue.db")
}

func (c *Config) ArchiveDBPath() string {
	return filepath.Join(c.DataPath, "gateway_archive.db")
}

func (c *Config) LogsBufferDBPath() string {
	return filepath.Join(c.DataPath, "gateway_logs_buffer.db")
}

func (c *Config) LastLaunchedVersionPath() string {
	return filepath.Join(c.DataPath, "last_launched_controller_version.txt")
}
