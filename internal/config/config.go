// Package config resolves loomd's configuration with precedence
// env > project file > user file > defaults, using caarlos0/env for the
// environment tier (as the teacher does) and koanf for the layered TOML
// file tiers (as encoredev-encore's internal/userconfig does).
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v10"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// LogLevel is one of DEBUG|INFO|WARN|ERROR.
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)

// LogFormat is one of json|text.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// ChannelConfig mirrors channels.Descriptor at the configuration layer.
// MaxAge is a duration string (ns/us/ms/s/m/h/d, see ParseDuration) rather
// than time.Duration so it round-trips through TOML as plain text.
type ChannelConfig struct {
	Name        string `koanf:"name" env:"-"`
	Description string `koanf:"description" env:"-"`
	MaxMessages int64  `koanf:"maxMessages" env:"-"`
	MaxBytes    int64  `koanf:"maxBytes" env:"-"`
	MaxAge      string `koanf:"maxAge" env:"-"`
}

// LoggingConfig configures internal/logging.
type LoggingConfig struct {
	Level  LogLevel  `koanf:"level" env:"LOOM_LOG_LEVEL" envDefault:"INFO"`
	Format LogFormat `koanf:"format" env:"LOOM_LOG_FORMAT" envDefault:"json"`
}

// WorkQueueConfig configures internal/workqueue ack/retry behaviour.
type WorkQueueConfig struct {
	AckTimeoutMs        int `koanf:"ackTimeoutMs" env:"LOOM_WORKQUEUE_ACK_TIMEOUT_MS" envDefault:"300000"`
	MaxDeliveryAttempts int `koanf:"maxDeliveryAttempts" env:"LOOM_WORKQUEUE_MAX_DELIVERY_ATTEMPTS" envDefault:"3"`
	DeadLetterTTLMs     int `koanf:"deadLetterTTLMs" env:"LOOM_WORKQUEUE_DEAD_LETTER_TTL_MS" envDefault:"604800000"`
}

// Config is the fully resolved daemon configuration.
type Config struct {
	NatsURL     string          `koanf:"natsUrl" env:"LOOM_NATS_URL" envDefault:"nats://localhost:4222"`
	Namespace   string          `koanf:"namespace" env:"LOOM_NAMESPACE"`
	ProjectID   string          `koanf:"projectId" env:"LOOM_PROJECT_ID"`
	ProjectPath string          `koanf:"projectPath" env:"LOOM_PROJECT_PATH"`
	Channels    []ChannelConfig `koanf:"channels" env:"-"`
	Logging     LoggingConfig   `koanf:"logging"`
	WorkQueue   WorkQueueConfig `koanf:"workQueue"`

	HTTPAddr string `koanf:"httpAddr" env:"LOOM_HTTP_ADDR" envDefault:"127.0.0.1:8090"`
}

const projectConfigRelPath = ".loom/config.toml"

func userConfigPaths() []string {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "loom", "config.toml"))
	}
	return paths
}

// Load resolves configuration from defaults, then the user config file,
// then the project config file (projectPath/.loom/config.toml; parent
// directories are not searched), then environment variables — each tier
// overriding the last.
func Load(projectPath string) (*Config, error) {
	k := koanf.New(".")
	parser := toml.Parser()

	paths := userConfigPaths()
	if projectPath != "" {
		paths = append(paths, filepath.Join(projectPath, projectConfigRelPath))
	}

	for _, path := range paths {
		if err := k.Load(file.Provider(path), parser); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf", FlatPaths: false}); err != nil {
		return nil, fmt.Errorf("config: unmarshal file tiers: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}

	if cfg.ProjectPath == "" {
		cfg.ProjectPath = projectPath
	}
	if cfg.ProjectID == "" {
		cfg.ProjectID = deriveProjectID(cfg.ProjectPath)
	}
	if cfg.Namespace == "" {
		cfg.Namespace = cfg.ProjectID
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// deriveProjectID derives a 16-hex-character project tag from a project
// path, for callers that don't supply one explicitly.
func deriveProjectID(projectPath string) string {
	sum := sha256.Sum256([]byte(projectPath))
	return hex.EncodeToString(sum[:])[:16]
}

func validate(cfg *Config) error {
	if !strings.HasPrefix(cfg.NatsURL, "nats://") {
		return fmt.Errorf("natsUrl: must begin with nats://")
	}
	switch cfg.Logging.Level {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
	default:
		return fmt.Errorf("logging.level: invalid value %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case LogFormatJSON, LogFormatText:
	default:
		return fmt.Errorf("logging.format: invalid value %q", cfg.Logging.Format)
	}
	return nil
}
