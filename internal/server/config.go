package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds runtime configuration loaded from environment variables.
type Config struct {
	Port           string   `env:"PORT" envDefault:"8080"`
	Addr           string   `env:"LISTEN_ADDR"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"sqlite"`
	DBPath        string `env:"DB_PATH" envDefault:"data/cardroom.db"`
	PostgresDSN   string `env:"POSTGRES_DSN"`

	TemplateDir     string `env:"TEMPLATE_DIR" envDefault:"templates"`
	DefaultTemplate string `env:"DEFAULT_TEMPLATE" envDefault:"default"`

	SnapshotInterval   time.Duration `env:"SNAPSHOT_INTERVAL" envDefault:"5m"`
	SnapshotOnStartup  bool          `env:"SNAPSHOT_ON_STARTUP" envDefault:"true"`
	PresenceStaleAfter time.Duration `env:"PRESENCE_STALE_AFTER" envDefault:"30s"`
	PresencePruneEvery time.Duration `env:"PRESENCE_PRUNE_EVERY" envDefault:"10s"`
	DisconnectGrace    time.Duration `env:"DISCONNECT_GRACE" envDefault:"30s"`

	NATSURL     string `env:"NATS_URL"`
	NATSSubject string `env:"NATS_SUBJECT_PREFIX" envDefault:"cardroom.rooms"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// LoadConfig builds a Config from the environment, applying defaults.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.AllowedOrigins = cleanOrigins(cfg.AllowedOrigins)
	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.StorageDriver))

	switch cfg.StorageDriver {
	case "sqlite":
	case "postgres":
		if cfg.PostgresDSN == "" {
			return Config{}, fmt.Errorf("POSTGRES_DSN is required for the postgres driver")
		}
	default:
		return Config{}, fmt.Errorf("unknown STORAGE_DRIVER %q", cfg.StorageDriver)
	}
	if cfg.PresenceStaleAfter <= 0 || cfg.PresencePruneEvery <= 0 {
		return Config{}, fmt.Errorf("presence intervals must be positive")
	}
	return cfg, nil
}

// ListenAddr is Addr when set and ":"+Port otherwise.
func (c Config) ListenAddr() string {
	if c.Addr != "" {
		return c.Addr
	}
	return ":" + c.Port
}

func cleanOrigins(raw []string) []string {
	var origins []string
	for _, origin := range raw {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return origins
}
