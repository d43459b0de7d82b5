// Package config loads runtime settings from config.yaml, .env and
// MEDLIQ_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	settlement "medliq-cloud/internal/settlement/domain"
)

// EnvPrefix prefixes every environment override, e.g. MEDLIQ_DATABASE_URL.
const EnvPrefix = "MEDLIQ"

// Config holds the configuration for the application.
type Config struct {
	Database struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"database"`
	HTTP struct {
		Addr        string   `mapstructure:"addr"`
		CORSOrigins []string `mapstructure:"cors_origins"`
	} `mapstructure:"http"`
	Auth struct {
		JWTSecret string `mapstructure:"jwt_secret"`
		// Insecure serves the API without authentication. Local use only.
		Insecure bool `mapstructure:"insecure"`
	} `mapstructure:"auth"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Decomposer struct {
		MultiplyAssistants    bool     `mapstructure:"multiply_assistants"`
		DuplicateRole         string   `mapstructure:"duplicate_role"`
		PlaceholderReferences []string `mapstructure:"placeholder_references"`
	} `mapstructure:"decomposer"`
	Events struct {
		Redis struct {
			Addr    string `mapstructure:"addr"`
			Channel string `mapstructure:"channel"`
		} `mapstructure:"redis"`
		Kafka struct {
			Brokers []string `mapstructure:"brokers"`
			Topic   string   `mapstructure:"topic"`
		} `mapstructure:"kafka"`
		// Outbox stores events in PostgreSQL and relays them to Redis and
		// Kafka in the background.
		Outbox struct {
			Enabled     bool          `mapstructure:"enabled"`
			Interval    time.Duration `mapstructure:"interval"`
			MaxAttempts int           `mapstructure:"max_attempts"`
		} `mapstructure:"outbox"`
	} `mapstructure:"events"`
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`
}

// Load reads .env (if present), then config.yaml from path or the default
// search paths, then environment overrides. A missing config file is not an
// error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	// comma-separated env values arrive as a single element
	cfg.Events.Kafka.Brokers = splitList(cfg.Events.Kafka.Brokers)
	cfg.Decomposer.PlaceholderReferences = splitList(cfg.Decomposer.PlaceholderReferences)
	cfg.HTTP.CORSOrigins = splitList(cfg.HTTP.CORSOrigins)
	if cfg.Database.URL == "" {
		cfg.Database.URL = os.Getenv("PG_DSN")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.url", "")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.cors_origins", []string{})
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.insecure", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("decomposer.multiply_assistants", false)
	v.SetDefault("decomposer.duplicate_role", string(settlement.DuplicateRoleFirst))
	v.SetDefault("decomposer.placeholder_references", []string{})
	v.SetDefault("events.redis.addr", "")
	v.SetDefault("events.redis.channel", "medliq_events")
	v.SetDefault("events.kafka.brokers", []string{})
	v.SetDefault("events.kafka.topic", "medliq.events")
	v.SetDefault("events.outbox.enabled", false)
	v.SetDefault("events.outbox.interval", "2s")
	v.SetDefault("events.outbox.max_attempts", 5)
	v.SetDefault("metrics.enabled", true)
}

func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks settings. needDB is set by commands that persist.
func (c *Config) Validate(needDB bool) error {
	if needDB && strings.TrimSpace(c.Database.URL) == "" {
		return errors.New("config: database.url (MEDLIQ_DATABASE_URL or PG_DSN) is required")
	}
	switch settlement.DuplicateRolePolicy(c.Decomposer.DuplicateRole) {
	case "", settlement.DuplicateRoleFirst, settlement.DuplicateRoleSum:
	default:
		return fmt.Errorf("config: unknown decomposer.duplicate_role %q", c.Decomposer.DuplicateRole)
	}
	if len(c.Events.Kafka.Brokers) > 0 && c.Events.Kafka.Topic == "" {
		return errors.New("config: events.kafka.topic is required with brokers")
	}
	if c.Events.Outbox.Enabled && c.Events.Outbox.Interval <= 0 {
		return errors.New("config: events.outbox.interval must be positive")
	}
	return nil
}

// ValidateServe checks the settings only the HTTP server needs. An empty
// JWT secret is refused unless auth.insecure is set.
func (c *Config) ValidateServe() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" && !c.Auth.Insecure {
		return errors.New("config: auth.jwt_secret (MEDLIQ_AUTH_JWT_SECRET) is required to serve; pass --insecure for an open local API")
	}
	return nil
}

// DecomposerPolicy converts the decomposer settings.
func (c *Config) DecomposerPolicy() settlement.DecomposerPolicy {
	policy := settlement.DecomposerPolicy{
		MultiplyAssistants: c.Decomposer.MultiplyAssistants,
		DuplicateRole:      settlement.DuplicateRolePolicy(c.Decomposer.DuplicateRole),
	}
	if len(c.Decomposer.PlaceholderReferences) > 0 {
		policy.PlaceholderReferences = c.Decomposer.PlaceholderReferences
	}
	return policy
}
