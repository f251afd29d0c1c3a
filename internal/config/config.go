// Package config loads the service configuration: defaults, then an
// optional TOML file, then CHATCORE_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config represents the application configuration.
type Config struct {
	Server struct {
		Addr string `koanf:"addr"`
	} `koanf:"server"`

	Mongo struct {
		URI      string `koanf:"uri"`
		Database string `koanf:"database"`
	} `koanf:"mongo"`

	Auth struct {
		JWTSecret string        `koanf:"jwt_secret"`
		TokenTTL  time.Duration `koanf:"token_ttl"`
	} `koanf:"auth"`

	Presence struct {
		Grace time.Duration `koanf:"grace"`
	} `koanf:"presence"`

	Typing struct {
		TTL time.Duration `koanf:"ttl"`
	} `koanf:"typing"`

	Delivery struct {
		SendBuffer   int           `koanf:"send_buffer"`
		WriteTimeout time.Duration `koanf:"write_timeout"`
	} `koanf:"delivery"`

	RateLimit struct {
		RPM   int `koanf:"rpm"`
		Burst int `koanf:"burst"`
	} `koanf:"rate_limit"`

	Media struct {
		Dir     string `koanf:"dir"`
		MaxSize int64  `koanf:"max_size"`
	} `koanf:"media"`

	Friends struct {
		AutoAcceptMutual bool `koanf:"auto_accept_mutual"`
	} `koanf:"friends"`
}

// Load reads the configuration. configPath may be empty, in which case
// the default locations are probed.
func Load(configPath string) (*Config, error) {
	var k = koanf.New(".")

	// Set up default configuration
	k.Load(confmap.Provider(map[string]interface{}{
		"server.addr":                "localhost:8080",
		"mongo.database":             "chat_db",
		"auth.token_ttl":             "24h",
		"presence.grace":             "3s",
		"typing.ttl":                 "3s",
		"delivery.send_buffer":       256,
		"delivery.write_timeout":     "10s",
		"rate_limit.rpm":             120,
		"rate_limit.burst":           10,
		"media.dir":                  "./media",
		"media.max_size":             10 << 20,
		"friends.auto_accept_mutual": true,
	}, "."), nil)

	// Load from TOML file if it exists
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		defaultPaths := []string{"./chatcore.toml", "$HOME/.chatcore.toml"}
		for _, path := range defaultPaths {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	// Load from environment variables with prefix CHATCORE_. Double
	// underscore separates sections so keys like rate_limit.rpm stay
	// addressable: CHATCORE_RATE_LIMIT__RPM, CHATCORE_MONGO__URI.
	k.Load(env.Provider("CHATCORE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "CHATCORE_")), "__", ".", -1)
	}), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	return &cfg, nil
}

// Validate checks that required settings are present.
func Validate(cfg *Config) error {
	if cfg.Mongo.URI == "" {
		return fmt.Errorf("mongo.uri is required (CHATCORE_MONGO__URI)")
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (CHATCORE_AUTH__JWT_SECRET)")
	}
	return nil
}
