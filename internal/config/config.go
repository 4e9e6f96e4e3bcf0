// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		DataPort       int      `mapstructure:"data_port"`
		UIPort         int      `mapstructure:"ui_port"`
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	} `mapstructure:"server"`
	Auth struct {
		JWTSecret     string `mapstructure:"jwt_secret"`
		JWTExpiration int    `mapstructure:"jwt_expiration"` // in minutes
	} `mapstructure:"auth"`
	Database struct {
		Driver      string `mapstructure:"driver"` // memory, sqlite or postgres
		DSN         string `mapstructure:"dsn"`
		AutoMigrate bool   `mapstructure:"auto_migrate"`
	} `mapstructure:"database"`
	MQTT struct {
		Enabled   bool   `mapstructure:"enabled"`
		BrokerURL string `mapstructure:"broker_url"`
		Topic     string `mapstructure:"topic"`
		ClientID  string `mapstructure:"client_id"`
	} `mapstructure:"mqtt"`
	WebSocket struct {
		HistorySize int `mapstructure:"history_size"`
		SendBuffer  int `mapstructure:"send_buffer"`
	} `mapstructure:"websocket"`
	Anomaly struct {
		Rules map[string]Rule `mapstructure:"rules"` // keyed by sensor type id
	} `mapstructure:"anomaly"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

type Rule struct {
	Min      float64 `mapstructure:"min"`
	Max      float64 `mapstructure:"max"`
	Severity string  `mapstructure:"severity"`
}

func (r Rule) SeverityOrDefault() string {
	if r.Severity == "" {
		return "WARN"
	}
	return r.Severity
}

// LoadConfig reads config.yaml from path, if present, over the defaults.
// Environment variables prefixed HUB_ override both, e.g. HUB_AUTH_JWT_SECRET.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.SetEnvPrefix("hub")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.data_port", 8080)
	v.SetDefault("server.ui_port", 8081)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_expiration", 60*24)
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker_url", "mqtt://localhost:1883")
	v.SetDefault("mqtt.topic", "devices/+/readings")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("websocket.history_size", 50)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("log.level", "info")
}

// Validate rejects configurations the hub cannot start with.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	switch c.Database.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver)
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	if _, err := c.AnomalyRules(); err != nil {
		return err
	}
	return nil
}

// AnomalyRules returns the threshold rules keyed by numeric sensor id.
func (c *Config) AnomalyRules() (map[int64]Rule, error) {
	rules := make(map[int64]Rule, len(c.Anomaly.Rules))
	for key, rule := range c.Anomaly.Rules {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("anomaly rule %q: sensor id must be numeric", key)
		}
		if rule.Min > rule.Max {
			return nil, fmt.Errorf("anomaly rule %q: min is above max", key)
		}
		rules[id] = rule
	}
	return rules, nil
}
