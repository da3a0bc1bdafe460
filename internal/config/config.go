// Package config loads the YAML configuration shared by the collabtext
// binaries. Every key can be overridden from the environment with the
// COLLABTEXT prefix, e.g. COLLABTEXT_SERVER_ADDR=:9000.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root configuration.
type Config struct {
	Log    LogConfig    `mapstructure:"log"`
	Server ServerConfig `mapstructure:"server"`
	Agent  AgentConfig  `mapstructure:"agent"`
	Client ClientConfig `mapstructure:"client"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `mapstructure:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ServerConfig configures the relay server.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// RedisAddr enables cross-instance fan-out. Also read from REDIS_ADDR.
	RedisAddr string `mapstructure:"redis_addr"`
	// DatabaseURL selects Postgres persistence. Also read from DATABASE_URL.
	DatabaseURL string `mapstructure:"database_url"`
	// BoltPath selects bbolt persistence when no database is configured.
	BoltPath          string  `mapstructure:"bolt_path"`
	MessagesPerSecond float64 `mapstructure:"messages_per_second"`
	Burst             int     `mapstructure:"burst"`
	CompactAfter      int     `mapstructure:"compact_after"`
}

// AgentConfig configures the signaling agent.
type AgentConfig struct {
	Addr string `mapstructure:"addr"`
	// Advertise registers the agent over mDNS.
	Advertise   bool   `mapstructure:"advertise"`
	ServiceName string `mapstructure:"service_name"`
}

// ClientConfig configures the terminal client. Room and Host select the
// relay; Document selects the mesh.
type ClientConfig struct {
	Room        string   `mapstructure:"room"`
	Host        string   `mapstructure:"host"`
	Document    string   `mapstructure:"document"`
	Signaling   []string `mapstructure:"signaling"`
	ListenAddr  string   `mapstructure:"listen_addr"`
	PersistPath string   `mapstructure:"persist_path"`
	Name        string   `mapstructure:"name"`
	Color       string   `mapstructure:"color"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				Filename:   "logs/collabtext.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Server: ServerConfig{
			Addr:         ":8081",
			Burst:        50,
			CompactAfter: 500,
		},
		Agent: AgentConfig{
			Addr:        ":8080",
			Advertise:   true,
			ServiceName: "_collabtext._tcp",
		},
		Client: ClientConfig{
			ListenAddr: "127.0.0.1:0",
		},
	}
}

// Load reads configuration from path, or from collabtext.yaml in the usual
// places when path is empty. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("COLLABTEXT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.bolt_path", cfg.Server.BoltPath)
	v.SetDefault("server.messages_per_second", cfg.Server.MessagesPerSecond)
	v.SetDefault("server.burst", cfg.Server.Burst)
	v.SetDefault("server.compact_after", cfg.Server.CompactAfter)
	v.SetDefault("agent.addr", cfg.Agent.Addr)
	v.SetDefault("agent.advertise", cfg.Agent.Advertise)
	v.SetDefault("agent.service_name", cfg.Agent.ServiceName)
	v.SetDefault("client.room", "")
	v.SetDefault("client.host", "")
	v.SetDefault("client.document", "")
	v.SetDefault("client.signaling", []string{})
	v.SetDefault("client.listen_addr", cfg.Client.ListenAddr)
	v.SetDefault("client.persist_path", "")
	v.SetDefault("client.name", "")
	v.SetDefault("client.color", "")

	// the server's historical variables still apply
	_ = v.BindEnv("server.redis_addr", "COLLABTEXT_SERVER_REDIS_ADDR", "REDIS_ADDR")
	_ = v.BindEnv("server.database_url", "COLLABTEXT_SERVER_DATABASE_URL", "DATABASE_URL")

	if path == "" {
		path = os.Getenv("COLLABTEXT_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("collabtext")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".collabtext"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "":
		c.Log.Format = "console"
	case "console", "json":
	default:
		return fmt.Errorf("invalid log.format: %q", c.Log.Format)
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}
	if c.Server.MessagesPerSecond < 0 {
		return fmt.Errorf("invalid server.messages_per_second: %v", c.Server.MessagesPerSecond)
	}
	if c.Client.Room != "" && c.Client.Host == "" {
		return errors.New("client.room requires client.host")
	}
	return nil
}
