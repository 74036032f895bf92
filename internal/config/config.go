package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	WSAddr          string        `mapstructure:"ws_addr" yaml:"ws_addr"`
	MaxConnections  int           `mapstructure:"max_connections" yaml:"max_connections"`
	MaxFrameBytes   int64         `mapstructure:"max_frame_bytes" yaml:"max_frame_bytes"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type WorkspaceConfig struct {
	Root     string `mapstructure:"root" yaml:"root"`
	FileName string `mapstructure:"file_name" yaml:"file_name"`
}

type InterpreterConfig struct {
	Binary string `mapstructure:"binary" yaml:"binary"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
}

type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Workspace   WorkspaceConfig   `mapstructure:"workspace" yaml:"workspace"`
	Interpreter InterpreterConfig `mapstructure:"interpreter" yaml:"interpreter"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry" yaml:"telemetry"`
}

// Load reads coderelay.yaml from the working directory or $HOME/.coderelay,
// or from path when it is non-empty. Missing files fall back to defaults.
// CODERELAY_* environment variables override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("coderelay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.coderelay")
	}

	v.SetEnvPrefix("CODERELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", "127.0.0.1:8000")
	v.SetDefault("server.ws_addr", "")
	v.SetDefault("server.max_connections", 0)
	v.SetDefault("server.max_frame_bytes", 0)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("workspace.root", "temp")
	v.SetDefault("workspace.file_name", "script.js")
	v.SetDefault("interpreter.binary", "node")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "coderelay")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first setting that cannot be used to start a server.
func (c *Config) Validate() error {
	switch {
	case c.Server.Addr == "":
		return errors.New("config: server.addr is required")
	case c.Server.MaxConnections < 0:
		return errors.New("config: server.max_connections must not be negative")
	case c.Server.MaxFrameBytes < 0 || c.Server.MaxFrameBytes > int64(^uint32(0)):
		return fmt.Errorf("config: server.max_frame_bytes must be between 0 and %d", ^uint32(0))
	case c.Server.ShutdownTimeout < 0:
		return errors.New("config: server.shutdown_timeout must not be negative")
	case c.Workspace.Root == "":
		return errors.New("config: workspace.root is required")
	case c.Workspace.FileName == "":
		return errors.New("config: workspace.file_name is required")
	case strings.ContainsAny(c.Workspace.FileName, `/\`):
		return fmt.Errorf("config: workspace.file_name %q must not contain a path separator", c.Workspace.FileName)
	case c.Interpreter.Binary == "":
		return errors.New("config: interpreter.binary is required")
	}
	if _, err := c.level(); err != nil {
		return err
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		return fmt.Errorf("config: log.format %q must be text or json", c.Log.Format)
	}
	return nil
}

// Logger builds the process-wide logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := c.level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (c *Config) level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("config: log.level %q: %w", c.Log.Level, err)
	}
	return l, nil
}
