// Package config loads runtime settings from flags and environment.
package config

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "flowline.db"
	defaultLogLevel   = "info"
	defaultHeartbeat  = 30 * time.Second
)

// Config holds application configuration. Values come from defaults, then
// FLOWLINE_* environment variables, then command-line flags, last one wins.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level
	Heartbeat  time.Duration
}

// SetDefaults registers defaults on a viper instance. Call once before
// binding flags so flag lookups never miss.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", defaultListenAddr)
	v.SetDefault("db_path", defaultDBPath)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("push_heartbeat", defaultHeartbeat)
}

// Load resolves the final configuration from a viper instance that has had
// SetDefaults applied and any flags bound. Unset bound flags resolve to
// their zero value in viper, shadowing the registered default, so zero
// values fall back here.
func Load(v *viper.Viper) Config {
	v.SetEnvPrefix("FLOWLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Config{
		ListenAddr: v.GetString("listen_addr"),
		DBPath:     v.GetString("db_path"),
		LogLevel:   ParseLogLevel(v.GetString("log_level")),
		Heartbeat:  v.GetDuration("push_heartbeat"),
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.DBPath == "" {
		cfg.DBPath = defaultDBPath
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	return cfg
}

// ParseLogLevel maps a level name to a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
