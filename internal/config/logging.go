package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LevelTrace sits below debug and carries raw MQTT payload detail.
const LevelTrace = slog.Level(-8)

var logLevels = map[string]slog.Level{
	"":        slog.LevelInfo,
	"info":    slog.LevelInfo,
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLogLevel maps a log_level value to a slog level. Matching is
// case-insensitive and "" means info.
func ParseLogLevel(s string) (slog.Level, error) {
	if lvl, ok := logLevels[strings.ToLower(strings.TrimSpace(s))]; ok {
		return lvl, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
}

// ReplaceLogLevelNames is a [slog.HandlerOptions.ReplaceAttr] hook that
// prints levels below debug as TRACE rather than DEBUG-4.
func ReplaceLogLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl < slog.LevelDebug {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}

// LogRotateConfig bounds the optional log_file sink.
type LogRotateConfig struct {
	MaxSizeMB  int   `yaml:"max_size_mb"`
	MaxBackups int   `yaml:"max_backups"`
	MaxAgeDays int   `yaml:"max_age_days"`
	Compress   *bool `yaml:"compress"` // nil means true
}

func (r *LogRotateConfig) applyDefaults() {
	if r.MaxSizeMB <= 0 {
		r.MaxSizeMB = 50
	}
	if r.MaxBackups <= 0 {
		r.MaxBackups = 5
	}
	if r.MaxAgeDays <= 0 {
		r.MaxAgeDays = 28
	}
}

// LogFilePath resolves log_file against data_dir. It is "" when no
// file sink is configured.
func (c *Config) LogFilePath() string {
	if c.LogFile == "" || filepath.IsAbs(c.LogFile) || c.DataDir == "" {
		return c.LogFile
	}
	return filepath.Join(c.DataDir, c.LogFile)
}

// OpenLogFile opens the rotated log_file sink. The caller closes it.
func (c *Config) OpenLogFile() (io.WriteCloser, error) {
	path := c.LogFilePath()
	if path == "" {
		return nil, fmt.Errorf("log_file is not set")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	rot := c.LogRotate
	rot.applyDefaults()
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rot.MaxSizeMB,
		MaxBackups: rot.MaxBackups,
		MaxAge:     rot.MaxAgeDays,
		Compress:   rot.Compress == nil || *rot.Compress,
	}, nil
}
