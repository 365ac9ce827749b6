// Package control wires configuration, storage and the sync engine into a
// running process.
package control

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/vietddude/stylelog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/vietddude/forgesync/internal/core/config"
)

// ParseLevel maps a config level name to a slog level.
func ParseLevel(level string, debug bool) slog.Level {
	if debug {
		return slog.LevelDebug
	}
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// InitLogging installs the default logger. With a log file configured the
// output goes to a rotating file instead of the terminal; the returned
// closer releases it.
func InitLogging(cfg config.LoggingConfig, debug bool) io.Closer {
	opts := &tint.Options{
		Level:      ParseLevel(cfg.Level, debug),
		TimeFormat: time.RFC3339,
	}

	if cfg.File == "" {
		stylelog.InitDefault(opts)
		return io.NopCloser(nil)
	}

	file := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}
	opts.NoColor = true
	slog.SetDefault(slog.New(tint.NewHandler(file, opts)))
	return file
}
