package appconfig

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ParseLevel maps a config level name to a slog level. Unknown names are info.
func ParseLevel(name string) slog.Level {
	switch name {
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

// NewLogger builds a logger from cfg. Output goes to a rotating file when
// cfg.File is set, otherwise to w. A relative file name is placed in the
// config directory. verbose forces debug level. The returned closer releases
// the log file and is never nil.
func NewLogger(cfg LogConfig, verbose bool, w io.Writer) (*slog.Logger, io.Closer) {
	level := ParseLevel(cfg.Level)
	if verbose {
		level = slog.LevelDebug
	}

	var closer io.Closer = nopCloser{}
	out := w
	if out == nil {
		out = os.Stderr
	}
	if cfg.File != "" {
		name := cfg.File
		if !filepath.IsAbs(name) {
			if dir, err := ConfigDir(); err == nil {
				name = filepath.Join(dir, name)
			}
		}
		lj := &lumberjack.Logger{
			Filename:   name,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		out, closer = lj, lj
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	return slog.New(h), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
