package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// SlogConfig configures the control panel's own log output.
type SlogConfig struct {
	Level    string `mapstructure:"level"`
	Format   Format `mapstructure:"format"`
	Color    bool   `mapstructure:"color"`
	ShowTime bool   `mapstructure:"show_time"`
	// File, when set, sends log output to a rotating file instead of stderr.
	File string `mapstructure:"file"`
	// Rotation settings for File.
	Rotate Config `mapstructure:"rotate"`
}

// DefaultSlogConfig logs info and above as plain text to stderr.
func DefaultSlogConfig() SlogConfig {
	return SlogConfig{Level: "info", Format: FormatText, ShowTime: true}
}

// ParseLevel accepts debug, info, warn/warning and error (case-insensitive).
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// New builds a *slog.Logger from cfg. The returned closer releases the log
// file, if any; it is never nil.
func New(cfg SlogConfig) (*slog.Logger, io.Closer, error) {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter is New with an explicit destination used when cfg.File is empty.
func NewWithWriter(cfg SlogConfig, w io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nopCloser{}, err
	}
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		f := cfg.Rotate.rotating(cfg.File)
		w = f
		closer = f
		// colors make no sense in a file
		cfg.Color = false
	}

	opts := &slog.HandlerOptions{Level: level}
	if !cfg.ShowTime {
		opts.ReplaceAttr = dropTime
	}

	var h slog.Handler
	switch cfg.Format {
	case FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	case FormatText, "":
		if cfg.Color {
			h = NewColorTextHandler(w, opts)
		} else {
			h = slog.NewTextHandler(w, opts)
		}
	default:
		return nil, closer, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return slog.New(h), closer, nil
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
