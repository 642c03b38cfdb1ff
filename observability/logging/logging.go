package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileOptions mirrors log output into a size-rotated file.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type options struct {
	level  slog.Level
	file   *FileOptions
	output io.Writer
}

// Option tunes Setup.
type Option func(*options)

// WithLevel sets the minimum emitted level.
func WithLevel(level slog.Level) Option {
	return func(o *options) { o.level = level }
}

// WithFile additionally writes every line to a rotating file.
func WithFile(file FileOptions) Option {
	return func(o *options) {
		if strings.TrimSpace(file.Path) != "" {
			o.file = &file
		}
	}
}

// WithOutput replaces stdout as the primary sink.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.output = w }
}

// ParseLevel maps debug/info/warn/error onto slog levels, defaulting to info.
func ParseLevel(raw string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Setup configures the standard library logger to emit structured JSON and returns
// the underlying slog.Logger for richer logging within the service. All log lines
// include the service name and environment when provided.
func Setup(service, env string, opts ...Option) *slog.Logger {
	cfg := options{level: slog.LevelInfo, output: os.Stdout}
	for _, opt := range opts {
		opt(&cfg)
	}
	out := cfg.output
	if cfg.file != nil {
		rotator := &lumberjack.Logger{
			Filename:   cfg.file.Path,
			MaxSize:    cfg.file.MaxSizeMB,
			MaxBackups: cfg.file.MaxBackups,
			MaxAge:     cfg.file.MaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(cfg.output, rotator)
	}
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: cfg.level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}

	base := slog.New(handler).With(withArgs...)
	slog.SetDefault(base)

	// Route the standard library logger through the same handler.
	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}
