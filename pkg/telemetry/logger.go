package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the executor's zerolog logger plus the log file it may own.
type Logger struct {
	zlog   zerolog.Logger
	closer io.Closer
}

type loggerContextKey struct{}

// timeFieldFormats maps LoggingConfig.TimeFormat to zerolog's timestamp
// encoding. Anything else is RFC 3339.
var timeFieldFormats = map[string]string{
	"unix":      zerolog.TimeFormatUnix,
	"unixms":    zerolog.TimeFormatUnixMs,
	"unixmicro": zerolog.TimeFormatUnixMicro,
}

// NewLogger builds a logger writing to the sinks named in cfg.Output.
// Note that the timestamp encoding is process global in zerolog.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	out, closer, err := buildWriter(cfg)
	if err != nil {
		return nil, err
	}

	zerolog.TimeFieldFormat = time.RFC3339
	if f, ok := timeFieldFormats[cfg.TimeFormat]; ok {
		zerolog.TimeFieldFormat = f
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			// Colors only make sense on a terminal, never in the rotated file.
			NoColor: closer != nil,
		}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	c := zerolog.New(out).Level(level).With().Timestamp()
	if cfg.EnableCaller {
		c = c.Caller()
	}
	zl := c.Logger()
	if cfg.EnableSampling {
		zl = zl.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SamplingInitial),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
		})
	}
	return &Logger{zlog: zl, closer: closer}, nil
}

// buildWriter opens every comma separated sink. The file sink rotates
// through lumberjack and is the only one that needs closing.
func buildWriter(cfg LoggingConfig) (io.Writer, io.Closer, error) {
	var (
		sinks  []io.Writer
		closer io.Closer
	)
	for _, name := range strings.Split(cfg.Output, ",") {
		switch name = strings.TrimSpace(name); name {
		case "", "stderr":
			sinks = append(sinks, os.Stderr)
		case "stdout":
			sinks = append(sinks, os.Stdout)
		case "file":
			if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
				return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
			}
			lj := &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSizeMB,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAgeDays,
				Compress:   cfg.Compress,
			}
			sinks, closer = append(sinks, lj), lj
		default:
			return nil, nil, fmt.Errorf("unsupported log output %q", name)
		}
	}
	if len(sinks) == 1 {
		return sinks[0], closer, nil
	}
	return zerolog.MultiLevelWriter(sinks...), closer, nil
}

// Zerolog returns the underlying logger. Components hold this rather than
// *Logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// Close closes the log file, if there is one.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// NewComponentLogger returns a child tagged component=name.
func (l *Logger) NewComponentLogger(name string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", name).Logger()}
}

// WithField returns a child with one extra field.
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{zlog: l.zlog.With().Interface(key, value).Logger()}
}

// WithAction returns a child tagged with an action's fingerprint and, when
// known, its name.
func (l *Logger) WithAction(name, fingerprint string) *Logger {
	c := l.zlog.With().Str("fingerprint", fingerprint)
	if name != "" {
		c = c.Str("action", name)
	}
	return &Logger{zlog: c.Logger()}
}

// WithContext returns ctx carrying l.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger in ctx. Without one it logs to stderr.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zlog: zerolog.New(os.Stderr).With().Timestamp().Logger()}
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zlog.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }
