package observability

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig selects the logrus backend settings.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	MaxBackups int    `yaml:"maxBackups"`
	Compress   bool   `yaml:"compress"`
}

// LogrusLogger adapts a logrus logger to Logger.
type LogrusLogger struct {
	entry  *logrus.Entry
	closer io.Closer
}

// NewLogrusLogger builds a logger from cfg. LOG_LEVEL overrides cfg.Level.
// Outputs other than stdout/stderr are treated as file paths rotated by lumberjack.
func NewLogrusLogger(cfg LogConfig) (*LogrusLogger, error) {
	base := logrus.New()

	level := strings.ToLower(strings.TrimSpace(cfg.Level))
	if env := strings.TrimSpace(os.Getenv("LOG_LEVEL")); env != "" {
		level = strings.ToLower(env)
	}
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level '%s'", level)
	}
	base.SetLevel(lvl)

	callerPrettyfier := func(f *runtime.Frame) (string, string) {
		return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "json":
		base.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
			CallerPrettyfier: callerPrettyfier,
		})
	case "text":
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: callerPrettyfier,
		})
	default:
		return nil, fmt.Errorf("invalid log format '%s'", cfg.Format)
	}

	var closer io.Closer
	switch output := strings.TrimSpace(cfg.Output); output {
	case "", "stdout":
		base.SetOutput(os.Stdout)
	case "stderr":
		base.SetOutput(os.Stderr)
	default:
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		rotator := &lumberjack.Logger{
			Filename:   output,
			MaxSize:    maxSize,
			MaxAge:     cfg.MaxAgeDays,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		}
		base.SetOutput(rotator)
		closer = rotator
	}

	return &LogrusLogger{entry: logrus.NewEntry(base), closer: closer}, nil
}

// NewLogrusLoggerFrom wraps an existing logrus logger.
func NewLogrusLoggerFrom(base *logrus.Logger) *LogrusLogger {
	return &LogrusLogger{entry: logrus.NewEntry(base), closer: nil}
}

// WithComponent returns a logger tagging entries with component.
func (l *LogrusLogger) WithComponent(component string) *LogrusLogger {
	return &LogrusLogger{entry: l.entry.WithField("component", component), closer: l.closer}
}

// Close releases the rotating file, if any.
func (l *LogrusLogger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func (l *LogrusLogger) with(fields []Field) *logrus.Entry {
	if len(fields) == 0 {
		return l.entry
	}
	data := make(logrus.Fields, len(fields))
	for _, f := range fields {
		data[f.Key] = f.Value
	}
	return l.entry.WithFields(data)
}

func (l *LogrusLogger) Debug(msg string, fields ...Field) { l.with(fields).Debug(msg) }
func (l *LogrusLogger) Info(msg string, fields ...Field)  { l.with(fields).Info(msg) }
func (l *LogrusLogger) Warn(msg string, fields ...Field)  { l.with(fields).Warn(msg) }
func (l *LogrusLogger) Error(msg string, fields ...Field) { l.with(fields).Error(msg) }
