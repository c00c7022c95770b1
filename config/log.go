package config

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig configures logrus. A non-empty File also writes to a rotated
// log file.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Validate checks the level and format.
func (l LogConfig) Validate() error {
	if _, err := logrus.ParseLevel(l.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLog, err)
	}
	switch l.Format {
	case "", "text", "json":
		return nil
	default:
		return fmt.Errorf("%w: unknown format %q", ErrInvalidLog, l.Format)
	}
}

// Apply configures logger. The returned closer releases the log file and
// is a no-op without one.
func (l LogConfig) Apply(logger *logrus.Logger) (io.Closer, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	level, _ := logrus.ParseLevel(l.Level)
	logger.SetLevel(level)

	if l.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if l.File == "" {
		logger.SetOutput(os.Stderr)
		return io.NopCloser(nil), nil
	}

	file := &lumberjack.Logger{
		Filename:   l.File,
		MaxSize:    l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAge:     l.MaxAgeDays,
		Compress:   l.Compress,
	}
	logger.SetOutput(io.MultiWriter(os.Stderr, file))

	logger.WithFields(logrus.Fields{
		"function": "Apply",
		"file":     l.File,
		"level":    level.String(),
	}).Debug("Logging to file")
	return file, nil
}
