// Package logging configures structured logrus loggers with optional file rotation.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"
)

// Options controls logger construction.
type Options struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	Stdout     io.Writer
}

// Logger wraps a configured logrus logger and its rotating file sink.
type Logger struct {
	*logrus.Logger
	rotator *lumberjack.Logger
}

// New builds a logger writing to stdout and, when File is set, a size-rotated log file.
func New(opts Options) (*Logger, error) {
	level := strings.TrimSpace(opts.Level)
	if level == "" {
		level = "info"
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", opts.Level, err)
	}

	base := logrus.New()
	base.SetLevel(parsed)
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "text":
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000"})
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unsupported log format %q", opts.Format)
	}

	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	logger := &Logger{Logger: base, rotator: nil}
	path := strings.TrimSpace(opts.File)
	if path == "" {
		base.SetOutput(stdout)
		return logger, nil
	}

	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 2
	}
	backups := opts.MaxBackups
	if backups <= 0 {
		backups = 3
	}
	logger.rotator = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: backups,
	}
	base.SetOutput(io.MultiWriter(stdout, logger.rotator))
	return logger, nil
}

// Component returns an entry tagged with the component name.
func (l *Logger) Component(name string) *logrus.Entry {
	return l.WithField("component", name)
}

// Close releases the rotating file, if any.
func (l *Logger) Close() error {
	if l == nil || l.rotator == nil {
		return nil
	}
	if err := l.rotator.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	return nil
}

// Discard returns an entry that drops everything, for tests and optional collaborators.
func Discard() *logrus.Entry {
	base := logrus.New()
	base.SetOutput(io.Discard)
	return logrus.NewEntry(base)
}
