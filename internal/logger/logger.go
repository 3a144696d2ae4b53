package logger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	FormatJSON    = "json"
	FormatConsole = "console"

	OutputStdout = "stdout"
	OutputStderr = "stderr"
	OutputFile   = "file"

	logDirMode  = 0o700
	logFileMode = 0o600
)

type Config struct {
	Level  string
	Format string
	Output string
	File   string
}

// New builds a logger from cfg. The returned closer releases the log file
// when Output is "file" and is a no-op otherwise.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if strings.TrimSpace(cfg.Level) != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	var (
		output io.Writer
		closer io.Closer = nopCloser{}
	)
	switch strings.ToLower(cfg.Output) {
	case "", OutputStderr:
		output = os.Stderr
	case OutputStdout:
		output = os.Stdout
	case OutputFile:
		if strings.TrimSpace(cfg.File) == "" {
			return zerolog.Nop(), nopCloser{}, errors.New("log output is file but log.file is empty")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.File), logDirMode); err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFileMode)
		if err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("open log file %q: %w", cfg.File, err)
		}
		output = file
		closer = file
	default:
		return zerolog.Nop(), nopCloser{}, fmt.Errorf("unsupported log output %q", cfg.Output)
	}

	switch strings.ToLower(cfg.Format) {
	case "", FormatConsole:
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	case FormatJSON:
	default:
		_ = closer.Close()
		return zerolog.Nop(), nopCloser{}, fmt.Errorf("unsupported log format %q", cfg.Format)
	}

	return NewWithWriter(output, level), closer, nil
}

// NewWithWriter is New without the output plumbing, for tests and for
// callers that already own a writer.
func NewWithWriter(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Component tags every event with the emitting component.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
