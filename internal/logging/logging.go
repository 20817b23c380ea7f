package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Config controls logger initialization.
type Config struct {
	Level    string // trace, debug, info, warn, error
	Format   string // json, console or auto
	FilePath string // optional append-only copy of every record
}

var (
	stderr       io.Writer = os.Stderr
	isTerminalFn           = term.IsTerminal
)

// Init configures the zerolog globals and returns the base logger plus a
// cleanup func that closes the optional log file.
func Init(cfg Config) (zerolog.Logger, func(), error) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	writer := selectWriter(cfg.Format)
	cleanup := func() {}

	if path := strings.TrimSpace(cfg.FilePath); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return zerolog.Nop(), cleanup, fmt.Errorf("logging: create log dir: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), cleanup, fmt.Errorf("logging: open log file: %w", err)
		}
		writer = io.MultiWriter(writer, f)
		cleanup = func() { f.Close() }
	}

	logger := zerolog.New(writer).With().Timestamp().Logger()
	log.Logger = logger
	return logger, cleanup, nil
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func selectWriter(format string) io.Writer {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console":
		return console(stderr)
	case "json":
		return stderr
	default:
		if f, ok := stderr.(*os.File); ok && isTerminalFn(int(f.Fd())) {
			return console(stderr)
		}
		return stderr
	}
}

func console(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
}
