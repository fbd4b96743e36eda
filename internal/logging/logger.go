package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options controls the process-wide logger.
type Options struct {
	Level  string // debug, info, warn, error, none
	Pretty bool   // human-readable console output instead of JSON lines
	File   string // optional session log file, written alongside the main output
}

var (
	sessionFile *os.File
	setupMutex  sync.Mutex
)

// secretPattern matches "password": "...", "token": "...", "secret": "..." in JSON-ish text.
var secretPattern = regexp.MustCompile(`(?i)("?(?:password|token|secret)"?\s*:\s*")[^"]*(")`)

// MaskSecrets replaces the values of password, token and secret fields with asterisks.
func MaskSecrets(s string) string {
	return secretPattern.ReplaceAllString(s, "${1}********${2}")
}

// MaskingWriter masks secret values in every write before passing it on.
type MaskingWriter struct {
	Out io.Writer
}

func (w MaskingWriter) Write(p []byte) (int, error) {
	masked := MaskSecrets(string(p))
	if _, err := io.WriteString(w.Out, masked); err != nil {
		return 0, err
	}
	// report the original length so zerolog does not treat masking as a short write
	return len(p), nil
}

// ParseLevel maps a configured level name onto a zerolog level.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "none", "off", "disabled":
		return zerolog.Disabled, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("invalid log level %q", level)
	}
}

// Setup configures the global zerolog logger. A nil writer means stderr.
func Setup(opts Options, w io.Writer) error {
	setupMutex.Lock()
	defer setupMutex.Unlock()

	level, err := ParseLevel(opts.Level)
	if err != nil {
		return err
	}

	if w == nil {
		w = os.Stderr
	}
	if opts.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}

	if sessionFile != nil {
		sessionFile.Close()
		sessionFile = nil
	}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		sessionFile = f
		w = zerolog.MultiLevelWriter(w, f)
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = zerolog.New(MaskingWriter{Out: w}).Level(level).With().Timestamp().Logger()
	return nil
}

// Close releases the session log file, if any.
func Close() {
	setupMutex.Lock()
	defer setupMutex.Unlock()
	if sessionFile != nil {
		sessionFile.Close()
		sessionFile = nil
	}
}

// For returns a child of the global logger tagged with the module name.
func For(module string) zerolog.Logger {
	return log.Logger.With().Str("module", module).Logger()
}
