package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "2006-01-02 15:04:05"

// New builds the root logger for the given runtime environment. Development
// gets a human readable console writer; every other environment emits JSON
// suitable for log ingestion.
func New(env, level string, out ...io.Writer) (*zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("logger: parse level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	zerolog.DurationFieldUnit = time.Millisecond

	var w io.Writer
	switch {
	case len(out) > 0:
		w = io.MultiWriter(out...)
	case isDevelopment(env):
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: consoleTimeFormat}
	default:
		w = os.Stdout
	}

	log := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return &log, nil
}

func isDevelopment(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "development", "dev", "local":
		return true
	}
	return false
}
