// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel   = "TETHER_LOG_LEVEL"
	EnvLogNoColor = "TETHER_LOG_NOCOLOR"
	EnvLogJSON    = "TETHER_LOG_JSON"
)

// Profile selects logging defaults before env overrides apply.
type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

var (
	configureOnce sync.Once
	root          = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// ConfigureRuntime configures logging for the daemon.
func ConfigureRuntime() { Configure(ProfileRuntime, os.Stderr) }

// ConfigureTests configures verbose, timestamp-free logging for tests.
func ConfigureTests() { Configure(ProfileTest, os.Stderr) }

// Configure sets up the global logger once. Later calls are no-ops.
func Configure(profile Profile, out io.Writer) {
	configureOnce.Do(func() {
		level := zerolog.InfoLevel
		if profile == ProfileTest {
			level = zerolog.DebugLevel
		}
		if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
			level = lvl
		}

		var w io.Writer = out
		if !isTruthy(os.Getenv(EnvLogJSON)) {
			w = zerolog.ConsoleWriter{
				Out:        out,
				TimeFormat: time.Kitchen,
				NoColor:    isTruthy(os.Getenv(EnvLogNoColor)),
			}
		}
		root = zerolog.New(w).Level(level).With().Timestamp().Logger()
	})
}

// Component returns a child logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return root.With().Str("component", name).Logger()
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func isTruthy(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
