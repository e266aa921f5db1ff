// Package logging builds the process-wide structured logger, following
// the teacher's dependency-injected log/slog usage throughout
// internal/server and internal/policy: subsystems take a *slog.Logger
// rather than reaching for a global default.
package logging

import (
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// New builds a logger honoring the §6 environment variables: DEBUG (or
// debugFlag) raises the level to slog.LevelDebug. jsonOutput selects a
// JSON handler for machine consumption; otherwise a text handler is used,
// and when NO_COLOR is unset and stderr is a terminal, the level field is
// wrapped in ANSI color codes.
func New(debugFlag bool, jsonOutput bool) *slog.Logger {
	level := slog.LevelInfo
	if debugFlag || envTruthy("DEBUG") {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch {
	case jsonOutput:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case ColorEnabled():
		opts.ReplaceAttr = colorizeLevel
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

// colorizeLevel wraps the level attribute's rendered value in an ANSI
// color code matching its severity, for New's terminal text-handler path.
func colorizeLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	level, _ := a.Value.Any().(slog.Level)
	code := "36" // info: cyan
	switch {
	case level >= slog.LevelError:
		code = "31" // red
	case level >= slog.LevelWarn:
		code = "33" // yellow
	case level < slog.LevelInfo:
		code = "90" // debug: gray
	}
	return slog.String(a.Key, "\x1b["+code+"m"+a.Value.String()+"\x1b[0m")
}

func envTruthy(name string) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	return v != "" && v != "0" && v != "false"
}

// ColorEnabled reports whether NO_COLOR permits ANSI color in diagnostic
// output the CLI prints itself (distinct from the child's own terminal),
// and whether stderr is actually a terminal rather than a redirected file
// or pipe.
func ColorEnabled() bool {
	return os.Getenv("NO_COLOR") == "" && term.IsTerminal(int(os.Stderr.Fd()))
}
