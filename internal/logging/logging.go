// Package logging installs the host's slog handler.
package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// levelVar backs the default handler so the level can change at runtime.
var levelVar = new(slog.LevelVar)

// Setup installs a tint handler on stderr as the default logger. Color is
// disabled when stderr is not a terminal.
func Setup(level slog.Level) {
	levelVar.Set(level)

	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      levelVar,
		TimeFormat: time.TimeOnly,
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
	slog.SetDefault(slog.New(handler))
}

// SetLevel changes the active log level without reinstalling the handler.
func SetLevel(level slog.Level) {
	levelVar.Set(level)
}
