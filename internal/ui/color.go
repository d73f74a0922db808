// Package ui provides terminal status-output helpers for cmd/mnemo.
//
// Colors are automatically disabled when stderr is not a TTY, and can be
// forced off via -no-color or the NO_COLOR environment variable.
package ui

import (
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

var (
	Green  = color.New(color.FgGreen)
	Yellow = color.New(color.FgYellow)
	Red    = color.New(color.FgRed)
	Cyan   = color.New(color.FgCyan)
)

// Init configures global color output. noColor forces colors off regardless
// of TTY detection; otherwise colors are enabled only when stderr is a
// terminal.
func Init(noColor bool) {
	color.NoColor = noColor || os.Getenv("NO_COLOR") != "" || !isatty.IsTerminal(os.Stderr.Fd())
}

// Success prints a green "done" line to stderr.
func Success(format string, args ...any) {
	_, _ = Green.Fprintf(os.Stderr, "✓ "+format+"\n", args...)
}

// Warn prints a yellow warning line to stderr.
func Warn(format string, args ...any) {
	_, _ = Yellow.Fprintf(os.Stderr, "⚠ "+format+"\n", args...)
}

// Fail prints a red failure line to stderr.
func Fail(format string, args ...any) {
	_, _ = Red.Fprintf(os.Stderr, "✗ "+format+"\n", args...)
}

// Info prints a cyan informational line to stderr.
func Info(format string, args ...any) {
	_, _ = Cyan.Fprintf(os.Stderr, format+"\n", args...)
}
