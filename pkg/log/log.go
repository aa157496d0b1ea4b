package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
)

var (
	logWriter io.Writer = os.Stderr
	verbose   atomic.Bool
)

// SetLogWriter sets the log output destination
func SetLogWriter(w io.Writer) {
	if w != nil {
		logWriter = w
	}
}

// SetVerbose enables or disables debug logging
func SetVerbose(v bool) {
	verbose.Store(v)
}

// Log prints a message to the log output
func Log(a ...any) {
	_, _ = fmt.Fprintln(logWriter, a...)
}

// Logf prints a formatted message to the log output
func Logf(format string, a ...any) {
	if !strings.HasSuffix(format, "\n") {
		format += "\n"
	}
	_, _ = fmt.Fprintf(logWriter, format, a...)
}

// Debug prints a message to the log output when verbose logging is enabled
func Debug(a ...any) {
	if verbose.Load() {
		Log(a...)
	}
}

// Debugf prints a formatted message to the log output when verbose logging is enabled
func Debugf(format string, a ...any) {
	if verbose.Load() {
		Logf(format, a...)
	}
}
