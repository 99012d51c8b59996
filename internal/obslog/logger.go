// Package obslog is the engine's ambient logger: a small global,
// stderr-only logger with a debug toggle, matching the teacher's own
// internal/logging package rather than reaching for a heavier
// structured-logging library the examples never import.
package obslog

import (
	"fmt"
	"log"
	"os"
	"sync"
)

var (
	mu      sync.Mutex
	debug   bool
	logger  = log.New(os.Stderr, "", log.LstdFlags)
)

// Initialize sets the debug toggle. Safe to call more than once;
// later calls simply replace the prior setting, matching
// station/internal/logging.Initialize.
func Initialize(debugMode bool) {
	mu.Lock()
	defer mu.Unlock()
	debug = debugMode
}

// IsDebugEnabled reports the current debug toggle.
func IsDebugEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return debug
}

// Info logs unconditionally.
func Info(format string, args ...any) {
	logger.Output(2, "[INFO] "+fmt.Sprintf(format, args...))
}

// Debug logs only when Initialize(true) has been called.
func Debug(format string, args ...any) {
	if !IsDebugEnabled() {
		return
	}
	logger.Output(2, "[DEBUG] "+fmt.Sprintf(format, args...))
}

// Error logs unconditionally, prefixed distinctly from Info so log
// aggregation can filter on severity without structured fields.
func Error(format string, args ...any) {
	logger.Output(2, "[ERROR] "+fmt.Sprintf(format, args...))
}
