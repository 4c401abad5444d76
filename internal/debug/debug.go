package debug

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (backend, detected camera, capture results)
	LevelLive    = 2 // Live info (attempts, faults, dispatched tasks)
	LevelVerbose = 3 // Verbose (tool invocations, phase timings)
	LevelTrace   = 4 // Trace (GPIO, raw tool output)
)

// Output formats
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

var (
	mu     sync.RWMutex
	level  int
	format           = FormatConsole
	out    io.Writer = os.Stdout
	logger *zerolog.Logger
)

// Init initializes the debug system with a level (0-4) and console output.
// 0 = no output
// 1 = important info (backend, camera model, capture results)
// 2 = live info (attempts, faults, dispatched tasks)
// 3 = verbose (tool invocations, phase timings)
// 4 = trace (GPIO, raw tool output)
func Init(debugLevel int) {
	InitFormat(debugLevel, FormatConsole)
}

// InitFormat is Init with an explicit output format ("console" or "json").
func InitFormat(debugLevel int, logFormat string) {
	mu.Lock()
	defer mu.Unlock()
	level = debugLevel
	format = logFormat
	rebuild()
}

// SetOutput redirects all debug output to w.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	rebuild()
}

// rebuild must be called with mu held.
func rebuild() {
	if level <= LevelOff {
		logger = nil
		return
	}
	w := out
	if format != FormatJSON {
		w = zerolog.ConsoleWriter{Out: out, NoColor: true, TimeFormat: "15:04:05.000"}
	}
	l := zerolog.New(w).Level(zerologLevel(level)).With().Timestamp().Logger()
	logger = &l
}

func zerologLevel(l int) zerolog.Level {
	switch {
	case l >= LevelTrace:
		return zerolog.TraceLevel
	case l >= LevelVerbose:
		return zerolog.DebugLevel
	default:
		return zerolog.InfoLevel
	}
}

// Level returns the current debug level.
func Level() int {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return Level() >= minLevel
}

func event(minLevel int, zl zerolog.Level) *zerolog.Event {
	mu.RLock()
	l, lv := logger, level
	mu.RUnlock()
	if l == nil || lv < minLevel {
		return nil
	}
	return l.WithLevel(zl)
}

// Log returns a structured event emitted only when the debug level is at least
// minLevel. The returned event is nil (and every method a no-op) otherwise.
func Log(minLevel int) *zerolog.Event {
	switch {
	case minLevel >= LevelTrace:
		return event(minLevel, zerolog.TraceLevel)
	case minLevel >= LevelVerbose:
		return event(minLevel, zerolog.DebugLevel)
	default:
		return event(minLevel, zerolog.InfoLevel)
	}
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	event(LevelInfo, zerolog.InfoLevel).Msgf(format, args...)
}

// Warn prints a level 1 warning.
func Warn(format string, args ...interface{}) {
	event(LevelInfo, zerolog.WarnLevel).Msgf(format, args...)
}

// Summary prints an important summary (level 1).
func Summary(title string) {
	e := event(LevelInfo, zerolog.InfoLevel)
	if e == nil {
		return
	}
	e.Msgf("═══ %s ═══", title)
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	event(LevelLive, zerolog.InfoLevel).Msgf(format, args...)
}

// Attempt prints the start of a capture attempt (level 2).
func Attempt(n, max int, backend string) {
	event(LevelLive, zerolog.InfoLevel).
		Int("attempt", n).
		Int("max_attempts", max).
		Str("backend", backend).
		Msgf("Capture attempt %d/%d", n, max)
}

// Fault prints a classified capture fault (level 2).
func Fault(attempt int, category, action, diagnostic string) {
	event(LevelLive, zerolog.WarnLevel).
		Int("attempt", attempt).
		Str("category", category).
		Str("action", action).
		Str("diagnostic", diagnostic).
		Msgf("Fault on attempt %d: %s -> %s", attempt, category, action)
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...interface{}) {
	event(LevelVerbose, zerolog.DebugLevel).Msgf(format, args...)
}

// Print prints a level 3 message (alias for Verbose).
func Print(format string, args ...interface{}) {
	Verbose(format, args...)
}

// Printf is an alias for Print for compatibility.
func Printf(format string, args ...interface{}) {
	Verbose(format, args...)
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v interface{}) {
	event(LevelVerbose, zerolog.DebugLevel).Msgf("%s: %+v", name, v)
}

// Section prints a section separator (level 3).
func Section(name string) {
	event(LevelVerbose, zerolog.DebugLevel).Msgf("━━━ %s ━━━", name)
}

// Step prints a numbered step (level 3).
func Step(num int, description string) {
	event(LevelVerbose, zerolog.DebugLevel).Msgf("Step %d: %s", num, description)
}

// Value prints a named value in formatted form (level 1).
func Value(name string, value interface{}) {
	event(LevelInfo, zerolog.InfoLevel).Msgf("  %s = %v", name, value)
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message (trace, GPIO, raw tool output).
func Trace(format string, args ...interface{}) {
	event(LevelTrace, zerolog.TraceLevel).Msgf(format, args...)
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	event(LevelTrace, zerolog.TraceLevel).Msgf("[GPIO] %s pin=%d value=%v", operation, pin, value)
}

// --- General functions ---

// Error prints a debug error (level 1+).
func Error(err error) {
	event(LevelInfo, zerolog.ErrorLevel).Err(err).Msg("error")
}

// Fmt is a helper function that returns a formatted string
// only if debug is enabled (to avoid unnecessary allocations).
func Fmt(format string, args ...interface{}) string {
	if Level() > 0 {
		return fmt.Sprintf(format, args...)
	}
	return ""
}
