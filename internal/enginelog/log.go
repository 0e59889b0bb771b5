// Package enginelog provides a small leveled wrapper over the standard
// library's log package. The codebase it's grounded on never adopted a
// structured logging library, so this carries that same ambient
// convention forward rather than introducing one.
package enginelog

import (
	"log"
	"os"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger wraps *log.Logger with a minimum level and a component tag that
// prefixes every line, e.g. "[engine.router] sandbox abc123 paused".
type Logger struct {
	component string
	min       Level
	std       *log.Logger
}

// New creates a Logger for component, reading its minimum level from the
// ENGINE_LOG_LEVEL env var (debug|info|warn|error, default info).
func New(component string) *Logger {
	return &Logger{
		component: component,
		min:       levelFromEnv(),
		std:       log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
	}
}

func levelFromEnv() Level {
	switch os.Getenv("ENGINE_LOG_LEVEL") {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (lg *Logger) log(lvl Level, format string, args ...any) {
	if lvl < lg.min {
		return
	}
	lg.std.Printf("["+lvl.String()+"] ["+lg.component+"] "+format, args...)
}

func (lg *Logger) Debug(format string, args ...any) { lg.log(LevelDebug, format, args...) }
func (lg *Logger) Info(format string, args ...any)  { lg.log(LevelInfo, format, args...) }
func (lg *Logger) Warn(format string, args ...any)  { lg.log(LevelWarn, format, args...) }
func (lg *Logger) Error(format string, args ...any) { lg.log(LevelError, format, args...) }

// With returns a child Logger scoped to component/sub, e.g.
// base.With("warmpool") turns "[engine]" into "[engine.warmpool]".
func (lg *Logger) With(sub string) *Logger {
	return &Logger{component: lg.component + "." + sub, min: lg.min, std: lg.std}
}
