// Package logger is the structured log sink for paths that touch mailbox
// data. Entries are one JSON object per line on stderr, and any field that
// looks like an email address is redacted before it leaves the process.
// Plain log.Printf remains in use for operational chatter that never
// carries addresses.
package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is the entry severity.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLevel reads a level name, defaulting to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

var (
	mu        sync.Mutex
	minLevel  = ParseLevel(os.Getenv("LOG_LEVEL"))
	redactPII = true
)

// SetLevel sets the minimum emitted level.
func SetLevel(l Level) {
	mu.Lock()
	minLevel = l
	mu.Unlock()
}

// SetRedactPII toggles address redaction; on by default.
func SetRedactPII(r bool) {
	mu.Lock()
	redactPII = r
	mu.Unlock()
}

// Debug emits a DEBUG entry with alternating key/value fields.
func Debug(msg string, fields ...interface{}) { emit(DEBUG, msg, fields) }

// Info emits an INFO entry.
func Info(msg string, fields ...interface{}) { emit(INFO, msg, fields) }

// Warn emits a WARN entry.
func Warn(msg string, fields ...interface{}) { emit(WARN, msg, fields) }

// Error emits an ERROR entry.
func Error(msg string, fields ...interface{}) { emit(ERROR, msg, fields) }

func emit(level Level, msg string, fields []interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if level < minLevel {
		return
	}

	entry := map[string]interface{}{
		"time":  time.Now().UTC().Format(time.RFC3339),
		"level": level.String(),
		"msg":   msg,
	}
	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		val := fmt.Sprintf("%v", fields[i+1])
		if redactPII {
			val = redactPIIValue(key, val)
		}
		entry[key] = val
	}

	line, _ := json.Marshal(entry)
	fmt.Fprintln(os.Stderr, string(line))
}
