// Package telemetry is the service's structured logging wrapper: the
// standard library's log package plus a key=value tail on every line,
// so log aggregators can index fields without a heavier logging
// dependency.
package telemetry

import (
	"fmt"
	"log"
	"strings"
)

// Logger emits one line per event: "<tag> [<component>] <message> key=value key=value...".
// Fields are rendered in map iteration order, not sorted — this is a log
// line, not a serialized record, so deterministic ordering doesn't matter here.
type Logger struct {
	component string
}

func New(component string) *Logger {
	return &Logger{component: component}
}

type Fields map[string]any

func (l *Logger) log(tag, msg string, fields Fields) {
	var b strings.Builder
	b.WriteString(tag)
	b.WriteByte(' ')
	b.WriteString("[")
	b.WriteString(l.component)
	b.WriteString("] ")
	b.WriteString(msg)
	for k, v := range fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	log.Println(b.String())
}

func (l *Logger) Info(msg string, fields Fields) { l.log("INFO", msg, fields) }
func (l *Logger) Warn(msg string, fields Fields) { l.log("WARN", msg, fields) }
func (l *Logger) Error(msg string, fields Fields) { l.log("ERROR", msg, fields) }

// Success, Compensating and Failure are tagged for the lines operators
// scan for most often.
func (l *Logger) Success(msg string, fields Fields)      { l.log("✅", msg, fields) }
func (l *Logger) Compensating(msg string, fields Fields) { l.log("🔙", msg, fields) }
func (l *Logger) Failure(msg string, fields Fields)      { l.log("❌", msg, fields) }
