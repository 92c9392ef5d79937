// Package log provides the stack-wide structured-ish logging helper.
//
// It wraps the standard library logger the way the teacher's syslog binding
// wraps Fuchsia's logging service: printf-style, one line per call, tagged by
// subsystem so a reader scanning stderr can tell which part of the stack
// produced a line.
package log

import (
	"fmt"
	"log"
	"os"
	"sync"
)

var std = log.New(os.Stderr, "", log.Lmicroseconds)

var mu sync.Mutex

// Tag returns a logger scoped to a subsystem, e.g. log.Tag("TCP").
type Logger struct {
	tag string
}

func Tag(tag string) Logger {
	return Logger{tag: tag}
}

func (l Logger) Infof(format string, args ...interface{}) {
	l.write("INFO", format, args...)
}

func (l Logger) Warnf(format string, args ...interface{}) {
	l.write("WARN", format, args...)
}

func (l Logger) Errorf(format string, args ...interface{}) {
	l.write("ERROR", format, args...)
}

func (l Logger) write(level, format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	std.Printf("[%s] %s: %s", level, l.tag, fmt.Sprintf(format, args...))
}
