package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Logger is a leveled logger writing to an optional file and echoing
// important lines to stdout. Verbose mode echoes everything.
type Logger struct {
	level   string
	file    *os.File
	verbose bool
}

func New(level, file string, verbose bool) (*Logger, error) {
	l := &Logger{
		level:   level,
		verbose: verbose,
	}

	if file != "" {
		logDir := filepath.Dir(file)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			// Fall back to stdout-only logging
			fmt.Printf("[WARN] cannot create log directory %s: %v\n", logDir, err)
			return l, nil
		}

		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Printf("[WARN] cannot open log file %s: %v\n", file, err)
			return l, nil
		}
		l.file = f
	}

	return l, nil
}

func (l *Logger) Log(level, message string, fields ...interface{}) {
	if !l.shouldLog(level) {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	entry := fmt.Sprintf("[%s] [%s] %s", timestamp, level, message)

	if len(fields) > 0 {
		entry += fmt.Sprintf(" %v", fields)
	}

	if l.file != nil {
		l.file.WriteString(entry + "\n")
		l.file.Sync()
	}

	if l.verbose || level == "WARN" || level == "ERROR" || level == "FATAL" {
		fmt.Println(entry)
	}
}

// Verbose reports whether detailed output was requested.
func (l *Logger) Verbose() bool {
	return l.verbose
}

func (l *Logger) shouldLog(level string) bool {
	levels := map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3, "FATAL": 4}
	current := levels[l.level]
	target := levels[level]
	return target >= current
}

func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
