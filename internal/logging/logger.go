// Package logging provides the file-backed logger used by the binaries.
package logging

import (
	"fmt"
	"log"
	"os"
	"time"
)

// Logger writes leveled lines to a log file, or to stderr when no file is
// configured.
type Logger struct {
	file   *os.File
	logger *log.Logger
}

// New creates a logger appending to filePath. An empty path logs to stderr.
func New(filePath string) (*Logger, error) {
	if filePath == "" {
		return &Logger{logger: log.New(os.Stderr, "", log.LstdFlags)}, nil
	}
	file, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &Logger{
		file:   file,
		logger: log.New(file, "", log.LstdFlags),
	}, nil
}

// Std exposes the underlying *log.Logger for components that take one.
func (l *Logger) Std() *log.Logger {
	return l.logger
}

// Info logs an info message
func (l *Logger) Info(format string, args ...any) {
	l.logger.SetPrefix("INFO: ")
	l.logger.Printf(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...any) {
	l.logger.SetPrefix("WARN: ")
	l.logger.Printf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...any) {
	l.logger.SetPrefix("ERROR: ")
	l.logger.Printf(format, args...)
}

// Close closes the log file
func (l *Logger) Close() {
	if l.file != nil {
		l.file.Close()
	}
}

// RotateLog rotates the log file daily. Call it in a goroutine; it never
// returns unless reopening fails. No-op for stderr loggers.
func (l *Logger) RotateLog() {
	if l.file == nil {
		return
	}
	for {
		now := time.Now()
		next := now.Add(24 * time.Hour)
		time.Sleep(next.Sub(now))

		l.Close()

		file, err := os.OpenFile(l.file.Name(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			fmt.Printf("failed to rotate log file: %v\n", err)
			return
		}
		l.file = file
		l.logger.SetOutput(file)
	}
}
