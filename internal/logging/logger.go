// Package logging provides the structured run log, written as JSON
// lines under the project's logs directory.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/benjaminshoemaker/foreman/internal/taskid"
)

const logFileName = "run.log"

// Logger wraps slog with the run log file handle so callers can close
// it cleanly at exit.
type Logger struct {
	*slog.Logger
	file *os.File
}

// Open creates the run logger for a project directory, appending to
// logs/run.log.
func Open(projectDir, level string) (*Logger, error) {
	logsDir := filepath.Join(projectDir, "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	path := filepath.Join(logsDir, logFileName)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open run log: %w", err)
	}

	return &Logger{
		Logger: slog.New(slog.NewJSONHandler(file, &slog.HandlerOptions{Level: parseLevel(level)})),
		file:   file,
	}, nil
}

// Discard returns a logger that drops everything, for tests and dry
// runs.
func Discard() *Logger {
	return &Logger{
		Logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// WithRun returns a child logger stamped with the run id.
func (l *Logger) WithRun(runID string) *slog.Logger {
	return l.Logger.With("run_id", runID)
}

// WithTask returns a child logger stamped with a task id.
func (l *Logger) WithTask(id taskid.ID) *slog.Logger {
	return l.Logger.With("task", id.String())
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
