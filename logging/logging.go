package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	logger  zerolog.Logger
	logFile *os.File
	mu      sync.Mutex
	isSetup bool
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(zerolog.InfoLevel)
}

// SetupLogger directs log output to the given file in addition to stderr.
// The current log level carries over. Calling it twice is a no-op.
func SetupLogger(logFilePath string) error {
	mu.Lock()
	defer mu.Unlock()

	if isSetup {
		return nil
	}

	var err error
	logFile, err = os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return fmt.Errorf("failed to open log file: %v", err)
	}

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	logger = zerolog.New(io.MultiWriter(console, logFile)).
		With().Timestamp().Logger().Level(logger.GetLevel())

	logger.Info().Str("log_file", logFilePath).Msg("file logging started")
	isSetup = true
	return nil
}

// SetLevel adjusts the global log level ("debug", "info", "warn", "error").
func SetLevel(level string) {
	mu.Lock()
	defer mu.Unlock()

	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return
	}
	logger = logger.Level(parsed)
}

// CloseLogger closes the log file if one was opened.
func CloseLogger() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logger.Info().Msg("file logging stopped")
		logFile.Close()
		logFile = nil
		isSetup = false
	}
}

// Logger returns the configured logger for callers that attach fields.
func Logger() zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return logger
}

// LogInfo logs an information message.
func LogInfo(format string, args ...interface{}) {
	l := Logger()
	l.Info().Msgf(format, args...)
}

// DebugLog logs a debug message.
func DebugLog(format string, args ...interface{}) {
	l := Logger()
	l.Debug().Msgf(format, args...)
}

// LogError logs an error message.
func LogError(format string, args ...interface{}) {
	l := Logger()
	l.Error().Msgf(format, args...)
}

// LogWarning logs a warning message.
func LogWarning(format string, args ...interface{}) {
	l := Logger()
	l.Warn().Msgf(format, args...)
}

// LogJobEvent logs a lifecycle event for an analysis job.
func LogJobEvent(jobID string, status string, detail string) {
	l := Logger()
	event := l.Info().Str("job_id", jobID).Str("status", status)
	if detail != "" {
		event = event.Str("detail", detail)
	}
	event.Msg("job event")
}
