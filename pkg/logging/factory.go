package logging

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Factory provides component-aware loggers with consistent field naming.
type Factory struct {
	baseLogger *log.Logger

	mu      sync.Mutex
	loggers map[string]*log.Logger
}

// NewFactory creates a new logger factory.
func NewFactory(baseLogger *log.Logger) *Factory {
	return &Factory{
		baseLogger: baseLogger,
		loggers:    make(map[string]*log.Logger),
	}
}

// ForComponent creates a logger for a specific component.
func (lf *Factory) ForComponent(id string) *log.Logger {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	if logger, ok := lf.loggers[id]; ok {
		return logger
	}

	logger := lf.baseLogger.With("component", id)
	lf.loggers[id] = logger
	return logger
}

// NewBaseLogger creates the process-wide root logger. The level is taken
// from LOG_LEVEL (debug/info/warn/error), defaulting to info.
func NewBaseLogger() *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
	})

	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "warn":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}

	return logger
}
