package logging

import (
	"github.com/sirupsen/logrus"

	"overlaycaster/pkg/config"
)

// Logger represents a logger instance
type Logger = *logrus.Logger

// Fields represents structured logging fields
type Fields = logrus.Fields

// Level represents a log level
type Level = logrus.Level

// Log levels
const (
	DebugLevel = logrus.DebugLevel
	InfoLevel  = logrus.InfoLevel
	WarnLevel  = logrus.WarnLevel
	ErrorLevel = logrus.ErrorLevel
)

// NewLogger creates a new configured logger instance
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(config.GetLogLevel())
	return logger
}

// NewLoggerWithService returns a logger configured as NewLogger does.
// serviceName is not attached to the entries it writes: the Logger of the
// Entry built by WithField is the same *logrus.Logger, without the field.
func NewLoggerWithService(serviceName string) *logrus.Logger {
	logger := NewLogger()

	// The entry built here is discarded; only its Logger is kept
	logger = logger.WithField("service", serviceName).Logger

	return logger
}
