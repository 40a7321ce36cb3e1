package log

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var logger = New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

// New builds a logger for the given LOG_LEVEL and LOG_FORMAT values. Unknown levels fall back to INFO.
func New(level, format string) *logrus.Logger {
	l := logrus.New()
	switch strings.ToUpper(level) {
	case "DEBUG":
		l.SetLevel(logrus.DebugLevel)
	case "WARN", "WARNING":
		l.SetLevel(logrus.WarnLevel)
	case "ERROR":
		l.SetLevel(logrus.ErrorLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}
	if strings.EqualFold(format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	return l
}

// Configure replaces the shared logger's level and formatter.
func Configure(level, format string) {
	configured := New(level, format)
	logger.SetLevel(configured.GetLevel())
	logger.SetFormatter(configured.Formatter)
}

// GetLogger returns the shared logger instance
func GetLogger() *logrus.Logger {
	return logger
}
