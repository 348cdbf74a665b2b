package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"dmxlightd/internal/config"
)

type Log struct {
	*logrus.Entry
}

// NewLogger builds the process-wide logger from the config section.
func NewLogger(cfg config.LogConf) (*Log, error) {
	log := logrus.New()

	log.SetOutput(os.Stdout)

	log.Formatter = &logrus.TextFormatter{
		TimestampFormat:  "2006-01-02 15:04:05.0000",
		DisableColors:    false,
		ForceColors:      true,
		FullTimestamp:    true,
		QuoteEmptyFields: true,
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logger. Error in settings (level: %s): %w", cfg.Level, err)
	}
	log.SetLevel(level)
	// Disable concurrency mutex as we use Stdout.
	log.SetNoLock()

	return &Log{Entry: log.WithFields(nil)}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Log {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return &Log{Entry: log.WithFields(nil)}
}

// With will add the fields to the formatted log entry.
func (l *Log) With(fields Fields) *Log {
	return &Log{Entry: l.WithFields(logrus.Fields(fields))}
}

func (l *Log) GetLevel() string {
	return l.Logger.Level.String()
}

// Fields are a representation of formatted log fields.
type Fields map[string]interface{}

// Logger is the logging surface handed to every subsystem.
type Logger interface {
	GetLevel() string
	With(fields Fields) *Log
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
}
