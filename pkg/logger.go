package triggerdaq

import (
	"fmt"
	"log/slog"
)

type Logger interface {
	Debug(message string, module string)
	Info(message string, module string)
	Warn(message string, module string)
	Error(string)
}

// slogLogger is used until the application installs its own logger.
type slogLogger struct {
	log *slog.Logger
}

func (l slogLogger) Debug(message string, module string) {
	l.log.Debug(message, "module", module)
}

func (l slogLogger) Info(message string, module string) {
	l.log.Info(message, "module", module)
}

func (l slogLogger) Warn(message string, module string) {
	l.log.Warn(message, "module", module)
}

func (l slogLogger) Error(message string) {
	l.log.Error(message)
}

var logger Logger = slogLogger{log: slog.Default()}

// NewSlogLogger adapts a slog.Logger, logging the module as an attribute.
func NewSlogLogger(l *slog.Logger) Logger {
	return slogLogger{log: l}
}

func SetLogger(l Logger) {
	if l == nil {
		l = slogLogger{log: slog.Default()}
	}
	logger = l
}

func logErrorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	logger.Error(err.Error())
	return err
}
