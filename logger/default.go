package logger

import "sync/atomic"

var defLogger atomic.Value

func init() {
	defLogger.Store(Logger(NewSlog(InfoLevel)))
}

// GetLogger returns the package default logger.
func GetLogger() Logger {
	return defLogger.Load().(Logger) //nolint:forcetypeassert
}

// SetDefault replaces the package default logger. A nil logger is ignored.
func SetDefault(l Logger) {
	if l != nil {
		defLogger.Store(l)
	}
}

func Debug(msg string, keysAndValues ...any) { GetLogger().Debug(msg, keysAndValues...) }

func Info(msg string, keysAndValues ...any) { GetLogger().Info(msg, keysAndValues...) }

func Warn(msg string, keysAndValues ...any) { GetLogger().Warn(msg, keysAndValues...) }

func Error(msg string, keysAndValues ...any) { GetLogger().Error(msg, keysAndValues...) }

// SetLevel sets the level of the default logger.
func SetLevel(level Level) { GetLogger().SetLevel(level) }

// With returns a child of the default logger.
func With(keyValues ...any) Logger { return GetLogger().With(keyValues...) }
