package logger

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu   sync.RWMutex
	base = zap.NewNop().Sugar()
)

// Init replaces the no-op default logger with a console logger. Debug
// messages are only emitted when debug is set.
func Init(debug bool) error {
	config := zap.NewDevelopmentConfig()
	config.Development = false
	config.DisableStacktrace = true
	if debug {
		config.Level.SetLevel(zap.DebugLevel)
	} else {
		config.Level.SetLevel(zap.InfoLevel)
	}

	l, err := config.Build()
	if err != nil {
		return err
	}

	Set(l.Sugar())
	return nil
}

// Set installs l as the process logger.
func Set(l *zap.SugaredLogger) {
	mu.Lock()
	defer mu.Unlock()
	base = l
}

// L returns the process logger.
func L() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Sync flushes buffered entries.
func Sync() {
	_ = L().Sync()
}

func Debug(format string, v ...interface{}) {
	L().Debugf(format, v...)
}

func Info(format string, v ...interface{}) {
	L().Infof(format, v...)
}

func Warn(format string, v ...interface{}) {
	L().Warnf(format, v...)
}

func Error(format string, v ...interface{}) {
	L().Errorf(format, v...)
}
