package obs

import (
	"sync"

	"go.uber.org/zap"
)

var (
	loggerMu   sync.RWMutex
	loggerOnce sync.Once
	logger     *zap.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		loggerMu.Lock()
		defer loggerMu.Unlock()
		if logger != nil {
			return
		}
		l, err := zap.NewProductionConfig().Build()
		if err != nil {
			l = zap.NewNop()
		}
		logger = l
	})
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// SetLogger replaces the shared logger and returns a func restoring the
// previous one. Intended for tests and for binaries that build their own config.
func SetLogger(l *zap.Logger) (restore func()) {
	Logger()
	loggerMu.Lock()
	prev := logger
	logger = l
	loggerMu.Unlock()
	return func() {
		loggerMu.Lock()
		logger = prev
		loggerMu.Unlock()
	}
}
