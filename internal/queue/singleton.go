package queue

import (
	"sync"

	"github.com/forgeq/forgeq-go/internal/logger"
)

// The process-wide default service is a thin convenience over NewService:
// callers may always create independent instances instead.
var (
	defaultMu  sync.Mutex
	defaultSvc *Service
)

// Default memoises and returns one service per process, creating it lazily
// with the given configuration on first use. Later calls ignore the
// arguments and return the memoised instance.
func Default(cfg ServiceConfig, broker Broker, log *logger.Logger) *Service {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultSvc == nil {
		defaultSvc = NewService(cfg, broker, log)
	}
	return defaultSvc
}

// ResetDefault drops the memoised default service. Intended for tests.
func ResetDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultSvc = nil
}
