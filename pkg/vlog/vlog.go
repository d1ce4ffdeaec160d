// Package vlog constructs the structured logger used throughout vtmcore.
// Every component takes a *zap.SugaredLogger rather than reaching for a
// package-level global, matching the dependency-injection style the
// teacher storage engine uses for its own logging.
package vlog

import "go.uber.org/zap"

// New builds a production zap logger scoped to component, returning its
// sugared form. Callers that want a no-op logger (tests, for example)
// should use Nop instead.
func New(component string) *zap.SugaredLogger {
	logger, err := zap.NewProduction()
	if err != nil {
		// zap.NewProduction only fails on a broken encoder config, which
		// never happens with the default config it builds internally.
		logger = zap.NewNop()
	}
	return logger.Sugar().With("component", component)
}

// Nop returns a logger that discards everything, for tests and for
// callers that haven't configured logging yet.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
