package safego

import (
	"fmt"

	"go.uber.org/zap"
)

// Go launches a goroutine with panic recovery.
// If the goroutine panics, the panic value is logged and the goroutine exits
// cleanly instead of crashing the process.
//
// Usage:
//
//	safego.Go(logger, "cleanup-loop", func() {
//	    // work that might panic
//	})
func Go(logger *zap.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Goroutine panicked",
					zap.String("goroutine", name),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
			}
		}()
		fn()
	}()
}

// Func wraps fn for use in worker pools (errgroup and friends): a panic is
// logged and surfaced as an error instead of killing the process.
func Func(logger *zap.Logger, name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Worker panicked",
					zap.String("worker", name),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
				err = fmt.Errorf("worker %s panicked: %v", name, r)
			}
		}()
		return fn()
	}
}
