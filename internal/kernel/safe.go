package kernel

import (
	"fmt"
	"runtime/debug"
)

// PanicError is returned by runSafely when fn panics.
type PanicError struct {
	Scope string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s: panic recovered: %v", e.Scope, e.Value)
}

// runSafely calls fn, tagging its error with scope and turning a panic into a
// *PanicError that keeps the goroutine stack for logging.
func runSafely(scope string, fn func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &PanicError{Scope: scope, Value: recovered, Stack: debug.Stack()}
		}
	}()

	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", scope, err)
	}

	return nil
}
