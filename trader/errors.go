package trader

import (
	"errors"
	"fmt"

	"futures-supervisor/exchange"
	"futures-supervisor/store"
)

// ErrStopTimeout is returned by Stop when the run loop fails to finish its
// current tick within the configured stop timeout. The run is marked errored
// and the venue position, if any, is left untouched.
var ErrStopTimeout = errors.New("stop timed out waiting for run loop")

// RecoverableError wraps a kernel tick failure the engine absorbed. The run
// keeps going; a streak of these past the configured threshold ends the run
// in the error state.
type RecoverableError struct {
	Strategy string
	Err      error
}

func (e *RecoverableError) Error() string {
	return fmt.Sprintf("strategy %s: kernel error: %v", e.Strategy, e.Err)
}

func (e *RecoverableError) Unwrap() error { return e.Err }

// errorKind names an error's class for error events. Permanent venue
// rejections win over the kernel wrapper so listeners see why the run
// actually died.
func errorKind(err error) string {
	var re *RecoverableError
	switch {
	case errors.Is(err, ErrStopTimeout):
		return "stop_timeout"
	case exchange.IsPermanent(err):
		return "venue_permanent"
	case errors.Is(err, store.ErrConsistency):
		return "ledger_consistency"
	case errors.As(err, &re):
		return "kernel_recoverable"
	case exchange.IsTransient(err):
		return "venue_transient"
	default:
		return "internal"
	}
}
