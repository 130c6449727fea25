package engine

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyExecuting      = errors.New("subscription is already executing")
	ErrNotStarted            = errors.New("engine not started")
	ErrTerminal              = errors.New("subscription is terminal")
	ErrEntryPriceUnavailable = errors.New("entry price unavailable")
	// ErrNeedsIntervention rejects relaunching a subscription whose last
	// failure may have left a position open. Acknowledge clears it.
	ErrNeedsIntervention = errors.New("subscription needs manual intervention")
)

// RollbackError is raised when the hedge leg failed to open. Critical is set
// when the primary leg could not be closed either and is still exposed.
type RollbackError struct {
	Symbol      string
	HedgeErr    error
	RollbackErr error
}

func (e *RollbackError) Critical() bool {
	return e.RollbackErr != nil
}

func (e *RollbackError) Error() string {
	if e.RollbackErr == nil {
		return fmt.Sprintf("hedge leg failed on %s, primary rolled back: %v", e.Symbol, e.HedgeErr)
	}
	return fmt.Sprintf("CRITICAL: hedge leg failed on %s and primary rollback failed: hedge: %v; rollback: %v", e.Symbol, e.HedgeErr, e.RollbackErr)
}

func (e *RollbackError) Unwrap() []error {
	if e.RollbackErr == nil {
		return []error{e.HedgeErr}
	}
	return []error{e.HedgeErr, e.RollbackErr}
}

// CloseError reports legs left open after the exit close.
type CloseError struct {
	Residual []string
	Err      error
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("close incomplete, residual legs %v: %v", e.Residual, e.Err)
}

func (e *CloseError) Unwrap() error {
	return e.Err
}
