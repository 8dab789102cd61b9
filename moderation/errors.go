package moderation

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateDomain     = errors.New("domain is already blocked")
	ErrInvalidSeverity     = errors.New("unrecognized severity")
	ErrInvalidDomain       = errors.New("invalid domain")
	ErrDomainBlockNotFound = errors.New("domain block not found")
	ErrAccountNotFound     = errors.New("unknown account")
	ErrInvalidAccount      = errors.New("invalid account")
	ErrJobNotFound         = errors.New("fan-out job not found")
	ErrJobNotReplayable    = errors.New("fan-out job is not failed or dead")

	// daily domain suspension quota (circuit breaker) has been used up
	ErrQuotaExceeded = errors.New("domain suspension quota exceeded")
)

// ExecutionError is returned by the fan-out executor when some accounts for a domain could not be brought to the target state. Work up to Cursor is complete and does not need to be re-run.
type ExecutionError struct {
	Domain   string
	Cursor   uint64
	Attempts int

	// accounts which individually failed, even after a retry pass
	FailedAccounts []uint64

	Err error
}

func (e *ExecutionError) Error() string {
	if len(e.FailedAccounts) > 0 {
		return fmt.Sprintf("fan-out for %s: %d accounts failed (cursor=%d): %v", e.Domain, len(e.FailedAccounts), e.Cursor, e.Err)
	}
	return fmt.Sprintf("fan-out for %s failed after %d attempts (cursor=%d): %v", e.Domain, e.Attempts, e.Cursor, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
