package models

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the engine. Validation and contention errors reach
// ingestion callers synchronously; budget and integrity errors stay internal
// to the scheduler and enumerator.
var (
	ErrInvalidDelta        = errors.New("invalid delta")
	ErrTenantMismatch      = errors.New("tenant mismatch")
	ErrUnknownID           = errors.New("unknown id")
	ErrQuotaExceeded       = errors.New("quota exceeded")
	ErrConsistencyConflict = errors.New("consistency conflict")
	ErrTimeout             = errors.New("timeout")
	ErrBudgetExhausted     = errors.New("enumeration budget exhausted")
	ErrInvariantViolation  = errors.New("invariant violation")
	ErrUnknownTenant       = errors.New("unknown tenant")
)

// QuotaError reports which tenant quota an ingestion call would exceed.
// errors.Is(err, ErrQuotaExceeded) matches it.
type QuotaError struct {
	Quota string
	Limit int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded: %s (limit %d)", e.Quota, e.Limit)
}

func (e *QuotaError) Is(target error) bool { return target == ErrQuotaExceeded }

// ConflictError reports that a conditional delta lost a write race. Callers
// retry against CurrentVersion. errors.Is(err, ErrConsistencyConflict)
// matches it.
type ConflictError struct {
	CurrentVersion uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("consistency conflict: retry against version %d", e.CurrentVersion)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConsistencyConflict }
