/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers branch with errors.Is / errors.As; the API layer maps them to
  HTTP status codes.

ERROR CATEGORIES:
  1. Lease errors - no active allocation for a tenant/unit
  2. Input errors - non-positive payment amounts, bad months
  3. Run errors - single-flight violations
  4. Configuration - missing settings (never fatal, defaults apply)

SEE ALSO:
  - billing/allocator.go: Returns ErrInvalidAmount
  - billing/generator.go: Returns ErrRunAlreadyInProgress
  - notify/dispatcher.go: DeliveryError
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNoActiveAllocation is returned when a tenant/unit has no active lease.
	ErrNoActiveAllocation = errors.New("no active allocation")

	// ErrInvalidAmount is returned for non-positive payment amounts.
	ErrInvalidAmount = errors.New("invalid amount: must be greater than zero")

	// ErrRunAlreadyInProgress is returned when a billing run is requested
	// while another one holds the run guard. The new run is not queued.
	ErrRunAlreadyInProgress = errors.New("billing run already in progress")

	// ErrConfigurationMissing marks a setting that fell back to its default.
	ErrConfigurationMissing = errors.New("configuration missing")

	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a unique key already exists.
	ErrDuplicate = errors.New("duplicate key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NoActiveAllocationError names the tenant and unit that have no lease.
type NoActiveAllocationError struct {
	TenantID string
	UnitID   string
}

func (e *NoActiveAllocationError) Error() string {
	return fmt.Sprintf("no active allocation for tenant %s on unit %s", e.TenantID, e.UnitID)
}

func (e *NoActiveAllocationError) Unwrap() error {
	return ErrNoActiveAllocation
}

// MissingSettingError records which setting fell back to a default.
type MissingSettingError struct {
	Key     string
	Default string
}

func (e *MissingSettingError) Error() string {
	return fmt.Sprintf("setting %s not configured, using default %q", e.Key, e.Default)
}

func (e *MissingSettingError) Unwrap() error {
	return ErrConfigurationMissing
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNoActiveAllocation) || errors.Is(err, ErrNotFound)
}

// IsConflict returns true for duplicates and concurrent runs.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicate) || errors.Is(err, ErrRunAlreadyInProgress)
}
