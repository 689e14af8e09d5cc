/*
store.go - Persistence contracts for the billing engine

PURPOSE:
  Defines the interface between billing logic and the database. The
  engine only needs a handful of parameterized reads (allocation, water
  bill, paid-to-date sums, advance credit) and a small write surface
  (payments, arrears balance, run audit records).

KEY INTERFACES:
  Reader:        Read-only ledger queries used by the bill calculator
  Store:         Reader plus the payment/arrears write sink
  TxStore:       Store with an atomic WithTx (payment recording)
  RunStore:      Billing run audit trail
  SettingsStore: Billing day, paybill and company name

ATOMIC PAYMENTS:
  Recording a payment re-reads the amounts due, computes the waterfall and
  writes every resulting row inside WithTx. If any step fails the whole
  operation rolls back; a concurrent reader never sees a partial
  allocation.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - ledger/store/memory.go: In-memory for tests and demos
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// READER - Ledger queries
// =============================================================================

type Reader interface {
	// ActiveAllocation returns the active lease for tenant+unit, or a
	// *NoActiveAllocationError.
	ActiveAllocation(ctx context.Context, tenantID, unitID string) (*TenantAllocation, error)

	// ActiveAllocations returns every active lease, ordered by tenant then unit.
	ActiveAllocations(ctx context.Context) ([]TenantAllocation, error)

	// WaterBill returns the water charge for the month, or nil if none exists.
	WaterBill(ctx context.Context, tenantID, unitID string, month Month) (*WaterBill, error)

	// PaidToDate sums completed, non-carry-forward payments. Rent and water
	// are scoped to month; arrears is lifetime.
	PaidToDate(ctx context.Context, tenantID, unitID string, month Month) (PaidToDate, error)

	// AdvanceCredit sums completed carry-forward rows dated on or after from.
	AdvanceCredit(ctx context.Context, tenantID, unitID string, from Month) (decimal.Decimal, error)
}

// =============================================================================
// STORE - Reader plus the write sink
// =============================================================================

type Store interface {
	Reader

	// InsertPayments writes payment rows. Rows are immutable once written.
	InsertPayments(ctx context.Context, payments []Payment) error

	// Payments lists every row for tenant+unit, oldest first.
	Payments(ctx context.Context, tenantID, unitID string) ([]Payment, error)

	// SetArrearsBalance overwrites the carried arrears on the active lease.
	SetArrearsBalance(ctx context.Context, tenantID, unitID string, balance decimal.Decimal) error

	// UpsertWaterBill inserts or replaces the bill for (tenant, unit, month).
	UpsertWaterBill(ctx context.Context, bill WaterBill) error
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// RUNS AND SETTINGS
// =============================================================================

// RunStore keeps the billing run audit trail. Append-only.
type RunStore interface {
	SaveBillingRun(ctx context.Context, run BillingRun) error
	ListBillingRuns(ctx context.Context, limit int) ([]BillingRun, error)

	// LastBillingRun returns the most recent completed run, or nil.
	LastBillingRun(ctx context.Context) (*BillingRun, error)
}

type SettingsStore interface {
	Settings(ctx context.Context) (Settings, error)
	SaveSettings(ctx context.Context, s Settings) error
}
