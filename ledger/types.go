/*
Package ledger provides the billing engine's data model and store contracts.

PURPOSE:
  Holds the records the billing engine reads and writes: leases binding a
  tenant to a unit, metered water charges, payments with their allocation
  breakdown, and the audit trail of billing runs. Everything that touches
  money uses decimal.Decimal.

KEY CONCEPTS IN THIS FILE (types.go):
  - Month: a calendar month ("2025-03"), the unit of billing
  - TenantAllocation: an active lease with rent and carried arrears
  - WaterBill: one metered charge per tenant, unit and month
  - Payment: an immutable receipt plus how it was split across streams
  - BillingRun: audit record of one monthly bill generation

PAYMENT ROWS:
  A single physical payment produces one primary row (IsAdvance=false)
  whose breakdown sums to its amount. When the payment exceeds what is due,
  the leftover is spread over future months as carry-forward rows
  (IsAdvance=true) that point back to the primary row through
  OriginalPaymentID. Carry-forward rows never count as rent/water/arrears
  paid; they only count as standing advance credit.

SEE ALSO:
  - store.go: Read/write contracts used by the billing package
  - errors.go: Sentinel and structured errors
  - billing/calculator.go: Turns these records into amounts due
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONTH - Billing period
// =============================================================================

const monthLayout = "2006-01"

// Month is a calendar month. The zero value is not a valid month.
type Month struct {
	Year  int
	Month time.Month
}

// ParseMonth parses "YYYY-MM".
func ParseMonth(s string) (Month, error) {
	t, err := time.Parse(monthLayout, s)
	if err != nil {
		return Month{}, fmt.Errorf("invalid month %q (use YYYY-MM): %w", s, err)
	}
	return Month{Year: t.Year(), Month: t.Month()}, nil
}

// MustParseMonth is ParseMonth for literals in tests and scenarios.
func MustParseMonth(s string) Month {
	m, err := ParseMonth(s)
	if err != nil {
		panic(err)
	}
	return m
}

// MonthOf returns the month containing t.
func MonthOf(t time.Time) Month {
	return Month{Year: t.Year(), Month: t.Month()}
}

func (m Month) String() string { return m.Start().Format(monthLayout) }
func (m Month) IsZero() bool   { return m.Year == 0 && m.Month == 0 }

// Start is the first instant of the month in UTC.
func (m Month) Start() time.Time {
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End is the first instant of the following month (exclusive bound).
func (m Month) End() time.Time { return m.Start().AddDate(0, 1, 0) }

func (m Month) AddMonths(n int) Month { return MonthOf(m.Start().AddDate(0, n, 0)) }
func (m Month) Next() Month           { return m.AddMonths(1) }
func (m Month) Prev() Month           { return m.AddMonths(-1) }

// Index orders months: a.Index() < b.Index() means a is earlier.
func (m Month) Index() int { return m.Year*12 + int(m.Month) - 1 }

func (m Month) Before(o Month) bool { return m.Index() < o.Index() }
func (m Month) After(o Month) bool  { return m.Index() > o.Index() }

func (m Month) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Month) UnmarshalText(b []byte) error {
	parsed, err := ParseMonth(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// =============================================================================
// LEASES AND CHARGES
// =============================================================================

// TenantAllocation binds a tenant to a unit for the life of a lease.
// At most one active allocation exists per (tenant, unit).
type TenantAllocation struct {
	ID             string
	TenantID       string
	UnitID         string
	TenantName     string
	Phone          string
	UnitName       string
	MonthlyRent    decimal.Decimal
	ArrearsBalance decimal.Decimal // may be negative before clamping
	LeaseStart     time.Time
	LeaseEnd       *time.Time
	Active         bool
}

// WaterBill is the metered water charge for one month.
type WaterBill struct {
	ID       string
	TenantID string
	UnitID   string
	Amount   decimal.Decimal
	Month    Month
	Notes    string
}

// =============================================================================
// PAYMENTS
// =============================================================================

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// Payment is an immutable record of money received.
// Only Status may change after the row is written.
//
// Carry-forward rows (OriginalPaymentID set) re-credit part of their
// primary row's ToAdvance to a later month; their Amount is NOT new money.
// Sum Amount over rows where Received() is true to total money received.
type Payment struct {
	ID       string
	TenantID string
	UnitID   string
	Amount   decimal.Decimal
	Month    Month
	Status   PaymentStatus

	ToRent    decimal.Decimal
	ToWater   decimal.Decimal
	ToArrears decimal.Decimal
	ToAdvance decimal.Decimal

	IsAdvance         bool // carry-forward row credited to a future month
	OriginalPaymentID string
	ReceiptRef        string
	Method            string
	PaidAt            time.Time
	CreatedAt         time.Time
}

// Received reports whether the row records money actually paid in, as
// opposed to a carry-forward of an earlier payment's advance.
func (p Payment) Received() bool { return p.OriginalPaymentID == "" }

// ReceivedTotal sums Amount over rows that record money paid in.
func ReceivedTotal(payments []Payment) decimal.Decimal {
	total := decimal.Zero
	for _, p := range payments {
		if p.Received() {
			total = total.Add(p.Amount)
		}
	}
	return total
}

// AllocatedTotal sums the breakdown fields.
func (p Payment) AllocatedTotal() decimal.Decimal {
	return p.ToRent.Add(p.ToWater).Add(p.ToArrears).Add(p.ToAdvance)
}

// Balanced reports whether the breakdown accounts for the whole amount.
func (p Payment) Balanced() bool {
	return p.AllocatedTotal().Equal(p.Amount)
}

// PaidToDate is what a tenant has already paid against each stream.
// Rent and Water are scoped to one month; Arrears is lifetime.
type PaidToDate struct {
	Rent    decimal.Decimal
	Water   decimal.Decimal
	Arrears decimal.Decimal
}

// =============================================================================
// BILLING RUNS
// =============================================================================

type RunTrigger string

const (
	TriggerScheduled RunTrigger = "scheduled"
	TriggerManual    RunTrigger = "manual"
)

type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RunEntry explains why one tenant was skipped or failed during a run.
type RunEntry struct {
	TenantID   string `json:"tenant_id"`
	UnitID     string `json:"unit_id"`
	TenantName string `json:"tenant_name,omitempty"`
	Reason     string `json:"reason"`
}

type RunDetails struct {
	Skipped []RunEntry `json:"skipped"`
	Failed  []RunEntry `json:"failed"`
}

// BillingRun is the append-only audit record of one generator execution.
type BillingRun struct {
	ID           string     `json:"id"`
	Month        Month      `json:"month"`
	Trigger      RunTrigger `json:"trigger"`
	Status       RunStatus  `json:"status"`
	TotalTenants int        `json:"total_tenants"`
	BillsSent    int        `json:"bills_sent"`
	BillsFailed  int        `json:"bills_failed"`
	Skipped      int        `json:"skipped"`
	Details      RunDetails `json:"details"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  time.Time  `json:"completed_at"`
}
