/*
Package billing computes what tenants owe, splits payments across what they
owe, and produces the monthly bill notices.

PURPOSE:
  Three independent liability streams make up a tenant's bill:
    - Rent:    the monthly rent of the active lease, scoped to one month
    - Water:   the metered water charge for that month, if any
    - Arrears: a running balance carried forward from earlier cycles

  The Calculator turns ledger records into amounts due. The Allocator
  distributes a payment over those amounts in a fixed order. The
  Generator bills the whole tenant population for a month.

KEY CONCEPTS:
  - Due per stream is always clamped at zero; overpaying one stream never
    reduces another stream's due amount
  - Arrears paid is lifetime-to-date, rent and water paid are per month
  - Advance credit is the sum of carry-forward rows dated on or after the
    target month. A tenant whose credit covers the total due is not billed

SEE ALSO:
  - allocator.go: Waterfall allocation and payment recording
  - generator.go: Monthly bill run
  - ledger/store.go: Read queries used here
*/
package billing

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/warp/rent-billing/ledger"
)

var tracer = otel.Tracer("github.com/warp/rent-billing/billing")

// =============================================================================
// BREAKDOWN
// =============================================================================

// Breakdown is the per-stream view of one tenant's bill for one month.
type Breakdown struct {
	TenantID   string
	UnitID     string
	TenantName string
	Phone      string
	UnitName   string
	Month      ledger.Month

	// Charges
	Rent    decimal.Decimal
	Water   decimal.Decimal
	Arrears decimal.Decimal

	// Paid to date
	RentPaid    decimal.Decimal
	WaterPaid   decimal.Decimal
	ArrearsPaid decimal.Decimal

	// Due (never negative)
	RentDue    decimal.Decimal
	WaterDue   decimal.Decimal
	ArrearsDue decimal.Decimal
	TotalDue   decimal.Decimal

	AdvanceCredit    decimal.Decimal
	CoveredByAdvance bool
}

// NothingDue reports whether every stream is settled.
func (b *Breakdown) NothingDue() bool {
	return !b.TotalDue.IsPositive()
}

// clampDue returns max(0, charge - paid).
func clampDue(charge, paid decimal.Decimal) decimal.Decimal {
	due := charge.Sub(paid)
	if due.IsNegative() {
		return decimal.Zero
	}
	return due
}

// =============================================================================
// CALCULATOR
// =============================================================================

type Calculator struct {
	reader ledger.Reader
}

func NewCalculator(reader ledger.Reader) *Calculator {
	return &Calculator{reader: reader}
}

// Calculate returns the bill breakdown for tenant+unit in month.
// Pure read: calling it twice with no writes in between yields the same result.
func (c *Calculator) Calculate(ctx context.Context, tenantID, unitID string, month ledger.Month) (*Breakdown, error) {
	ctx, span := tracer.Start(ctx, "billing.Calculate")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("unit_id", unitID),
		attribute.String("month", month.String()),
	)

	b, err := calculate(ctx, c.reader, tenantID, unitID, month)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return b, nil
}

// calculate runs against any Reader so the allocator can reuse it inside a
// transaction.
func calculate(ctx context.Context, r ledger.Reader, tenantID, unitID string, month ledger.Month) (*Breakdown, error) {
	if month.IsZero() {
		return nil, fmt.Errorf("calculate bill: month is required")
	}

	alloc, err := r.ActiveAllocation(ctx, tenantID, unitID)
	if err != nil {
		return nil, err
	}

	water := decimal.Zero
	bill, err := r.WaterBill(ctx, tenantID, unitID, month)
	if err != nil {
		return nil, fmt.Errorf("load water bill: %w", err)
	}
	if bill != nil {
		water = bill.Amount
	}

	paid, err := r.PaidToDate(ctx, tenantID, unitID, month)
	if err != nil {
		return nil, fmt.Errorf("load payments: %w", err)
	}

	advance, err := r.AdvanceCredit(ctx, tenantID, unitID, month)
	if err != nil {
		return nil, fmt.Errorf("load advance credit: %w", err)
	}

	arrears := alloc.ArrearsBalance
	if arrears.IsNegative() {
		arrears = decimal.Zero
	}

	b := &Breakdown{
		TenantID:   tenantID,
		UnitID:     unitID,
		TenantName: alloc.TenantName,
		Phone:      alloc.Phone,
		UnitName:   alloc.UnitName,
		Month:      month,

		Rent:    alloc.MonthlyRent,
		Water:   water,
		Arrears: arrears,

		RentPaid:    paid.Rent,
		WaterPaid:   paid.Water,
		ArrearsPaid: paid.Arrears,

		RentDue:    clampDue(alloc.MonthlyRent, paid.Rent),
		WaterDue:   clampDue(water, paid.Water),
		ArrearsDue: clampDue(arrears, paid.Arrears),

		AdvanceCredit: advance,
	}
	b.TotalDue = b.RentDue.Add(b.WaterDue).Add(b.ArrearsDue)

	// A zero bill is "nothing due", not "covered by advance".
	b.CoveredByAdvance = advance.IsPositive() && advance.GreaterThanOrEqual(b.TotalDue)
	return b, nil
}
