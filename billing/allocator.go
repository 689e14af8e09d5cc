/*
allocator.go - Waterfall payment allocation

PURPOSE:
  Distributes a payment over the streams a tenant owes in a fixed order:

    arrears -> water -> rent -> advance (remainder)

  Each stream takes min(remaining, due). Whatever is left after rent is
  credited to future months.

INVARIANTS:
  - ToArrears + ToWater + ToRent + ToAdvance == PaidAmount, exactly
  - If ArrearsDue > 0, ToArrears = min(amount, ArrearsDue) before any water
    or rent is allocated
  - Recording a payment re-reads the dues, allocates, and writes every
    resulting row in one transaction. Either all rows exist or none do

CARRY-FORWARD ROWS:
  The primary payment row keeps the full breakdown (including ToAdvance).
  The advance part is additionally written as one carry-forward row per
  future month, each covering up to the monthly rent, all pointing back to
  the primary row. Only carry-forward rows count as advance credit.

SEE ALSO:
  - calculator.go: Source of the due amounts
  - notice.go: Payment confirmation text
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/warp/rent-billing/ledger"
	"github.com/warp/rent-billing/notify"
)

// maxCarryForwardMonths bounds how far ahead one payment is spread. The
// last row absorbs whatever is left.
const maxCarryForwardMonths = 120

// =============================================================================
// PURE ALLOCATION
// =============================================================================

// Allocation is the result of splitting one payment.
type Allocation struct {
	ToArrears decimal.Decimal `json:"to_arrears"`
	ToWater   decimal.Decimal `json:"to_water"`
	ToRent    decimal.Decimal `json:"to_rent"`
	ToAdvance decimal.Decimal `json:"to_advance"`

	RemainingArrears decimal.Decimal `json:"remaining_arrears"`
	RemainingWater   decimal.Decimal `json:"remaining_water"`
	RemainingRent    decimal.Decimal `json:"remaining_rent"`

	TotalDue   decimal.Decimal `json:"total_due"`
	PaidAmount decimal.Decimal `json:"paid_amount"`
}

// Total sums the allocated parts. Always equals PaidAmount.
func (a Allocation) Total() decimal.Decimal {
	return a.ToArrears.Add(a.ToWater).Add(a.ToRent).Add(a.ToAdvance)
}

// Allocate applies the waterfall to amount against the dues in b.
func Allocate(amount decimal.Decimal, b *Breakdown) (Allocation, error) {
	if !amount.IsPositive() {
		return Allocation{}, fmt.Errorf("%w: got %s", ledger.ErrInvalidAmount, amount.String())
	}

	remaining := amount
	take := func(due decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
		if due.IsNegative() {
			due = decimal.Zero
		}
		portion := decimal.Min(remaining, due)
		remaining = remaining.Sub(portion)
		return portion, due.Sub(portion)
	}

	var a Allocation
	a.ToArrears, a.RemainingArrears = take(b.ArrearsDue)
	a.ToWater, a.RemainingWater = take(b.WaterDue)
	a.ToRent, a.RemainingRent = take(b.RentDue)
	a.ToAdvance = remaining
	a.TotalDue = b.TotalDue
	a.PaidAmount = amount
	return a, nil
}

// =============================================================================
// ALLOCATOR - Persists payments
// =============================================================================

// Enqueuer accepts outbound tenant messages.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg notify.Message) (string, error)
}

// PaymentRequest describes money received from a tenant.
type PaymentRequest struct {
	TenantID   string
	UnitID     string
	Amount     decimal.Decimal
	Month      ledger.Month // zero means the month of PaidAt
	ReceiptRef string
	Method     string
	PaidAt     time.Time // zero means now
}

// PaymentResult is everything RecordPayment wrote.
type PaymentResult struct {
	Payment        ledger.Payment
	CarryForward   []ledger.Payment
	Allocation     Allocation
	Breakdown      *Breakdown
	ConfirmationID string
}

type Allocator struct {
	store    ledger.TxStore
	notifier Enqueuer
	settings ledger.SettingsStore
	logger   *logrus.Logger

	now   func() time.Time
	newID func() string
}

// NewAllocator creates an allocator. notifier and settings may be nil, in
// which case no confirmation is sent and default settings are used.
func NewAllocator(store ledger.TxStore, notifier Enqueuer, settings ledger.SettingsStore, logger *logrus.Logger) *Allocator {
	return &Allocator{
		store:    store,
		notifier: notifier,
		settings: settings,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// Preview computes the allocation without writing anything.
func (a *Allocator) Preview(ctx context.Context, req PaymentRequest) (Allocation, *Breakdown, error) {
	if !req.Amount.IsPositive() {
		return Allocation{}, nil, fmt.Errorf("%w: got %s", ledger.ErrInvalidAmount, req.Amount.String())
	}
	req = a.normalize(req)

	b, err := calculate(ctx, a.store, req.TenantID, req.UnitID, req.Month)
	if err != nil {
		return Allocation{}, nil, err
	}
	alloc, err := Allocate(req.Amount, b)
	if err != nil {
		return Allocation{}, nil, err
	}
	return alloc, b, nil
}

// RecordPayment allocates req and writes the payment with its carry-forward
// rows atomically, then queues a confirmation for the tenant.
func (a *Allocator) RecordPayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	ctx, span := tracer.Start(ctx, "billing.RecordPayment")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", req.TenantID),
		attribute.String("unit_id", req.UnitID),
		attribute.String("amount", req.Amount.String()),
	)

	if !req.Amount.IsPositive() {
		err := fmt.Errorf("%w: got %s", ledger.ErrInvalidAmount, req.Amount.String())
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	req = a.normalize(req)

	var result *PaymentResult
	err := a.store.WithTx(ctx, func(tx ledger.Store) error {
		b, err := calculate(ctx, tx, req.TenantID, req.UnitID, req.Month)
		if err != nil {
			return err
		}
		alloc, err := Allocate(req.Amount, b)
		if err != nil {
			return err
		}

		primary := ledger.Payment{
			ID:         a.newID(),
			TenantID:   req.TenantID,
			UnitID:     req.UnitID,
			Amount:     req.Amount,
			Month:      req.Month,
			Status:     ledger.PaymentCompleted,
			ToRent:     alloc.ToRent,
			ToWater:    alloc.ToWater,
			ToArrears:  alloc.ToArrears,
			ToAdvance:  alloc.ToAdvance,
			ReceiptRef: req.ReceiptRef,
			Method:     req.Method,
			PaidAt:     req.PaidAt,
			CreatedAt:  a.now(),
		}
		carry := a.carryForward(primary, b.Rent)

		rows := append([]ledger.Payment{primary}, carry...)
		if err := tx.InsertPayments(ctx, rows); err != nil {
			return fmt.Errorf("insert payment rows: %w", err)
		}

		result = &PaymentResult{
			Payment:      primary,
			CarryForward: carry,
			Allocation:   alloc,
			Breakdown:    b,
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	a.logger.WithFields(logrus.Fields{
		"module":        "billing",
		"func":          "RecordPayment",
		"payment_id":    result.Payment.ID,
		"tenant_id":     req.TenantID,
		"unit_id":       req.UnitID,
		"amount":        req.Amount.String(),
		"to_arrears":    result.Allocation.ToArrears.String(),
		"to_water":      result.Allocation.ToWater.String(),
		"to_rent":       result.Allocation.ToRent.String(),
		"to_advance":    result.Allocation.ToAdvance.String(),
		"carry_forward": len(result.CarryForward),
	}).Info("payment recorded")

	result.ConfirmationID = a.confirm(ctx, result)
	return result, nil
}

func (a *Allocator) normalize(req PaymentRequest) PaymentRequest {
	if req.PaidAt.IsZero() {
		req.PaidAt = a.now()
	}
	if req.Month.IsZero() {
		req.Month = ledger.MonthOf(req.PaidAt)
	}
	return req
}

// carryForward spreads primary.ToAdvance over the following months, one
// row per month, each up to monthlyRent.
func (a *Allocator) carryForward(primary ledger.Payment, monthlyRent decimal.Decimal) []ledger.Payment {
	remaining := primary.ToAdvance
	if !remaining.IsPositive() {
		return nil
	}

	var rows []ledger.Payment
	month := primary.Month.Next()
	for i := 0; remaining.IsPositive(); i++ {
		portion := remaining
		if monthlyRent.IsPositive() && i < maxCarryForwardMonths-1 {
			portion = decimal.Min(remaining, monthlyRent)
		}
		rows = append(rows, ledger.Payment{
			ID:                a.newID(),
			TenantID:          primary.TenantID,
			UnitID:            primary.UnitID,
			Amount:            portion,
			Month:             month,
			Status:            ledger.PaymentCompleted,
			ToRent:            decimal.Zero,
			ToWater:           decimal.Zero,
			ToArrears:         decimal.Zero,
			ToAdvance:         portion,
			IsAdvance:         true,
			OriginalPaymentID: primary.ID,
			ReceiptRef:        primary.ReceiptRef,
			Method:            primary.Method,
			PaidAt:            primary.PaidAt,
			CreatedAt:         primary.CreatedAt,
		})
		remaining = remaining.Sub(portion)
		month = month.Next()
	}
	return rows
}

// confirm queues the payment confirmation. Failures are logged; the
// payment is already committed.
func (a *Allocator) confirm(ctx context.Context, result *PaymentResult) string {
	if a.notifier == nil || result.Breakdown.Phone == "" {
		return ""
	}

	settings := loadSettings(ctx, a.settings, a.logger)
	id, err := a.notifier.Enqueue(ctx, notify.Message{
		Recipient: result.Breakdown.Phone,
		Body:      ConfirmationText(result, settings),
		Type:      notify.TypeConfirmation,
		TenantID:  result.Payment.TenantID,
		DedupeKey: "confirm:" + result.Payment.ID,
	})
	if err != nil {
		a.logger.WithFields(logrus.Fields{
			"module":     "billing",
			"func":       "confirm",
			"payment_id": result.Payment.ID,
			"tenant_id":  result.Payment.TenantID,
		}).WithError(err).Warn("failed to queue payment confirmation")
		return ""
	}
	return id
}
