package billing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rent-billing/billing"
	"github.com/warp/rent-billing/ledger"
)

func TestCalculate_RentOnly(t *testing.T) {
	// GIVEN: rent=10000, no water, no arrears, no payments
	s := newLedger(t)
	addLease(t, s, "t1", "u1", "10000", "0")

	// WHEN: Calculating March
	b, err := billing.NewCalculator(s).Calculate(context.Background(), "t1", "u1", march)

	// THEN: Everything due is rent
	require.NoError(t, err)
	assert.True(t, dec("10000").Equal(b.RentDue))
	assert.True(t, b.WaterDue.IsZero())
	assert.True(t, b.ArrearsDue.IsZero())
	assert.True(t, dec("10000").Equal(b.TotalDue))
	assert.False(t, b.CoveredByAdvance)
}

func TestCalculate_AllStreams(t *testing.T) {
	s := newLedger(t)
	addLease(t, s, "t1", "u1", "8000", "2000")
	addWater(t, s, "t1", "u1", march, "500")

	b, err := billing.NewCalculator(s).Calculate(context.Background(), "t1", "u1", march)
	require.NoError(t, err)

	assert.True(t, dec("8000").Equal(b.RentDue))
	assert.True(t, dec("500").Equal(b.WaterDue))
	assert.True(t, dec("2000").Equal(b.ArrearsDue))
	assert.True(t, dec("10500").Equal(b.TotalDue))
	assert.True(t, b.TotalDue.Equal(b.RentDue.Add(b.WaterDue).Add(b.ArrearsDue)))
}

func TestCalculate_WaterBillOnlyForItsMonth(t *testing.T) {
	s := newLedger(t)
	addLease(t, s, "t1", "u1", "8000", "0")
	addWater(t, s, "t1", "u1", march, "500")

	b, err := billing.NewCalculator(s).Calculate(context.Background(), "t1", "u1", april)
	require.NoError(t, err)
	assert.True(t, b.WaterDue.IsZero(), "no water bill for April means no water due")
	assert.True(t, dec("8000").Equal(b.TotalDue))
}

func TestCalculate_PaymentsReduceDue(t *testing.T) {
	// GIVEN: A March payment covering arrears and part of the rent
	s := newLedger(t)
	addLease(t, s, "t1", "u1", "10000", "1000")
	addWater(t, s, "t1", "u1", march, "300")
	require.NoError(t, s.InsertPayments(context.Background(), []ledger.Payment{{
		ID: "p1", TenantID: "t1", UnitID: "u1", Month: march, Status: ledger.PaymentCompleted,
		Amount: dec("5000"), ToArrears: dec("1000"), ToWater: dec("300"), ToRent: dec("3700"),
	}}))
	calc := billing.NewCalculator(s)

	// WHEN: Calculating March and April
	mar, err := calc.Calculate(context.Background(), "t1", "u1", march)
	require.NoError(t, err)
	apr, err := calc.Calculate(context.Background(), "t1", "u1", april)
	require.NoError(t, err)

	// THEN: Rent/water paid is per month, arrears paid is lifetime
	assert.True(t, dec("6300").Equal(mar.RentDue))
	assert.True(t, mar.WaterDue.IsZero())
	assert.True(t, mar.ArrearsDue.IsZero())

	assert.True(t, dec("10000").Equal(apr.RentDue))
	assert.True(t, apr.ArrearsDue.IsZero(), "arrears paid in March stays paid")
}

func TestCalculate_IgnoresPendingFailedAndCarryForwardRows(t *testing.T) {
	s := newLedger(t)
	addLease(t, s, "t1", "u1", "10000", "0")
	require.NoError(t, s.InsertPayments(context.Background(), []ledger.Payment{
		{ID: "p-pending", TenantID: "t1", UnitID: "u1", Month: march, Status: ledger.PaymentPending, Amount: dec("10000"), ToRent: dec("10000")},
		{ID: "p-failed", TenantID: "t1", UnitID: "u1", Month: march, Status: ledger.PaymentFailed, Amount: dec("10000"), ToRent: dec("10000")},
	}))
	addAdvance(t, s, "t1", "u1", march, "4000")

	b, err := billing.NewCalculator(s).Calculate(context.Background(), "t1", "u1", march)
	require.NoError(t, err)
	assert.True(t, dec("10000").Equal(b.RentDue))
	assert.True(t, dec("4000").Equal(b.AdvanceCredit))
	assert.False(t, b.CoveredByAdvance)
}

func TestCalculate_NeverNegative(t *testing.T) {
	// GIVEN: Overpaid rent and a negative arrears balance
	s := newLedger(t)
	addLease(t, s, "t1", "u1", "10000", "-500")
	require.NoError(t, s.InsertPayments(context.Background(), []ledger.Payment{{
		ID: "p1", TenantID: "t1", UnitID: "u1", Month: march, Status: ledger.PaymentCompleted,
		Amount: dec("12000"), ToRent: dec("12000"),
	}}))

	b, err := billing.NewCalculator(s).Calculate(context.Background(), "t1", "u1", march)
	require.NoError(t, err)

	assert.True(t, b.RentDue.IsZero())
	assert.True(t, b.ArrearsDue.IsZero())
	assert.True(t, b.Arrears.IsZero(), "negative balance is clamped")
	assert.True(t, b.TotalDue.IsZero())
	assert.True(t, b.NothingDue())
	assert.False(t, b.CoveredByAdvance, "nothing due is not coverage")
}

func TestCalculate_CoveredByAdvance(t *testing.T) {
	s := newLedger(t)
	addLease(t, s, "t1", "u1", "10000", "0")
	addAdvance(t, s, "t1", "u1", april, "10000")
	addAdvance(t, s, "t1", "u1", may, "2000")
	calc := billing.NewCalculator(s)

	apr, err := calc.Calculate(context.Background(), "t1", "u1", april)
	require.NoError(t, err)
	assert.True(t, dec("12000").Equal(apr.AdvanceCredit))
	assert.True(t, apr.CoveredByAdvance)

	mayBill, err := calc.Calculate(context.Background(), "t1", "u1", may)
	require.NoError(t, err)
	assert.True(t, dec("2000").Equal(mayBill.AdvanceCredit), "earlier months' credit is not counted")
	assert.False(t, mayBill.CoveredByAdvance)
}

func TestCalculate_Idempotent(t *testing.T) {
	s := newLedger(t)
	addLease(t, s, "t1", "u1", "9000", "750")
	addWater(t, s, "t1", "u1", march, "420.50")
	calc := billing.NewCalculator(s)

	first, err := calc.Calculate(context.Background(), "t1", "u1", march)
	require.NoError(t, err)
	second, err := calc.Calculate(context.Background(), "t1", "u1", march)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestCalculate_NoActiveAllocation(t *testing.T) {
	s := newLedger(t)
	alloc := addLease(t, s, "t1", "u1", "10000", "0")
	alloc.Active = false
	require.NoError(t, s.SaveAllocation(context.Background(), alloc))

	_, err := billing.NewCalculator(s).Calculate(context.Background(), "t1", "u1", march)
	assert.ErrorIs(t, err, ledger.ErrNoActiveAllocation)

	var target *ledger.NoActiveAllocationError
	require.ErrorAs(t, err, &target)
	assert.Equal(t, "t1", target.TenantID)
}

func TestCalculate_DueSumsHoldAcrossStates(t *testing.T) {
	s := newLedger(t)
	addLease(t, s, "t1", "u1", "10000", "3000")
	addWater(t, s, "t1", "u1", march, "800")
	calc := billing.NewCalculator(s)
	ctx := context.Background()

	payments := []ledger.Payment{
		{ID: "a", Amount: dec("1000"), ToArrears: dec("1000")},
		{ID: "b", Amount: dec("2800"), ToArrears: dec("2000"), ToWater: dec("800")},
		{ID: "c", Amount: dec("15000"), ToRent: dec("15000")},
	}
	for _, p := range payments {
		p.TenantID, p.UnitID, p.Month, p.Status = "t1", "u1", march, ledger.PaymentCompleted
		require.NoError(t, s.InsertPayments(ctx, []ledger.Payment{p}))

		b, err := calc.Calculate(ctx, "t1", "u1", march)
		require.NoError(t, err)
		assert.False(t, b.RentDue.IsNegative())
		assert.False(t, b.WaterDue.IsNegative())
		assert.False(t, b.ArrearsDue.IsNegative())
		assert.True(t, b.TotalDue.Equal(b.RentDue.Add(b.WaterDue).Add(b.ArrearsDue)), "after payment %s", p.ID)
	}
}
