package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/rent-billing/ledger"
)

// queries holds the ledger SQL. Store wraps each call in its lock;
// txStore calls it on an open transaction.
type queries struct {
	q querier
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

const allocationColumns = `id, tenant_id, unit_id, tenant_name, phone, unit_name, monthly_rent,
	arrears_balance, lease_start, lease_end, active`

func scanAllocation(row scanner) (ledger.TenantAllocation, error) {
	var (
		a          ledger.TenantAllocation
		rent       string
		arrears    string
		leaseStart string
		leaseEnd   sql.NullString
		active     int
	)
	if err := row.Scan(&a.ID, &a.TenantID, &a.UnitID, &a.TenantName, &a.Phone, &a.UnitName,
		&rent, &arrears, &leaseStart, &leaseEnd, &active); err != nil {
		return a, err
	}

	var err error
	if a.MonthlyRent, err = parseDecimal(rent); err != nil {
		return a, err
	}
	if a.ArrearsBalance, err = parseDecimal(arrears); err != nil {
		return a, err
	}
	a.LeaseStart = parseTime(leaseStart)
	a.LeaseEnd = parseNullTime(leaseEnd)
	a.Active = active == 1
	return a, nil
}

func (qs queries) saveAllocation(ctx context.Context, a ledger.TenantAllocation) error {
	query := `
		INSERT INTO tenant_allocations (` + allocationColumns + `, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			unit_id = excluded.unit_id,
			tenant_name = excluded.tenant_name,
			phone = excluded.phone,
			unit_name = excluded.unit_name,
			monthly_rent = excluded.monthly_rent,
			arrears_balance = excluded.arrears_balance,
			lease_start = excluded.lease_start,
			lease_end = excluded.lease_end,
			active = excluded.active,
			updated_at = excluded.updated_at
	`
	now := formatTime(time.Now())
	_, err := qs.q.ExecContext(ctx, query,
		a.ID, a.TenantID, a.UnitID, a.TenantName, a.Phone, a.UnitName,
		a.MonthlyRent.String(), a.ArrearsBalance.String(),
		formatTime(a.LeaseStart), nullTime(a.LeaseEnd), boolInt(a.Active),
		now, now,
	)
	if isUniqueConstraintError(err) {
		return ledger.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to save allocation: %w", err)
	}
	return nil
}

func (qs queries) activeAllocation(ctx context.Context, tenantID, unitID string) (*ledger.TenantAllocation, error) {
	row := qs.q.QueryRowContext(ctx, `
		SELECT `+allocationColumns+`
		FROM tenant_allocations
		WHERE tenant_id = ? AND unit_id = ? AND active = 1
	`, tenantID, unitID)

	a, err := scanAllocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.NoActiveAllocationError{TenantID: tenantID, UnitID: unitID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load allocation: %w", err)
	}
	return &a, nil
}

func (qs queries) listAllocations(ctx context.Context, activeOnly bool) ([]ledger.TenantAllocation, error) {
	query := `SELECT ` + allocationColumns + ` FROM tenant_allocations`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY tenant_id, unit_id`

	rows, err := qs.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	var result []ledger.TenantAllocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (qs queries) setArrearsBalance(ctx context.Context, tenantID, unitID string, balance decimal.Decimal) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE tenant_allocations SET arrears_balance = ?, updated_at = ?
		WHERE tenant_id = ? AND unit_id = ? AND active = 1
	`, balance.String(), formatTime(time.Now()), tenantID, unitID)
	if err != nil {
		return fmt.Errorf("failed to update arrears: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ledger.NoActiveAllocationError{TenantID: tenantID, UnitID: unitID}
	}
	return nil
}

// =============================================================================
// WATER BILLS
// =============================================================================

func (qs queries) waterBill(ctx context.Context, tenantID, unitID string, month ledger.Month) (*ledger.WaterBill, error) {
	var (
		bill   ledger.WaterBill
		m      string
		amount string
		notes  sql.NullString
	)
	err := qs.q.QueryRowContext(ctx, `
		SELECT id, tenant_id, unit_id, month, amount, notes
		FROM water_bills
		WHERE tenant_id = ? AND unit_id = ? AND month = ?
	`, tenantID, unitID, month.String()).Scan(&bill.ID, &bill.TenantID, &bill.UnitID, &m, &amount, &notes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load water bill: %w", err)
	}

	if bill.Month, err = ledger.ParseMonth(m); err != nil {
		return nil, err
	}
	if bill.Amount, err = parseDecimal(amount); err != nil {
		return nil, err
	}
	bill.Notes = notes.String
	return &bill, nil
}

func (qs queries) upsertWaterBill(ctx context.Context, bill ledger.WaterBill) error {
	now := formatTime(time.Now())
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO water_bills (id, tenant_id, unit_id, month, amount, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, unit_id, month) DO UPDATE SET
			amount = excluded.amount,
			notes = excluded.notes,
			updated_at = excluded.updated_at
	`, bill.ID, bill.TenantID, bill.UnitID, bill.Month.String(), bill.Amount.String(), nullString(bill.Notes), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert water bill: %w", err)
	}
	return nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `id, tenant_id, unit_id, amount, month, status, to_rent, to_water, to_arrears,
	to_advance, is_advance, original_payment_id, receipt_ref, method, paid_at, created_at`

func scanPayment(row scanner) (ledger.Payment, error) {
	var (
		p                                     ledger.Payment
		amount, month                         string
		toRent, toWater, toArrears, toAdvance string
		isAdvance                             int
		originalID, receiptRef, method        sql.NullString
		paidAt, createdAt                     string
	)
	if err := row.Scan(&p.ID, &p.TenantID, &p.UnitID, &amount, &month, &p.Status,
		&toRent, &toWater, &toArrears, &toAdvance, &isAdvance,
		&originalID, &receiptRef, &method, &paidAt, &createdAt); err != nil {
		return p, err
	}

	var err error
	if p.Month, err = ledger.ParseMonth(month); err != nil {
		return p, err
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&p.Amount, amount}, {&p.ToRent, toRent}, {&p.ToWater, toWater},
		{&p.ToArrears, toArrears}, {&p.ToAdvance, toAdvance},
	} {
		if *f.dst, err = parseDecimal(f.src); err != nil {
			return p, err
		}
	}
	p.IsAdvance = isAdvance == 1
	p.OriginalPaymentID = originalID.String
	p.ReceiptRef = receiptRef.String
	p.Method = method.String
	p.PaidAt = parseTime(paidAt)
	p.CreatedAt = parseTime(createdAt)
	return p, nil
}

func (qs queries) insertPayments(ctx context.Context, payments []ledger.Payment) error {
	query := `INSERT INTO payments (` + paymentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	for _, p := range payments {
		createdAt := p.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		_, err := qs.q.ExecContext(ctx, query,
			p.ID, p.TenantID, p.UnitID, p.Amount.String(), p.Month.String(), p.Status,
			p.ToRent.String(), p.ToWater.String(), p.ToArrears.String(), p.ToAdvance.String(),
			boolInt(p.IsAdvance), nullString(p.OriginalPaymentID), nullString(p.ReceiptRef),
			nullString(p.Method), formatTime(p.PaidAt), formatTime(createdAt),
		)
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicate
		}
		if err != nil {
			return fmt.Errorf("failed to insert payment %s: %w", p.ID, err)
		}
	}
	return nil
}

func (qs queries) queryPayments(ctx context.Context, query string, args ...any) ([]ledger.Payment, error) {
	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var result []ledger.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (qs queries) payments(ctx context.Context, tenantID, unitID string) ([]ledger.Payment, error) {
	return qs.queryPayments(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE tenant_id = ? AND unit_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, tenantID, unitID)
}

func (qs queries) paidToDate(ctx context.Context, tenantID, unitID string, month ledger.Month) (ledger.PaidToDate, error) {
	paid := ledger.PaidToDate{Rent: decimal.Zero, Water: decimal.Zero, Arrears: decimal.Zero}

	rows, err := qs.queryPayments(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE tenant_id = ? AND unit_id = ? AND status = ? AND is_advance = 0
	`, tenantID, unitID, ledger.PaymentCompleted)
	if err != nil {
		return paid, err
	}

	for _, p := range rows {
		paid.Arrears = paid.Arrears.Add(p.ToArrears)
		if p.Month == month {
			paid.Rent = paid.Rent.Add(p.ToRent)
			paid.Water = paid.Water.Add(p.ToWater)
		}
	}
	return paid, nil
}

func (qs queries) advanceCredit(ctx context.Context, tenantID, unitID string, from ledger.Month) (decimal.Decimal, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT amount FROM payments
		WHERE tenant_id = ? AND unit_id = ? AND status = ? AND is_advance = 1 AND month >= ?
	`, tenantID, unitID, ledger.PaymentCompleted, from.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query advance credit: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return decimal.Zero, err
		}
		amount, err := parseDecimal(s)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(amount)
	}
	return total, rows.Err()
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

// SaveAllocation inserts or replaces an allocation by ID. A second active
// allocation for the same tenant+unit returns ledger.ErrDuplicate.
func (s *Store) SaveAllocation(ctx context.Context, a ledger.TenantAllocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveAllocation(ctx, a)
}

// ListAllocations returns every allocation, active or not.
func (s *Store) ListAllocations(ctx context.Context) ([]ledger.TenantAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listAllocations(ctx, false)
}

func (s *Store) ActiveAllocation(ctx context.Context, tenantID, unitID string) (*ledger.TenantAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeAllocation(ctx, tenantID, unitID)
}

func (s *Store) ActiveAllocations(ctx context.Context) ([]ledger.TenantAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listAllocations(ctx, true)
}

func (s *Store) WaterBill(ctx context.Context, tenantID, unitID string, month ledger.Month) (*ledger.WaterBill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.waterBill(ctx, tenantID, unitID, month)
}

func (s *Store) PaidToDate(ctx context.Context, tenantID, unitID string, month ledger.Month) (ledger.PaidToDate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paidToDate(ctx, tenantID, unitID, month)
}

func (s *Store) AdvanceCredit(ctx context.Context, tenantID, unitID string, from ledger.Month) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.advanceCredit(ctx, tenantID, unitID, from)
}

// InsertPayments writes all rows atomically.
func (s *Store) InsertPayments(ctx context.Context, payments []ledger.Payment) error {
	return s.WithTx(ctx, func(tx ledger.Store) error {
		return tx.InsertPayments(ctx, payments)
	})
}

func (s *Store) Payments(ctx context.Context, tenantID, unitID string) ([]ledger.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.payments(ctx, tenantID, unitID)
}

func (s *Store) SetArrearsBalance(ctx context.Context, tenantID, unitID string, balance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setArrearsBalance(ctx, tenantID, unitID, balance)
}

func (s *Store) UpsertWaterBill(ctx context.Context, bill ledger.WaterBill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertWaterBill(ctx, bill)
}

// =============================================================================
// TRANSACTION VIEW
// =============================================================================

func (ts *txStore) ActiveAllocation(ctx context.Context, tenantID, unitID string) (*ledger.TenantAllocation, error) {
	return ts.activeAllocation(ctx, tenantID, unitID)
}

func (ts *txStore) ActiveAllocations(ctx context.Context) ([]ledger.TenantAllocation, error) {
	return ts.listAllocations(ctx, true)
}

func (ts *txStore) WaterBill(ctx context.Context, tenantID, unitID string, month ledger.Month) (*ledger.WaterBill, error) {
	return ts.waterBill(ctx, tenantID, unitID, month)
}

func (ts *txStore) PaidToDate(ctx context.Context, tenantID, unitID string, month ledger.Month) (ledger.PaidToDate, error) {
	return ts.paidToDate(ctx, tenantID, unitID, month)
}

func (ts *txStore) AdvanceCredit(ctx context.Context, tenantID, unitID string, from ledger.Month) (decimal.Decimal, error) {
	return ts.advanceCredit(ctx, tenantID, unitID, from)
}

func (ts *txStore) InsertPayments(ctx context.Context, payments []ledger.Payment) error {
	return ts.insertPayments(ctx, payments)
}

func (ts *txStore) Payments(ctx context.Context, tenantID, unitID string) ([]ledger.Payment, error) {
	return ts.payments(ctx, tenantID, unitID)
}

func (ts *txStore) SetArrearsBalance(ctx context.Context, tenantID, unitID string, balance decimal.Decimal) error {
	return ts.setArrearsBalance(ctx, tenantID, unitID, balance)
}

func (ts *txStore) UpsertWaterBill(ctx context.Context, bill ledger.WaterBill) error {
	return ts.upsertWaterBill(ctx, bill)
}
