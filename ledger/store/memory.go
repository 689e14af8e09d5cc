// Package store provides in-memory ledger.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/warp/rent-billing/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	allocations []ledger.TenantAllocation
	waterBills  map[waterKey]ledger.WaterBill
	payments    []ledger.Payment
	runs        []ledger.BillingRun
	settings    ledger.Settings
}

type waterKey struct {
	TenantID string
	UnitID   string
	Month    ledger.Month
}

func NewMemory() *Memory {
	return &Memory{
		waterBills: make(map[waterKey]ledger.WaterBill),
	}
}

// SaveAllocation inserts or replaces an allocation by ID. A second active
// allocation for the same tenant+unit is rejected.
func (m *Memory) SaveAllocation(_ context.Context, a ledger.TenantAllocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.allocations {
		if existing.ID == a.ID {
			m.allocations[i] = a
			return nil
		}
		if a.Active && existing.Active && existing.TenantID == a.TenantID && existing.UnitID == a.UnitID {
			return ledger.ErrDuplicate
		}
	}
	m.allocations = append(m.allocations, a)
	return nil
}

// ActiveAllocation returns the active lease for tenant+unit.
func (m *Memory) ActiveAllocation(_ context.Context, tenantID, unitID string) (*ledger.TenantAllocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeAllocationLocked(tenantID, unitID)
}

func (m *Memory) activeAllocationLocked(tenantID, unitID string) (*ledger.TenantAllocation, error) {
	for _, a := range m.allocations {
		if a.Active && a.TenantID == tenantID && a.UnitID == unitID {
			found := a
			return &found, nil
		}
	}
	return nil, &ledger.NoActiveAllocationError{TenantID: tenantID, UnitID: unitID}
}

func (m *Memory) ActiveAllocations(_ context.Context) ([]ledger.TenantAllocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeAllocationsLocked(), nil
}

func (m *Memory) activeAllocationsLocked() []ledger.TenantAllocation {
	var result []ledger.TenantAllocation
	for _, a := range m.allocations {
		if a.Active {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].TenantID != result[j].TenantID {
			return result[i].TenantID < result[j].TenantID
		}
		return result[i].UnitID < result[j].UnitID
	})
	return result
}

func (m *Memory) WaterBill(_ context.Context, tenantID, unitID string, month ledger.Month) (*ledger.WaterBill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.waterBillLocked(tenantID, unitID, month), nil
}

func (m *Memory) waterBillLocked(tenantID, unitID string, month ledger.Month) *ledger.WaterBill {
	bill, ok := m.waterBills[waterKey{TenantID: tenantID, UnitID: unitID, Month: month}]
	if !ok {
		return nil
	}
	return &bill
}

func (m *Memory) PaidToDate(_ context.Context, tenantID, unitID string, month ledger.Month) (ledger.PaidToDate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paidToDateLocked(tenantID, unitID, month), nil
}

func (m *Memory) paidToDateLocked(tenantID, unitID string, month ledger.Month) ledger.PaidToDate {
	paid := ledger.PaidToDate{Rent: decimal.Zero, Water: decimal.Zero, Arrears: decimal.Zero}
	for _, p := range m.payments {
		if p.TenantID != tenantID || p.UnitID != unitID {
			continue
		}
		if p.Status != ledger.PaymentCompleted || p.IsAdvance {
			continue
		}
		paid.Arrears = paid.Arrears.Add(p.ToArrears)
		if p.Month == month {
			paid.Rent = paid.Rent.Add(p.ToRent)
			paid.Water = paid.Water.Add(p.ToWater)
		}
	}
	return paid
}

func (m *Memory) AdvanceCredit(_ context.Context, tenantID, unitID string, from ledger.Month) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.advanceCreditLocked(tenantID, unitID, from), nil
}

func (m *Memory) advanceCreditLocked(tenantID, unitID string, from ledger.Month) decimal.Decimal {
	total := decimal.Zero
	for _, p := range m.payments {
		if p.TenantID != tenantID || p.UnitID != unitID {
			continue
		}
		if p.Status == ledger.PaymentCompleted && p.IsAdvance && !p.Month.Before(from) {
			total = total.Add(p.Amount)
		}
	}
	return total
}

// InsertPayments appends payment rows. Duplicate IDs are rejected before
// anything is written.
func (m *Memory) InsertPayments(_ context.Context, payments []ledger.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertPaymentsLocked(payments)
}

func (m *Memory) insertPaymentsLocked(payments []ledger.Payment) error {
	seen := make(map[string]bool, len(m.payments))
	for _, p := range m.payments {
		seen[p.ID] = true
	}
	for _, p := range payments {
		if seen[p.ID] {
			return ledger.ErrDuplicate
		}
		seen[p.ID] = true
	}
	m.payments = append(m.payments, payments...)
	return nil
}

func (m *Memory) Payments(_ context.Context, tenantID, unitID string) ([]ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paymentsLocked(tenantID, unitID), nil
}

func (m *Memory) paymentsLocked(tenantID, unitID string) []ledger.Payment {
	var result []ledger.Payment
	for _, p := range m.payments {
		if p.TenantID == tenantID && p.UnitID == unitID {
			result = append(result, p)
		}
	}
	return result
}

func (m *Memory) SetArrearsBalance(_ context.Context, tenantID, unitID string, balance decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setArrearsLocked(tenantID, unitID, balance)
}

func (m *Memory) setArrearsLocked(tenantID, unitID string, balance decimal.Decimal) error {
	for i, a := range m.allocations {
		if a.Active && a.TenantID == tenantID && a.UnitID == unitID {
			m.allocations[i].ArrearsBalance = balance
			return nil
		}
	}
	return &ledger.NoActiveAllocationError{TenantID: tenantID, UnitID: unitID}
}

func (m *Memory) UpsertWaterBill(_ context.Context, bill ledger.WaterBill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waterBills[waterKey{TenantID: bill.TenantID, UnitID: bill.UnitID, Month: bill.Month}] = bill
	return nil
}

// =============================================================================
// RUNS AND SETTINGS
// =============================================================================

func (m *Memory) SaveBillingRun(_ context.Context, run ledger.BillingRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

// ListBillingRuns returns runs newest first.
func (m *Memory) ListBillingRuns(_ context.Context, limit int) ([]ledger.BillingRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.BillingRun
	for i := len(m.runs) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		result = append(result, m.runs[i])
	}
	return result, nil
}

func (m *Memory) LastBillingRun(_ context.Context) (*ledger.BillingRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.runs) - 1; i >= 0; i-- {
		if m.runs[i].Status == ledger.RunCompleted {
			run := m.runs[i]
			return &run, nil
		}
	}
	return nil, nil
}

func (m *Memory) Settings(_ context.Context) (ledger.Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings, nil
}

func (m *Memory) SaveSettings(_ context.Context, s ledger.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = s
	return nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()

	if err := fn(&txMemoryView{parent: tm.Memory}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	allocations []ledger.TenantAllocation
	waterBills  map[waterKey]ledger.WaterBill
	payments    []ledger.Payment
}

func (tm *TxMemory) snapshot() memorySnapshot {
	bills := make(map[waterKey]ledger.WaterBill, len(tm.waterBills))
	for k, v := range tm.waterBills {
		bills[k] = v
	}
	return memorySnapshot{
		allocations: append([]ledger.TenantAllocation{}, tm.allocations...),
		waterBills:  bills,
		payments:    append([]ledger.Payment{}, tm.payments...),
	}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.allocations = s.allocations
	tm.waterBills = s.waterBills
	tm.payments = s.payments
}

// txMemoryView runs with the parent lock already held.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) ActiveAllocation(_ context.Context, tenantID, unitID string) (*ledger.TenantAllocation, error) {
	return tv.parent.activeAllocationLocked(tenantID, unitID)
}

func (tv *txMemoryView) ActiveAllocations(_ context.Context) ([]ledger.TenantAllocation, error) {
	return tv.parent.activeAllocationsLocked(), nil
}

func (tv *txMemoryView) WaterBill(_ context.Context, tenantID, unitID string, month ledger.Month) (*ledger.WaterBill, error) {
	return tv.parent.waterBillLocked(tenantID, unitID, month), nil
}

func (tv *txMemoryView) PaidToDate(_ context.Context, tenantID, unitID string, month ledger.Month) (ledger.PaidToDate, error) {
	return tv.parent.paidToDateLocked(tenantID, unitID, month), nil
}

func (tv *txMemoryView) AdvanceCredit(_ context.Context, tenantID, unitID string, from ledger.Month) (decimal.Decimal, error) {
	return tv.parent.advanceCreditLocked(tenantID, unitID, from), nil
}

func (tv *txMemoryView) InsertPayments(_ context.Context, payments []ledger.Payment) error {
	return tv.parent.insertPaymentsLocked(payments)
}

func (tv *txMemoryView) Payments(_ context.Context, tenantID, unitID string) ([]ledger.Payment, error) {
	return tv.parent.paymentsLocked(tenantID, unitID), nil
}

func (tv *txMemoryView) SetArrearsBalance(_ context.Context, tenantID, unitID string, balance decimal.Decimal) error {
	return tv.parent.setArrearsLocked(tenantID, unitID, balance)
}

func (tv *txMemoryView) UpsertWaterBill(_ context.Context, bill ledger.WaterBill) error {
	tv.parent.waterBills[waterKey{TenantID: bill.TenantID, UnitID: bill.UnitID, Month: bill.Month}] = bill
	return nil
}
