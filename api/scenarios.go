/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for testing and demos. Each scenario creates leases, water bills,
	arrears and payments that demonstrate one billing behaviour.

AVAILABLE SCENARIOS:

	single-tenant:      One lease, nothing paid yet
	overpayment:        Rent due; pay more than the bill to see carry-forward
	arrears-waterfall:  Arrears + water + rent, shows allocation order
	advance-covered:    Last month's overpayment covers this month's bill
	flush-failure:      Messages waiting in the queue for a flush
	building:           A small building mixing all of the above

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create leases
 3. Add water bills and arrears
 4. Optionally record payments through the allocator

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "arrears-waterfall"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase
  - billing/allocator.go: RecordPayment
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/rent-billing/billing"
	"github.com/warp/rent-billing/ledger"
	"github.com/warp/rent-billing/notify"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "single-tenant",
		Name:        "Single Tenant",
		Description: "One lease at 10,000 with nothing paid this month",
		Category:    "billing",
	},
	{
		ID:          "overpayment",
		Name:        "Overpayment",
		Description: "Rent of 10,000; record 25,000 to see carry-forward into the next months",
		Category:    "payments",
	},
	{
		ID:          "arrears-waterfall",
		Name:        "Arrears Waterfall",
		Description: "Rent 8,000, water 500 and arrears 2,000; payments clear arrears first",
		Category:    "payments",
	},
	{
		ID:          "advance-covered",
		Name:        "Covered by Advance",
		Description: "22,000 paid last month leaves this month covered; billing skips the tenant",
		Category:    "billing",
	},
	{
		ID:          "flush-failure",
		Name:        "Queued Messages",
		Description: "Three messages waiting for the next flush",
		Category:    "notifications",
	},
	{
		ID:          "building",
		Name:        "Small Building",
		Description: "Five units in different states: paid, partial, arrears, advance, no phone",
		Category:    "billing",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "single-tenant":
		load = h.loadSingleTenantScenario
	case "overpayment":
		load = h.loadOverpaymentScenario
	case "arrears-waterfall":
		load = h.loadArrearsWaterfallScenario
	case "advance-covered":
		load = h.loadAdvanceCoveredScenario
	case "flush-failure":
		load = h.loadQueuedMessagesScenario
	case "building":
		load = h.loadBuildingScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadSingleTenantScenario(ctx context.Context) error {
	return h.Store.SaveAllocation(ctx, h.demoLease("alloc-a", "tenant-a", "A1", "Amina Wanjiru", "0712345678", 10000))
}

func (h *Handler) loadOverpaymentScenario(ctx context.Context) error {
	return h.Store.SaveAllocation(ctx, h.demoLease("alloc-b", "tenant-b", "B1", "Brian Otieno", "0722000111", 10000))
}

func (h *Handler) loadArrearsWaterfallScenario(ctx context.Context) error {
	lease := h.demoLease("alloc-c", "tenant-c", "C1", "Cynthia Muthoni", "0723000222", 8000)
	lease.ArrearsBalance = decimal.NewFromInt(2000)
	if err := h.Store.SaveAllocation(ctx, lease); err != nil {
		return err
	}
	return h.Store.UpsertWaterBill(ctx, ledger.WaterBill{
		ID:       "water-c-" + h.currentMonth().String(),
		TenantID: "tenant-c",
		UnitID:   "C1",
		Month:    h.currentMonth(),
		Amount:   decimal.NewFromInt(500),
		Notes:    "meter reading 1042",
	})
}

func (h *Handler) loadAdvanceCoveredScenario(ctx context.Context) error {
	if err := h.Store.SaveAllocation(ctx, h.demoLease("alloc-d", "tenant-d", "D1", "David Kamau", "0724000333", 10000)); err != nil {
		return err
	}
	return h.demoPayment(ctx, "tenant-d", "D1", 22000, h.currentMonth().Prev())
}

func (h *Handler) loadQueuedMessagesScenario(ctx context.Context) error {
	if err := h.Store.SaveAllocation(ctx, h.demoLease("alloc-e", "tenant-e", "E1", "Esther Njeri", "0725000444", 9000)); err != nil {
		return err
	}
	msgs := []notify.Message{
		{Recipient: "0725000444", Body: "Water will be off on Saturday 9am-1pm for tank cleaning.", Type: notify.TypeGeneral, TenantID: "tenant-e"},
		{Recipient: "+254725000444", Body: "Reminder: rent for this month is due by the 5th.", Type: notify.TypeReminder, TenantID: "tenant-e"},
		{Recipient: "0712345678", Body: "Caretaker contact has changed to 0700 000 000.", Type: notify.TypeGeneral},
	}
	for _, msg := range msgs {
		if _, err := h.Dispatcher.Enqueue(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadBuildingScenario(ctx context.Context) error {
	month := h.currentMonth()

	leases := []ledger.TenantAllocation{
		h.demoLease("alloc-101", "tenant-101", "101", "Faith Achieng", "0711000101", 12000),
		h.demoLease("alloc-102", "tenant-102", "102", "George Mwangi", "0711000102", 12000),
		h.demoLease("alloc-103", "tenant-103", "103", "Halima Hassan", "0711000103", 15000),
		h.demoLease("alloc-104", "tenant-104", "104", "Isaac Kiprono", "0711000104", 15000),
		h.demoLease("alloc-105", "tenant-105", "105", "Joy Chebet", "", 9000),
	}
	leases[2].ArrearsBalance = decimal.NewFromInt(4500)
	for _, l := range leases {
		if err := h.Store.SaveAllocation(ctx, l); err != nil {
			return err
		}
		if err := h.Store.UpsertWaterBill(ctx, ledger.WaterBill{
			ID:       fmt.Sprintf("water-%s-%s", l.UnitID, month),
			TenantID: l.TenantID,
			UnitID:   l.UnitID,
			Month:    month,
			Amount:   decimal.NewFromInt(350),
		}); err != nil {
			return err
		}
	}

	// 101 fully paid, 102 part paid, 104 paid ahead last month
	if err := h.demoPayment(ctx, "tenant-101", "101", 12350, month); err != nil {
		return err
	}
	if err := h.demoPayment(ctx, "tenant-102", "102", 5000, month); err != nil {
		return err
	}
	return h.demoPayment(ctx, "tenant-104", "104", 45000, month.Prev())
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) demoLease(id, tenantID, unitID, name, phone string, rent int64) ledger.TenantAllocation {
	start := h.currentMonth().AddMonths(-6).Start()
	return ledger.TenantAllocation{
		ID:             id,
		TenantID:       tenantID,
		UnitID:         unitID,
		TenantName:     name,
		Phone:          phone,
		UnitName:       "Unit " + unitID,
		MonthlyRent:    decimal.NewFromInt(rent),
		ArrearsBalance: decimal.Zero,
		LeaseStart:     start,
		Active:         true,
	}
}

// demoPayment records through the allocator so carry-forward rows are
// written exactly as a real payment would write them.
func (h *Handler) demoPayment(ctx context.Context, tenantID, unitID string, amount int64, month ledger.Month) error {
	_, err := h.Allocator.RecordPayment(ctx, billing.PaymentRequest{
		TenantID:   tenantID,
		UnitID:     unitID,
		Amount:     decimal.NewFromInt(amount),
		Month:      month,
		ReceiptRef: fmt.Sprintf("DEMO%s%s", month.Start().Format("0601"), unitID),
		Method:     "mpesa",
		PaidAt:     month.Start().Add(36 * time.Hour),
	})
	return err
}
