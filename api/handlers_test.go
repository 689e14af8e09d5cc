/*
handlers_test.go - HTTP tests for API handlers

Tests for:
- Allocation create and bill lookup
- Payment recording (waterfall, carry-forward, validation)
- Notification queue endpoints
- Billing runs and scheduler control
- Settings and scenarios
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rent-billing/billing"
	"github.com/warp/rent-billing/ledger"
	"github.com/warp/rent-billing/notify"
	"github.com/warp/rent-billing/scheduler"
	"github.com/warp/rent-billing/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type testServer struct {
	h      *Handler
	router http.Handler
	store  *sqlite.Store

	mu      sync.Mutex
	sent    []string
	sendErr error
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger, _ := test.NewNullLogger()
	ts := &testServer{store: store}

	sender := notify.SenderFunc(func(_ context.Context, recipient, _ string) (string, error) {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		if ts.sendErr != nil {
			return "", ts.sendErr
		}
		ts.sent = append(ts.sent, recipient)
		return "msg-" + recipient, nil
	})

	dispatcher := notify.NewDispatcher(store, sender, logger, notify.Config{MaxAttempts: 2})
	allocator := billing.NewAllocator(store, dispatcher, store, logger)
	generator := billing.NewGenerator(billing.GeneratorOptions{
		Reader:   store,
		Runs:     store,
		Settings: store,
		Notifier: dispatcher,
		Guard:    &billing.MemoryGuard{},
		Logger:   logger,
	})
	sched := scheduler.New(scheduler.Options{
		Generator: generator,
		Flusher:   dispatcher,
		Settings:  store,
		Runs:      store,
		Logger:    logger,
	})
	t.Cleanup(sched.Stop)

	ts.h = NewHandler(HandlerOptions{
		Store:      store,
		Allocator:  allocator,
		Dispatcher: dispatcher,
		Scheduler:  sched,
		Logger:     logger,
	})
	ts.h.now = func() time.Time { return testNow }
	ts.router = NewRouter(ts.h, nil)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, path, nil)
	} else {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		req = httptest.NewRequest(method, path, bytes.NewReader(buf))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (ts *testServer) createLease(t *testing.T, tenantID, unitID, phone, rent, arrears string) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/allocations", CreateAllocationRequest{
		TenantID:       tenantID,
		UnitID:         unitID,
		TenantName:     "Tenant " + tenantID,
		Phone:          phone,
		MonthlyRent:    rent,
		ArrearsBalance: arrears,
		LeaseStart:     "2024-01-01",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func assertDec(t *testing.T, want string, got decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "%s: want %s, got %s", msg, want, got)
}

// =============================================================================
// ALLOCATIONS AND BILLS
// =============================================================================

func TestAPI_CreateAllocationAndGetBill(t *testing.T) {
	// GIVEN: A lease at 10,000 with 1,500 arrears
	ts := newTestServer(t)
	ts.createLease(t, "t1", "u1", "0712345678", "10000", "1500")

	// WHEN: Reading the bill without a month
	rec := ts.do(t, http.MethodGet, "/api/tenants/t1/units/u1/bill", nil)

	// THEN: The current month is billed for rent plus arrears
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	bill := decodeBody[BillDTO](t, rec)
	assert.Equal(t, "2025-03", bill.Month)
	assertDec(t, "10000", bill.RentDue, "rent due")
	assertDec(t, "1500", bill.ArrearsDue, "arrears due")
	assertDec(t, "11500", bill.TotalDue, "total due")
	assert.False(t, bill.CoveredByAdvance)

	list := decodeBody[[]AllocationDTO](t, ts.do(t, http.MethodGet, "/api/allocations", nil))
	require.Len(t, list, 1)
	assert.Equal(t, "2024-01-01", list[0].LeaseStart)
	assert.True(t, list[0].Active)
}

func TestAPI_GetBill_UnknownTenant(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/tenants/ghost/units/u1/bill?month=2025-03", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/tenants/ghost/units/u1/bill?month=March", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_CreateAllocation_Validation(t *testing.T) {
	ts := newTestServer(t)

	// WHEN: Required fields are missing and rent is not a number
	rec := ts.do(t, http.MethodPost, "/api/allocations", map[string]string{
		"tenant_id":    "t1",
		"monthly_rent": "lots",
	})

	// THEN: Each bad field is reported
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[struct {
		Error   string            `json:"error"`
		Details map[string]string `json:"details"`
	}](t, rec)
	assert.Equal(t, "Validation failed", resp.Error)
	assert.Equal(t, "required", resp.Details["unit_id"])
	assert.Equal(t, "required", resp.Details["tenant_name"])
	assert.Equal(t, "numeric", resp.Details["monthly_rent"])
}

func TestAPI_SetArrearsClampsNegative(t *testing.T) {
	ts := newTestServer(t)
	ts.createLease(t, "t1", "u1", "0712345678", "10000", "3000")

	rec := ts.do(t, http.MethodPut, "/api/tenants/t1/units/u1/arrears", SetArrearsRequest{Balance: "-200"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeBody[AllocationDTO](t, rec).ArrearsBalance.IsZero())

	rec = ts.do(t, http.MethodPut, "/api/tenants/nobody/units/u1/arrears", SetArrearsRequest{Balance: "100"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestAPI_RecordPayment_Waterfall(t *testing.T) {
	// GIVEN: Rent 8,000, water 500, arrears 2,000
	ts := newTestServer(t)
	ts.createLease(t, "t1", "u1", "0712345678", "8000", "2000")
	rec := ts.do(t, http.MethodPut, "/api/water-bills", WaterBillRequest{
		TenantID: "t1", UnitID: "u1", Month: "2025-03", Amount: "500",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// WHEN: 3,000 is paid
	rec = ts.do(t, http.MethodPost, "/api/payments", RecordPaymentRequest{
		TenantID: "t1", UnitID: "u1", Amount: "3000", ReceiptRef: "QX12",
	})

	// THEN: Arrears first, then water, then rent
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeBody[PaymentResultDTO](t, rec)
	assertDec(t, "2000", res.Allocation.ToArrears, "to arrears")
	assertDec(t, "500", res.Allocation.ToWater, "to water")
	assertDec(t, "500", res.Allocation.ToRent, "to rent")
	assert.True(t, res.Allocation.ToAdvance.IsZero())
	assert.Empty(t, res.CarryForward)
	assert.Equal(t, "2025-03", res.Payment.Month)
	assert.NotEmpty(t, res.ConfirmationID, "confirmation queued")

	// AND: The bill reflects the payment
	bill := decodeBody[BillDTO](t, ts.do(t, http.MethodGet, "/api/tenants/t1/units/u1/bill?month=2025-03", nil))
	assertDec(t, "7500", bill.TotalDue, "remaining due")
	assert.True(t, bill.ArrearsDue.IsZero())
}

func TestAPI_RecordPayment_CarryForward(t *testing.T) {
	ts := newTestServer(t)
	ts.createLease(t, "t1", "u1", "0712345678", "10000", "0")

	// WHEN: 25,000 is paid against a 10,000 bill
	rec := ts.do(t, http.MethodPost, "/api/payments", RecordPaymentRequest{
		TenantID: "t1", UnitID: "u1", Amount: "25000", Month: "2025-03",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeBody[PaymentResultDTO](t, rec)

	// THEN: 15,000 advance spread over April and May
	assertDec(t, "15000", res.Allocation.ToAdvance, "advance")
	require.Len(t, res.CarryForward, 2)
	assert.Equal(t, "2025-04", res.CarryForward[0].Month)
	assertDec(t, "10000", res.CarryForward[0].Amount, "april carry")
	assert.Equal(t, "2025-05", res.CarryForward[1].Month)
	assertDec(t, "5000", res.CarryForward[1].Amount, "may carry")
	for _, p := range res.CarryForward {
		assert.True(t, p.IsAdvance)
		assert.Equal(t, res.Payment.ID, p.OriginalPaymentID)
	}

	// AND: April is covered by advance
	bill := decodeBody[BillDTO](t, ts.do(t, http.MethodGet, "/api/tenants/t1/units/u1/bill?month=2025-04", nil))
	assert.True(t, bill.CoveredByAdvance)

	payments := decodeBody[[]PaymentDTO](t, ts.do(t, http.MethodGet, "/api/tenants/t1/units/u1/payments", nil))
	assert.Len(t, payments, 3)

	// AND: Only the primary row counts as money received
	received := decimal.Zero
	for _, p := range payments {
		assert.Equal(t, p.OriginalPaymentID == "", p.Received, p.ID)
		if p.Received {
			received = received.Add(p.Amount)
		}
	}
	assertDec(t, "25000", received, "money received")

	rows, err := ts.store.Payments(context.Background(), "t1", "u1")
	require.NoError(t, err)
	assertDec(t, "25000", ledger.ReceivedTotal(rows), "ledger total")
}

func TestAPI_RecordPayment_Rejected(t *testing.T) {
	ts := newTestServer(t)
	ts.createLease(t, "t1", "u1", "0712345678", "10000", "0")

	tests := []struct {
		name   string
		req    RecordPaymentRequest
		status int
	}{
		{"zero amount", RecordPaymentRequest{TenantID: "t1", UnitID: "u1", Amount: "0"}, http.StatusBadRequest},
		{"negative amount", RecordPaymentRequest{TenantID: "t1", UnitID: "u1", Amount: "-50"}, http.StatusBadRequest},
		{"not a number", RecordPaymentRequest{TenantID: "t1", UnitID: "u1", Amount: "ten"}, http.StatusBadRequest},
		{"bad month", RecordPaymentRequest{TenantID: "t1", UnitID: "u1", Amount: "10", Month: "03-2025"}, http.StatusBadRequest},
		{"no lease", RecordPaymentRequest{TenantID: "t2", UnitID: "u1", Amount: "10"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/payments", tt.req)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	payments := decodeBody[[]PaymentDTO](t, ts.do(t, http.MethodGet, "/api/tenants/t1/units/u1/payments", nil))
	assert.Empty(t, payments, "rejected payments write nothing")
}

func TestAPI_PreviewPayment_WritesNothing(t *testing.T) {
	ts := newTestServer(t)
	ts.createLease(t, "t1", "u1", "0712345678", "10000", "0")

	rec := ts.do(t, http.MethodPost, "/api/payments/preview", RecordPaymentRequest{
		TenantID: "t1", UnitID: "u1", Amount: "12000",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	preview := decodeBody[PreviewDTO](t, rec)
	assertDec(t, "10000", preview.Allocation.ToRent, "to rent")
	assertDec(t, "2000", preview.Allocation.ToAdvance, "to advance")

	payments := decodeBody[[]PaymentDTO](t, ts.do(t, http.MethodGet, "/api/tenants/t1/units/u1/payments", nil))
	assert.Empty(t, payments)
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func TestAPI_Notifications_SendFlushList(t *testing.T) {
	ts := newTestServer(t)

	// WHEN: An invalid and a valid message are queued
	rec := ts.do(t, http.MethodPost, "/api/notifications", SendNotificationRequest{Recipient: "12", Body: "hi"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/notifications", SendNotificationRequest{
		Recipient: "0712345678", Body: "Water off on Saturday", Type: "general",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// THEN: Flush delivers it once, in E.164 form
	rec = ts.do(t, http.MethodPost, "/api/notifications/flush", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[notify.FlushResult](t, rec)
	assert.Equal(t, notify.FlushResult{Claimed: 1, Sent: 1}, res)
	assert.Equal(t, []string{"+254712345678"}, ts.sent)

	items := decodeBody[[]QueueItemDTO](t, ts.do(t, http.MethodGet, "/api/notifications?status=sent", nil))
	require.Len(t, items, 1)
	assert.Equal(t, "msg-+254712345678", items[0].ProviderMessageID)
	assert.Equal(t, 1, items[0].Attempts)

	rec = ts.do(t, http.MethodGet, "/api/notifications?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_Notifications_RetryFailed(t *testing.T) {
	// GIVEN: A gateway that is down
	ts := newTestServer(t)
	ts.sendErr = errors.New("gateway unavailable")
	rec := ts.do(t, http.MethodPost, "/api/notifications", SendNotificationRequest{Recipient: "0712345678", Body: "hello"})
	require.Equal(t, http.StatusCreated, rec.Code)

	// WHEN: Flushed until the attempt cap
	res := decodeBody[notify.FlushResult](t, ts.do(t, http.MethodPost, "/api/notifications/flush", nil))
	assert.Equal(t, 1, res.Failed)

	items := decodeBody[[]QueueItemDTO](t, ts.do(t, http.MethodGet, "/api/notifications?status=failed", nil))
	require.Len(t, items, 1)
	assert.Contains(t, items[0].Error, "gateway unavailable")

	// THEN: retry-failed puts it back to pending
	rec = ts.do(t, http.MethodPost, "/api/notifications/retry-failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[map[string]int](t, rec)["requeued"])

	items = decodeBody[[]QueueItemDTO](t, ts.do(t, http.MethodGet, "/api/notifications?status=pending", nil))
	require.Len(t, items, 1)
	assert.Equal(t, 0, items[0].Attempts)
}

// =============================================================================
// BILLING RUNS AND SCHEDULER
// =============================================================================

func TestAPI_BillingRun_BuildingScenario(t *testing.T) {
	// GIVEN: The building scenario for March 2025
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "building"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// WHEN: Billing runs for March
	rec = ts.do(t, http.MethodPost, "/api/billing/runs", TriggerRunRequest{Month: "2025-03"})

	// THEN: Partial and arrears units are billed; the rest are explained
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decodeBody[billing.Result](t, rec)
	assert.Equal(t, 5, result.TotalTenants)
	assert.Equal(t, 2, result.BillsGenerated)

	reasons := map[string]string{}
	for _, e := range result.Skipped {
		reasons[e.UnitID] = e.Reason
	}
	assert.Equal(t, billing.ReasonNothingDue, reasons["101"])
	assert.Equal(t, billing.ReasonCoveredByAdvance, reasons["104"])
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "105", result.Failed[0].UnitID)

	// AND: A second run bills nobody again
	again := decodeBody[billing.Result](t, ts.do(t, http.MethodPost, "/api/billing/runs", TriggerRunRequest{Month: "2025-03"}))
	assert.Equal(t, 0, again.BillsGenerated)

	runs := decodeBody[[]BillingRunDTO](t, ts.do(t, http.MethodGet, "/api/billing/runs", nil))
	require.Len(t, runs, 2)
	assert.Equal(t, "completed", runs[0].Status)
	assert.Equal(t, "manual", runs[0].Trigger)
}

func TestAPI_SchedulerLifecycle(t *testing.T) {
	ts := newTestServer(t)

	st := decodeBody[scheduler.Status](t, ts.do(t, http.MethodGet, "/api/scheduler", nil))
	assert.False(t, st.Running)
	assert.Equal(t, 1, st.BillingDay, "default billing day")

	st = decodeBody[scheduler.Status](t, ts.do(t, http.MethodPost, "/api/scheduler/start", nil))
	assert.True(t, st.Running)
	assert.NotNil(t, st.NextBillingRun)
	assert.NotNil(t, st.NextFlush)

	st = decodeBody[scheduler.Status](t, ts.do(t, http.MethodPost, "/api/scheduler/stop", nil))
	assert.False(t, st.Running)
}

// =============================================================================
// SETTINGS AND SCENARIOS
// =============================================================================

func TestAPI_Settings(t *testing.T) {
	ts := newTestServer(t)

	// GIVEN: Nothing configured
	dto := decodeBody[SettingsDTO](t, ts.do(t, http.MethodGet, "/api/settings", nil))
	assert.Equal(t, 1, dto.Effective.BillingDay)
	assert.Contains(t, dto.Missing, "paybill")

	// WHEN: Settings are saved
	rec := ts.do(t, http.MethodPut, "/api/settings", SettingsRequest{BillingDay: 5, Paybill: "247247", CompanyName: "Acme Homes"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: They are effective and nothing is missing
	dto = decodeBody[SettingsDTO](t, ts.do(t, http.MethodGet, "/api/settings", nil))
	assert.Equal(t, 5, dto.Effective.BillingDay)
	assert.Equal(t, "247247", dto.Effective.Paybill)
	assert.Empty(t, dto.Missing)

	rec = ts.do(t, http.MethodPut, "/api/settings", SettingsRequest{BillingDay: 31})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_Scenarios(t *testing.T) {
	ts := newTestServer(t)

	list := decodeBody[[]ScenarioDTO](t, ts.do(t, http.MethodGet, "/api/scenarios", nil))
	assert.Len(t, list, len(scenarios))

	rec := ts.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Every scenario loads on a fresh database
	for _, s := range scenarios {
		t.Run(s.ID, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: s.ID})
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			current := decodeBody[ScenarioDTO](t, ts.do(t, http.MethodGet, "/api/scenarios/current", nil))
			assert.Equal(t, s.ID, current.ID)
		})
	}
}

func TestAPI_AdvanceCoveredScenario(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "advance-covered"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	bill := decodeBody[BillDTO](t, ts.do(t, http.MethodGet, "/api/tenants/tenant-d/units/D1/bill", nil))
	assert.True(t, bill.CoveredByAdvance)
	assertDec(t, "12000", bill.AdvanceCredit, "advance credit")
}

func TestAPI_ResetDatabase(t *testing.T) {
	ts := newTestServer(t)
	ts.createLease(t, "t1", "u1", "0712345678", "10000", "0")

	rec := ts.do(t, http.MethodPost, "/api/scenarios/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	list := decodeBody[[]AllocationDTO](t, ts.do(t, http.MethodGet, "/api/allocations", nil))
	assert.Empty(t, list)

	_, err := ts.store.ActiveAllocation(context.Background(), "t1", "u1")
	assert.True(t, ledger.IsNotFound(err))
}

func TestAPI_Health(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
