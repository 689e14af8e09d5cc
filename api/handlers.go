/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes the billing engine via REST API. Handles HTTP request/response,
  JSON serialization, validation, and delegates to the billing, notify
  and scheduler packages.

ENDPOINTS:
  Allocations:
    GET    /api/allocations                                   List leases
    POST   /api/allocations                                   Create/replace lease
    GET    /api/tenants/{tenantID}/units/{unitID}/bill        Bill breakdown (?month=)
    PUT    /api/tenants/{tenantID}/units/{unitID}/arrears     Overwrite arrears
    GET    /api/tenants/{tenantID}/units/{unitID}/payments    Payment history
    PUT    /api/water-bills                                   Upsert water charge

  Payments:
    POST   /api/payments            Record a payment (waterfall + carry-forward)
    POST   /api/payments/preview    Allocation without writing

  Notifications:
    POST   /api/notifications               Queue an ad-hoc message
    GET    /api/notifications               List queue (?status=&type=&limit=)
    POST   /api/notifications/flush         Flush one batch now
    POST   /api/notifications/retry-failed  Re-queue failed items

  Billing:
    POST   /api/billing/runs        Manual billing run ({month})
    GET    /api/billing/runs        Run history (?limit=)

  Scheduler:
    GET    /api/scheduler           Status
    POST   /api/scheduler/start|stop|restart|trigger

  Settings:
    GET    /api/settings
    PUT    /api/settings

  Scenarios:
    GET    /api/scenarios           List demo scenarios
    POST   /api/scenarios/load      Load a demo scenario

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: No active allocation, unknown resource
  - 409: Duplicate, billing run already in progress
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. Deploy behind the management
  network only.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/rent-billing/billing"
	"github.com/warp/rent-billing/ledger"
	"github.com/warp/rent-billing/notify"
	"github.com/warp/rent-billing/scheduler"
	"github.com/warp/rent-billing/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// HandlerOptions wires a Handler.
type HandlerOptions struct {
	Store      *sqlite.Store
	Allocator  *billing.Allocator
	Dispatcher *notify.Dispatcher
	Scheduler  *scheduler.Scheduler
	Logger     *logrus.Logger
	Location   *time.Location // for "current month"; defaults to UTC
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      *sqlite.Store
	Calculator *billing.Calculator
	Allocator  *billing.Allocator
	Dispatcher *notify.Dispatcher
	Scheduler  *scheduler.Scheduler
	Logger     *logrus.Logger
	Location   *time.Location

	validate *validator.Validate
	now      func() time.Time

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

func NewHandler(opts HandlerOptions) *Handler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Handler{
		Store:      opts.Store,
		Calculator: billing.NewCalculator(opts.Store),
		Allocator:  opts.Allocator,
		Dispatcher: opts.Dispatcher,
		Scheduler:  opts.Scheduler,
		Logger:     opts.Logger,
		Location:   opts.Location,
		validate:   newValidator(),
		now:        time.Now,
	}
}

func (h *Handler) currentMonth() ledger.Month {
	return ledger.MonthOf(h.now().In(h.Location))
}

// Health reports whether the database is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// ALLOCATION HANDLERS
// =============================================================================

// ListAllocations returns every lease, active or not.
func (h *Handler) ListAllocations(w http.ResponseWriter, r *http.Request) {
	allocs, err := h.Store.ListAllocations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list allocations", err)
		return
	}

	dtos := make([]AllocationDTO, len(allocs))
	for i, a := range allocs {
		dtos[i] = toAllocationDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateAllocation creates or replaces a lease.
func (h *Handler) CreateAllocation(w http.ResponseWriter, r *http.Request) {
	var req CreateAllocationRequest
	if !h.decode(w, r, &req) {
		return
	}

	alloc := ledger.TenantAllocation{
		ID:             req.ID,
		TenantID:       req.TenantID,
		UnitID:         req.UnitID,
		TenantName:     req.TenantName,
		Phone:          req.Phone,
		UnitName:       req.UnitName,
		MonthlyRent:    decimal.RequireFromString(req.MonthlyRent),
		ArrearsBalance: decimal.Zero,
		LeaseStart:     h.now().UTC().Truncate(24 * time.Hour),
		Active:         !req.Inactive,
	}
	if alloc.ID == "" {
		alloc.ID = uuid.NewString()
	}
	if alloc.UnitName == "" {
		alloc.UnitName = alloc.UnitID
	}
	if alloc.MonthlyRent.IsNegative() {
		writeError(w, http.StatusBadRequest, "Monthly rent cannot be negative", nil)
		return
	}
	if req.ArrearsBalance != "" {
		alloc.ArrearsBalance = decimal.Max(decimal.Zero, decimal.RequireFromString(req.ArrearsBalance))
	}
	if req.LeaseStart != "" {
		alloc.LeaseStart, _ = time.Parse("2006-01-02", req.LeaseStart)
	}
	if req.LeaseEnd != "" {
		end, _ := time.Parse("2006-01-02", req.LeaseEnd)
		alloc.LeaseEnd = &end
	}

	if err := h.Store.SaveAllocation(r.Context(), alloc); err != nil {
		writeDomainError(w, "Failed to save allocation", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAllocationDTO(alloc))
}

// GetBill returns the bill breakdown for one tenant and month.
func (h *Handler) GetBill(w http.ResponseWriter, r *http.Request) {
	month, ok := h.monthParam(w, r)
	if !ok {
		return
	}

	b, err := h.Calculator.Calculate(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "unitID"), month)
	if err != nil {
		writeDomainError(w, "Failed to calculate bill", err)
		return
	}
	writeJSON(w, http.StatusOK, toBillDTO(b))
}

// SetArrears overwrites the carried arrears on the active lease.
func (h *Handler) SetArrears(w http.ResponseWriter, r *http.Request) {
	var req SetArrearsRequest
	if !h.decode(w, r, &req) {
		return
	}

	tenantID, unitID := chi.URLParam(r, "tenantID"), chi.URLParam(r, "unitID")
	balance := decimal.Max(decimal.Zero, decimal.RequireFromString(req.Balance))
	if err := h.Store.SetArrearsBalance(r.Context(), tenantID, unitID, balance); err != nil {
		writeDomainError(w, "Failed to update arrears", err)
		return
	}

	alloc, err := h.Store.ActiveAllocation(r.Context(), tenantID, unitID)
	if err != nil {
		writeDomainError(w, "Failed to load allocation", err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTO(*alloc))
}

// ListPayments returns every payment row for tenant+unit, oldest first.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.Store.Payments(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "unitID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list payments", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTOs(payments))
}

// UpsertWaterBill records the water charge for a month.
func (h *Handler) UpsertWaterBill(w http.ResponseWriter, r *http.Request) {
	var req WaterBillRequest
	if !h.decode(w, r, &req) {
		return
	}

	month, _ := ledger.ParseMonth(req.Month)
	amount := decimal.RequireFromString(req.Amount)
	if amount.IsNegative() {
		writeError(w, http.StatusBadRequest, "Water amount cannot be negative", nil)
		return
	}

	bill := ledger.WaterBill{
		ID:       uuid.NewString(),
		TenantID: req.TenantID,
		UnitID:   req.UnitID,
		Month:    month,
		Amount:   amount,
		Notes:    req.Notes,
	}
	if err := h.Store.UpsertWaterBill(r.Context(), bill); err != nil {
		writeDomainError(w, "Failed to save water bill", err)
		return
	}

	saved, err := h.Store.WaterBill(r.Context(), req.TenantID, req.UnitID, month)
	if err != nil || saved == nil {
		writeError(w, http.StatusInternalServerError, "Failed to load water bill", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        saved.ID,
		"tenant_id": saved.TenantID,
		"unit_id":   saved.UnitID,
		"month":     saved.Month.String(),
		"amount":    saved.Amount,
		"notes":     saved.Notes,
	})
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// RecordPayment allocates and stores a payment.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	req, ok := h.paymentRequest(w, r)
	if !ok {
		return
	}

	result, err := h.Allocator.RecordPayment(r.Context(), req)
	if err != nil {
		writeDomainError(w, "Failed to record payment", err)
		return
	}

	writeJSON(w, http.StatusCreated, PaymentResultDTO{
		Payment:        toPaymentDTO(result.Payment),
		CarryForward:   toPaymentDTOs(result.CarryForward),
		Allocation:     result.Allocation,
		Bill:           toBillDTO(result.Breakdown),
		ConfirmationID: result.ConfirmationID,
	})
}

// PreviewPayment shows how a payment would be split without storing it.
func (h *Handler) PreviewPayment(w http.ResponseWriter, r *http.Request) {
	req, ok := h.paymentRequest(w, r)
	if !ok {
		return
	}

	alloc, b, err := h.Allocator.Preview(r.Context(), req)
	if err != nil {
		writeDomainError(w, "Failed to preview payment", err)
		return
	}
	writeJSON(w, http.StatusOK, PreviewDTO{Allocation: alloc, Bill: toBillDTO(b)})
}

func (h *Handler) paymentRequest(w http.ResponseWriter, r *http.Request) (billing.PaymentRequest, bool) {
	var body RecordPaymentRequest
	if !h.decode(w, r, &body) {
		return billing.PaymentRequest{}, false
	}

	req := billing.PaymentRequest{
		TenantID:   body.TenantID,
		UnitID:     body.UnitID,
		Amount:     decimal.RequireFromString(body.Amount),
		ReceiptRef: body.ReceiptRef,
		Method:     body.Method,
	}
	if body.Month != "" {
		req.Month, _ = ledger.ParseMonth(body.Month)
	}
	if body.PaidAt != "" {
		req.PaidAt, _ = time.Parse(time.RFC3339, body.PaidAt)
	}
	if req.Month.IsZero() && req.PaidAt.IsZero() {
		req.Month = h.currentMonth()
	}
	return req, true
}

// =============================================================================
// NOTIFICATION HANDLERS
// =============================================================================

// SendNotification queues an ad-hoc message for the next flush.
func (h *Handler) SendNotification(w http.ResponseWriter, r *http.Request) {
	var req SendNotificationRequest
	if !h.decode(w, r, &req) {
		return
	}

	id, err := h.Dispatcher.Enqueue(r.Context(), notify.Message{
		Recipient: req.Recipient,
		Body:      req.Body,
		Type:      notify.MessageType(req.Type),
		TenantID:  req.TenantID,
	})
	if err != nil {
		writeDomainError(w, "Failed to queue message", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id, "status": string(notify.StatusPending)})
}

// ListNotifications returns queue items newest first.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := notify.ItemFilter{
		Status: notify.Status(q.Get("status")),
		Type:   notify.MessageType(q.Get("type")),
		Limit:  100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		filter.Limit = n
	}

	items, err := h.Dispatcher.Items(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list messages", err)
		return
	}

	dtos := make([]QueueItemDTO, len(items))
	for i, item := range items {
		dtos[i] = toQueueItemDTO(item)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// FlushNotifications sends one batch now.
func (h *Handler) FlushNotifications(w http.ResponseWriter, r *http.Request) {
	res, err := h.Dispatcher.Flush(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Flush failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RetryFailedNotifications re-queues failed items with a fresh attempt budget.
func (h *Handler) RetryFailedNotifications(w http.ResponseWriter, r *http.Request) {
	n, err := h.Dispatcher.RetryFailed(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retry messages", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

// =============================================================================
// BILLING RUN HANDLERS
// =============================================================================

// TriggerBillingRun runs billing now. Rejected with 409 while another run
// is in progress.
func (h *Handler) TriggerBillingRun(w http.ResponseWriter, r *http.Request) {
	var req TriggerRunRequest
	if r.ContentLength != 0 {
		if !h.decode(w, r, &req) {
			return
		}
	}

	var month ledger.Month
	if req.Month != "" {
		month, _ = ledger.ParseMonth(req.Month)
	}

	result, err := h.Scheduler.TriggerManualBillingRun(r.Context(), month)
	if err != nil {
		if errors.Is(err, ledger.ErrRunAlreadyInProgress) {
			writeError(w, http.StatusConflict, "A billing run is already in progress", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Billing run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListBillingRuns returns run history newest first.
func (h *Handler) ListBillingRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	runs, err := h.Store.ListBillingRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list billing runs", err)
		return
	}

	dtos := make([]BillingRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toBillingRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// SCHEDULER HANDLERS
// =============================================================================

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.Scheduler.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scheduler status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) StartScheduler(w http.ResponseWriter, r *http.Request) {
	if err := h.Scheduler.Start(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to start scheduler", err)
		return
	}
	h.SchedulerStatus(w, r)
}

func (h *Handler) StopScheduler(w http.ResponseWriter, r *http.Request) {
	h.Scheduler.Stop()
	h.SchedulerStatus(w, r)
}

// RestartScheduler picks up a changed billing day.
func (h *Handler) RestartScheduler(w http.ResponseWriter, r *http.Request) {
	if err := h.Scheduler.Restart(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to restart scheduler", err)
		return
	}
	h.SchedulerStatus(w, r)
}

// =============================================================================
// SETTINGS HANDLERS
// =============================================================================

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	stored, err := h.Store.Settings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load settings", err)
		return
	}
	writeJSON(w, http.StatusOK, settingsDTO(stored))
}

// UpdateSettings replaces the settings. A new billing day takes effect on
// the next scheduler restart.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if !h.decode(w, r, &req) {
		return
	}

	settings := ledger.Settings{
		BillingDay:  req.BillingDay,
		Paybill:     strings.TrimSpace(req.Paybill),
		CompanyName: strings.TrimSpace(req.CompanyName),
	}
	if err := h.Store.SaveSettings(r.Context(), settings); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save settings", err)
		return
	}
	writeJSON(w, http.StatusOK, settingsDTO(settings))
}

func settingsDTO(stored ledger.Settings) SettingsDTO {
	effective, missing := stored.Resolve()
	dto := SettingsDTO{
		Stored:    toSettingsRequest(stored),
		Effective: toSettingsRequest(effective),
	}
	for _, err := range missing {
		var m *ledger.MissingSettingError
		if errors.As(err, &m) {
			dto.Missing = append(dto.Missing, m.Key)
		}
	}
	return dto
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError picks the status from the error's classification.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case ledger.IsClientError(err),
		errors.Is(err, notify.ErrInvalidRecipient),
		errors.Is(err, notify.ErrEmptyBody):
		writeError(w, http.StatusBadRequest, message, err)
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case ledger.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

// decode reads a JSON body into dst and validates it. On failure it writes
// a 400 and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Details: fields})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return false
	}
	return true
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// monthParam reads ?month=YYYY-MM, defaulting to the current month.
func (h *Handler) monthParam(w http.ResponseWriter, r *http.Request) (ledger.Month, bool) {
	v := r.URL.Query().Get("month")
	if v == "" {
		return h.currentMonth(), true
	}
	month, err := ledger.ParseMonth(v)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid month %q", v), err)
		return ledger.Month{}, false
	}
	return month, true
}
