/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts travel as decimal strings ("10000.50") in both directions and
  are parsed with shopspring/decimal. JSON numbers are never used for
  money.

VALIDATION:
  Request types carry go-playground/validator tags; handlers call
  Handler.decode which decodes and validates in one step.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/rent-billing/billing"
	"github.com/warp/rent-billing/ledger"
	"github.com/warp/rent-billing/notify"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

type AllocationDTO struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	UnitID         string          `json:"unit_id"`
	TenantName     string          `json:"tenant_name"`
	Phone          string          `json:"phone"`
	UnitName       string          `json:"unit_name"`
	MonthlyRent    decimal.Decimal `json:"monthly_rent"`
	ArrearsBalance decimal.Decimal `json:"arrears_balance"`
	LeaseStart     string          `json:"lease_start"`
	LeaseEnd       *string         `json:"lease_end,omitempty"`
	Active         bool            `json:"active"`
}

// CreateAllocationRequest creates or replaces a lease.
type CreateAllocationRequest struct {
	ID             string `json:"id"`
	TenantID       string `json:"tenant_id" validate:"required"`
	UnitID         string `json:"unit_id" validate:"required"`
	TenantName     string `json:"tenant_name" validate:"required"`
	Phone          string `json:"phone"`
	UnitName       string `json:"unit_name"`
	MonthlyRent    string `json:"monthly_rent" validate:"required,numeric"`
	ArrearsBalance string `json:"arrears_balance" validate:"omitempty,numeric"`
	LeaseStart     string `json:"lease_start" validate:"omitempty,datetime=2006-01-02"`
	LeaseEnd       string `json:"lease_end" validate:"omitempty,datetime=2006-01-02"`
	Inactive       bool   `json:"inactive"`
}

// SetArrearsRequest overwrites the carried arrears. Negative values are
// stored as zero.
type SetArrearsRequest struct {
	Balance string `json:"balance" validate:"required,numeric"`
}

// WaterBillRequest records the metered water charge for one month.
type WaterBillRequest struct {
	TenantID string `json:"tenant_id" validate:"required"`
	UnitID   string `json:"unit_id" validate:"required"`
	Month    string `json:"month" validate:"required,datetime=2006-01"`
	Amount   string `json:"amount" validate:"required,numeric"`
	Notes    string `json:"notes"`
}

// =============================================================================
// BILLS AND PAYMENTS
// =============================================================================

// BillDTO is the calculator's breakdown for one tenant and month.
type BillDTO struct {
	TenantID   string `json:"tenant_id"`
	UnitID     string `json:"unit_id"`
	TenantName string `json:"tenant_name"`
	UnitName   string `json:"unit_name"`
	Month      string `json:"month"`

	Rent    decimal.Decimal `json:"rent"`
	Water   decimal.Decimal `json:"water"`
	Arrears decimal.Decimal `json:"arrears"`

	RentPaid    decimal.Decimal `json:"rent_paid"`
	WaterPaid   decimal.Decimal `json:"water_paid"`
	ArrearsPaid decimal.Decimal `json:"arrears_paid"`

	RentDue    decimal.Decimal `json:"rent_due"`
	WaterDue   decimal.Decimal `json:"water_due"`
	ArrearsDue decimal.Decimal `json:"arrears_due"`
	TotalDue   decimal.Decimal `json:"total_due"`

	AdvanceCredit    decimal.Decimal `json:"advance_credit"`
	CoveredByAdvance bool            `json:"covered_by_advance"`
}

// RecordPaymentRequest is money received from a tenant.
type RecordPaymentRequest struct {
	TenantID   string `json:"tenant_id" validate:"required"`
	UnitID     string `json:"unit_id" validate:"required"`
	Amount     string `json:"amount" validate:"required,numeric"`
	Month      string `json:"month" validate:"omitempty,datetime=2006-01"`
	ReceiptRef string `json:"receipt_ref"`
	Method     string `json:"method"`
	PaidAt     string `json:"paid_at" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

type PaymentDTO struct {
	ID                string          `json:"id"`
	TenantID          string          `json:"tenant_id"`
	UnitID            string          `json:"unit_id"`
	Amount            decimal.Decimal `json:"amount"`
	Month             string          `json:"month"`
	Status            string          `json:"status"`
	ToRent            decimal.Decimal `json:"to_rent"`
	ToWater           decimal.Decimal `json:"to_water"`
	ToArrears         decimal.Decimal `json:"to_arrears"`
	ToAdvance         decimal.Decimal `json:"to_advance"`
	IsAdvance         bool            `json:"is_advance"`
	Received          bool            `json:"received"` // false for carry-forward rows
	OriginalPaymentID string          `json:"original_payment_id,omitempty"`
	ReceiptRef        string          `json:"receipt_ref,omitempty"`
	Method            string          `json:"method,omitempty"`
	PaidAt            string          `json:"paid_at"`
}

// PaymentResultDTO is returned after recording a payment.
type PaymentResultDTO struct {
	Payment        PaymentDTO         `json:"payment"`
	CarryForward   []PaymentDTO       `json:"carry_forward"`
	Allocation     billing.Allocation `json:"allocation"`
	Bill           BillDTO            `json:"bill"`
	ConfirmationID string             `json:"confirmation_id,omitempty"`
}

// PreviewDTO is an allocation computed without writing anything.
type PreviewDTO struct {
	Allocation billing.Allocation `json:"allocation"`
	Bill       BillDTO            `json:"bill"`
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

// SendNotificationRequest queues an ad-hoc message.
type SendNotificationRequest struct {
	Recipient string `json:"recipient" validate:"required"`
	Body      string `json:"body" validate:"required,max=918"`
	Type      string `json:"type" validate:"omitempty,oneof=bill_notification payment_confirmation reminder general"`
	TenantID  string `json:"tenant_id"`
}

type QueueItemDTO struct {
	ID                string  `json:"id"`
	Recipient         string  `json:"recipient"`
	Body              string  `json:"body"`
	Type              string  `json:"type"`
	Status            string  `json:"status"`
	Attempts          int     `json:"attempts"`
	LastAttemptAt     *string `json:"last_attempt_at,omitempty"`
	NextAttemptAt     *string `json:"next_attempt_at,omitempty"`
	Error             string  `json:"error,omitempty"`
	BillingMonth      string  `json:"billing_month,omitempty"`
	TenantID          string  `json:"tenant_id,omitempty"`
	ProviderMessageID string  `json:"provider_message_id,omitempty"`
	CreatedAt         string  `json:"created_at"`
}

// =============================================================================
// BILLING RUNS, SCHEDULER, SETTINGS
// =============================================================================

// TriggerRunRequest starts a manual run. An empty month means the current
// month.
type TriggerRunRequest struct {
	Month string `json:"month" validate:"omitempty,datetime=2006-01"`
}

type BillingRunDTO struct {
	ID           string            `json:"id"`
	Month        string            `json:"month"`
	Trigger      string            `json:"trigger"`
	Status       string            `json:"status"`
	TotalTenants int               `json:"total_tenants"`
	BillsSent    int               `json:"bills_sent"`
	BillsFailed  int               `json:"bills_failed"`
	Skipped      int               `json:"skipped"`
	Details      ledger.RunDetails `json:"details"`
	Error        string            `json:"error,omitempty"`
	StartedAt    string            `json:"started_at"`
	CompletedAt  string            `json:"completed_at"`
}

// SettingsRequest replaces the operator settings.
type SettingsRequest struct {
	BillingDay  int    `json:"billing_day" validate:"omitempty,min=1,max=28"`
	Paybill     string `json:"paybill" validate:"omitempty,max=20"`
	CompanyName string `json:"company_name" validate:"omitempty,max=100"`
}

// SettingsDTO shows stored values, what billing will actually use, and
// which settings fell back to defaults.
type SettingsDTO struct {
	Stored    SettingsRequest `json:"stored"`
	Effective SettingsRequest `json:"effective"`
	Missing   []string        `json:"missing,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toAllocationDTO(a ledger.TenantAllocation) AllocationDTO {
	dto := AllocationDTO{
		ID:             a.ID,
		TenantID:       a.TenantID,
		UnitID:         a.UnitID,
		TenantName:     a.TenantName,
		Phone:          a.Phone,
		UnitName:       a.UnitName,
		MonthlyRent:    a.MonthlyRent,
		ArrearsBalance: a.ArrearsBalance,
		LeaseStart:     a.LeaseStart.Format("2006-01-02"),
		Active:         a.Active,
	}
	if a.LeaseEnd != nil {
		end := a.LeaseEnd.Format("2006-01-02")
		dto.LeaseEnd = &end
	}
	return dto
}

func toBillDTO(b *billing.Breakdown) BillDTO {
	return BillDTO{
		TenantID:         b.TenantID,
		UnitID:           b.UnitID,
		TenantName:       b.TenantName,
		UnitName:         b.UnitName,
		Month:            b.Month.String(),
		Rent:             b.Rent,
		Water:            b.Water,
		Arrears:          b.Arrears,
		RentPaid:         b.RentPaid,
		WaterPaid:        b.WaterPaid,
		ArrearsPaid:      b.ArrearsPaid,
		RentDue:          b.RentDue,
		WaterDue:         b.WaterDue,
		ArrearsDue:       b.ArrearsDue,
		TotalDue:         b.TotalDue,
		AdvanceCredit:    b.AdvanceCredit,
		CoveredByAdvance: b.CoveredByAdvance,
	}
}

func toPaymentDTO(p ledger.Payment) PaymentDTO {
	return PaymentDTO{
		ID:                p.ID,
		TenantID:          p.TenantID,
		UnitID:            p.UnitID,
		Amount:            p.Amount,
		Month:             p.Month.String(),
		Status:            string(p.Status),
		ToRent:            p.ToRent,
		ToWater:           p.ToWater,
		ToArrears:         p.ToArrears,
		ToAdvance:         p.ToAdvance,
		IsAdvance:         p.IsAdvance,
		Received:          p.Received(),
		OriginalPaymentID: p.OriginalPaymentID,
		ReceiptRef:        p.ReceiptRef,
		Method:            p.Method,
		PaidAt:            p.PaidAt.Format(time.RFC3339),
	}
}

func toPaymentDTOs(payments []ledger.Payment) []PaymentDTO {
	dtos := make([]PaymentDTO, len(payments))
	for i, p := range payments {
		dtos[i] = toPaymentDTO(p)
	}
	return dtos
}

func toQueueItemDTO(item notify.Item) QueueItemDTO {
	dto := QueueItemDTO{
		ID:                item.ID,
		Recipient:         item.Recipient,
		Body:              item.Body,
		Type:              string(item.Type),
		Status:            string(item.Status),
		Attempts:          item.Attempts,
		LastAttemptAt:     formatOptionalTime(item.LastAttemptAt),
		NextAttemptAt:     formatOptionalTime(item.NextAttemptAt),
		Error:             item.Error,
		TenantID:          item.TenantID,
		ProviderMessageID: item.ProviderMessageID,
		CreatedAt:         item.CreatedAt.Format(time.RFC3339),
	}
	if item.BillingMonth != nil {
		dto.BillingMonth = item.BillingMonth.String()
	}
	return dto
}

func toBillingRunDTO(run ledger.BillingRun) BillingRunDTO {
	return BillingRunDTO{
		ID:           run.ID,
		Month:        run.Month.String(),
		Trigger:      string(run.Trigger),
		Status:       string(run.Status),
		TotalTenants: run.TotalTenants,
		BillsSent:    run.BillsSent,
		BillsFailed:  run.BillsFailed,
		Skipped:      run.Skipped,
		Details:      run.Details,
		Error:        run.Error,
		StartedAt:    run.StartedAt.Format(time.RFC3339),
		CompletedAt:  run.CompletedAt.Format(time.RFC3339),
	}
}

func toSettingsRequest(s ledger.Settings) SettingsRequest {
	return SettingsRequest{BillingDay: s.BillingDay, Paybill: s.Paybill, CompanyName: s.CompanyName}
}

func formatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
