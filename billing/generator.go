/*
generator.go - Monthly bill run

PURPOSE:
  Bills every active lease for one month:
    1. Load all active allocations
    2. Calculate each tenant's bill right before queueing it, so a payment
       recorded mid-run is honoured
    3. Skip tenants covered by advance credit or with nothing due
    4. Queue a bill_notification tagged with the month
    5. Append a BillingRun audit record
    6. Send operators a summary, or a distinct failure alert when the run
       could not process the tenant population at all

IDEMPOTENCY:
  Re-running a month never double-notifies. Each bill carries the dedupe
  key bill:<tenant>:<unit>:<month>; a second run finds the key and records
  the tenant as "already billed". Tenants who paid in full since the last
  run show nothing due and are skipped.

FAILURES:
  A failure for one tenant is recorded in the run details and the run
  continues. Only run-level failures (store unreachable, cancellation)
  abort the run and raise the operator failure alert.

SEE ALSO:
  - guard.go: Single-flight guards
  - scheduler/scheduler.go: Calendar and manual triggers
*/
package billing

import (
	"context"
	"errors"
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

// Skip reasons recorded in run details.
const (
	ReasonCoveredByAdvance = "covered by advance"
	ReasonNothingDue       = "nothing due"
	ReasonAlreadyBilled    = "already billed"
	ReasonNoPhone          = "no phone number on file"
)

// BillNotice is one bill queued during a run.
type BillNotice struct {
	TenantID   string          `json:"tenant_id"`
	UnitID     string          `json:"unit_id"`
	TenantName string          `json:"tenant_name"`
	Phone      string          `json:"phone"`
	TotalDue   decimal.Decimal `json:"total_due"`
	QueueID    string          `json:"queue_id"`
}

// Result is what one Generate call produced.
type Result struct {
	RunID          string            `json:"run_id"`
	Month          ledger.Month      `json:"month"`
	Trigger        ledger.RunTrigger `json:"trigger"`
	TotalTenants   int               `json:"total_tenants"`
	BillsGenerated int               `json:"bills_generated"`
	Skipped        []ledger.RunEntry `json:"skipped"`
	Failed         []ledger.RunEntry `json:"failed"`
	Bills          []BillNotice      `json:"bills"`
}

// GeneratorOptions wires a Generator.
type GeneratorOptions struct {
	Reader   ledger.Reader
	Runs     ledger.RunStore
	Settings ledger.SettingsStore // optional, defaults apply
	Notifier Enqueuer
	Operator notify.Operator // optional, defaults to logging
	Guard    Guard           // optional, defaults to an in-process guard
	Logger   *logrus.Logger
}

type Generator struct {
	calc     *Calculator
	reader   ledger.Reader
	runs     ledger.RunStore
	settings ledger.SettingsStore
	notifier Enqueuer
	operator notify.Operator
	guard    Guard
	logger   *logrus.Logger

	now   func() time.Time
	newID func() string
}

func NewGenerator(opts GeneratorOptions) *Generator {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Guard == nil {
		opts.Guard = &MemoryGuard{}
	}
	if opts.Operator == nil {
		opts.Operator = &notify.LogOperator{Logger: opts.Logger}
	}
	return &Generator{
		calc:     NewCalculator(opts.Reader),
		reader:   opts.Reader,
		runs:     opts.Runs,
		settings: opts.Settings,
		notifier: opts.Notifier,
		operator: opts.Operator,
		guard:    opts.Guard,
		logger:   opts.Logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// BillDedupeKey identifies the bill for tenant+unit in month.
func BillDedupeKey(tenantID, unitID string, month ledger.Month) string {
	return fmt.Sprintf("bill:%s:%s:%s", tenantID, unitID, month)
}

// Generate runs billing for month. A zero month means the current month.
// Returns ledger.ErrRunAlreadyInProgress if another run holds the guard.
func (g *Generator) Generate(ctx context.Context, month ledger.Month, trigger ledger.RunTrigger) (*Result, error) {
	if month.IsZero() {
		month = ledger.MonthOf(g.now())
	}
	if trigger == "" {
		trigger = ledger.TriggerManual
	}
	runID := g.newID()

	release, err := g.guard.Acquire(ctx, runID)
	if err != nil {
		g.logger.WithFields(logrus.Fields{
			"module":  "billing",
			"func":    "Generate",
			"month":   month.String(),
			"trigger": trigger,
		}).WithError(err).Warn("billing run rejected")
		return nil, err
	}
	defer release()

	ctx, span := tracer.Start(ctx, "billing.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", runID),
		attribute.String("month", month.String()),
		attribute.String("trigger", string(trigger)),
	)

	run := ledger.BillingRun{
		ID:        runID,
		Month:     month,
		Trigger:   trigger,
		StartedAt: g.now(),
	}
	result := &Result{RunID: runID, Month: month, Trigger: trigger}

	if err := g.process(ctx, month, result); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.fail(ctx, run, result, err)
		return result, fmt.Errorf("billing run %s for %s: %w", runID, month, err)
	}

	run.Status = ledger.RunCompleted
	g.fillRun(&run, result)
	if err := g.runs.SaveBillingRun(ctx, run); err != nil {
		g.logger.WithFields(logrus.Fields{"module": "billing", "func": "Generate", "run_id": runID}).
			WithError(err).Error("failed to save billing run")
	}

	summary := notify.RunSummary{
		RunID:        runID,
		Month:        month,
		Trigger:      trigger,
		TotalTenants: run.TotalTenants,
		BillsSent:    run.BillsSent,
		BillsFailed:  run.BillsFailed,
		Skipped:      run.Skipped,
		Details:      run.Details,
		CompletedAt:  run.CompletedAt,
	}
	if err := g.operator.RunCompleted(ctx, summary); err != nil {
		g.logger.WithFields(logrus.Fields{"module": "billing", "func": "Generate", "run_id": runID}).
			WithError(err).Error("failed to notify operators")
	}

	g.logger.WithFields(logrus.Fields{
		"module":        "billing",
		"func":          "Generate",
		"run_id":        runID,
		"month":         month.String(),
		"trigger":       trigger,
		"total_tenants": run.TotalTenants,
		"bills":         run.BillsSent,
		"failed":        run.BillsFailed,
		"skipped":       run.Skipped,
	}).Info("billing run completed")
	return result, nil
}

// process bills every active allocation. Returned errors are run-level.
func (g *Generator) process(ctx context.Context, month ledger.Month, result *Result) error {
	allocations, err := g.reader.ActiveAllocations(ctx)
	if err != nil {
		return fmt.Errorf("load active allocations: %w", err)
	}
	result.TotalTenants = len(allocations)

	settings := loadSettings(ctx, g.settings, g.logger)

	for _, alloc := range allocations {
		if err := ctx.Err(); err != nil {
			return err
		}
		g.billOne(ctx, alloc, month, settings, result)
	}
	return nil
}

func (g *Generator) billOne(ctx context.Context, alloc ledger.TenantAllocation, month ledger.Month, settings ledger.Settings, result *Result) {
	entry := ledger.RunEntry{TenantID: alloc.TenantID, UnitID: alloc.UnitID, TenantName: alloc.TenantName}
	skip := func(reason string) {
		entry.Reason = reason
		result.Skipped = append(result.Skipped, entry)
	}
	failed := func(err error) {
		entry.Reason = err.Error()
		result.Failed = append(result.Failed, entry)
		g.logger.WithFields(logrus.Fields{
			"module":    "billing",
			"func":      "billOne",
			"tenant_id": alloc.TenantID,
			"unit_id":   alloc.UnitID,
			"month":     month.String(),
		}).WithError(err).Warn("tenant bill failed")
	}

	b, err := g.calc.Calculate(ctx, alloc.TenantID, alloc.UnitID, month)
	if err != nil {
		failed(err)
		return
	}
	if b.CoveredByAdvance {
		skip(ReasonCoveredByAdvance)
		return
	}
	if b.NothingDue() {
		skip(ReasonNothingDue)
		return
	}
	if b.Phone == "" {
		failed(errors.New(ReasonNoPhone))
		return
	}

	billingMonth := month
	queueID, err := g.notifier.Enqueue(ctx, notify.Message{
		Recipient:    b.Phone,
		Body:         BillText(b, settings),
		Type:         notify.TypeBill,
		BillingMonth: &billingMonth,
		TenantID:     alloc.TenantID,
		DedupeKey:    BillDedupeKey(alloc.TenantID, alloc.UnitID, month),
	})
	if errors.Is(err, ledger.ErrDuplicate) {
		skip(ReasonAlreadyBilled)
		return
	}
	if err != nil {
		failed(err)
		return
	}

	result.BillsGenerated++
	result.Bills = append(result.Bills, BillNotice{
		TenantID:   alloc.TenantID,
		UnitID:     alloc.UnitID,
		TenantName: alloc.TenantName,
		Phone:      b.Phone,
		TotalDue:   b.TotalDue,
		QueueID:    queueID,
	})
}

func (g *Generator) fillRun(run *ledger.BillingRun, result *Result) {
	run.TotalTenants = result.TotalTenants
	run.BillsSent = result.BillsGenerated
	run.BillsFailed = len(result.Failed)
	run.Skipped = len(result.Skipped)
	run.Details = ledger.RunDetails{Skipped: result.Skipped, Failed: result.Failed}
	run.CompletedAt = g.now()
}

// fail records a failed run and raises the operator alert.
func (g *Generator) fail(ctx context.Context, run ledger.BillingRun, result *Result, cause error) {
	ctx = context.WithoutCancel(ctx)
	fields := logrus.Fields{"module": "billing", "func": "Generate", "run_id": run.ID, "month": run.Month.String()}

	run.Status = ledger.RunFailed
	run.Error = cause.Error()
	g.fillRun(&run, result)
	if err := g.runs.SaveBillingRun(ctx, run); err != nil {
		g.logger.WithFields(fields).WithError(err).Error("failed to save failed billing run")
	}

	failure := notify.RunFailure{
		RunID:   run.ID,
		Month:   run.Month,
		Trigger: run.Trigger,
		Error:   cause.Error(),
		At:      run.CompletedAt,
	}
	if err := g.operator.RunFailed(ctx, failure); err != nil {
		g.logger.WithFields(fields).WithError(err).Error("failed to send billing failure alert")
	}
	g.logger.WithFields(fields).WithError(cause).Error("billing process failed")
}
