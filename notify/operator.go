package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"

	"github.com/warp/rent-billing/ledger"
)

// =============================================================================
// OPERATOR CHANNEL
// =============================================================================

// Operator alerts administrators about billing runs. It is a separate
// channel from the tenant queue: alerts are never retried through Flush.
type Operator interface {
	RunCompleted(ctx context.Context, summary RunSummary) error
	RunFailed(ctx context.Context, failure RunFailure) error
}

// RunSummary is sent after every billing run that reached the end.
type RunSummary struct {
	RunID        string            `json:"run_id"`
	Month        ledger.Month      `json:"month"`
	Trigger      ledger.RunTrigger `json:"trigger"`
	TotalTenants int               `json:"total_tenants"`
	BillsSent    int               `json:"bills_sent"`
	BillsFailed  int               `json:"bills_failed"`
	Skipped      int               `json:"skipped"`
	Details      ledger.RunDetails `json:"details"`
	CompletedAt  time.Time         `json:"completed_at"`
}

// Text renders the summary for human channels.
func (s RunSummary) Text() string {
	return fmt.Sprintf("Billing run %s (%s): %d tenants, %d bills queued, %d failed, %d skipped",
		s.Month, s.Trigger, s.TotalTenants, s.BillsSent, s.BillsFailed, s.Skipped)
}

// RunFailure is sent when a run could not process the tenant population
// at all, e.g. the ledger store was unreachable.
type RunFailure struct {
	RunID   string            `json:"run_id"`
	Month   ledger.Month      `json:"month"`
	Trigger ledger.RunTrigger `json:"trigger"`
	Error   string            `json:"error"`
	At      time.Time         `json:"at"`
}

func (f RunFailure) Text() string {
	return fmt.Sprintf("Billing process failed for %s (%s): %s", f.Month, f.Trigger, f.Error)
}

const (
	KindRunCompleted = "billing_run_completed"
	KindRunFailed    = "billing_run_failed"
)

// =============================================================================
// LOG OPERATOR
// =============================================================================

type LogOperator struct {
	Logger *logrus.Logger
}

func (o *LogOperator) RunCompleted(_ context.Context, s RunSummary) error {
	o.Logger.WithFields(logrus.Fields{
		"module":        "operator",
		"kind":          KindRunCompleted,
		"run_id":        s.RunID,
		"month":         s.Month.String(),
		"total_tenants": s.TotalTenants,
		"bills_sent":    s.BillsSent,
		"bills_failed":  s.BillsFailed,
		"skipped":       s.Skipped,
	}).Info(s.Text())
	return nil
}

func (o *LogOperator) RunFailed(_ context.Context, f RunFailure) error {
	o.Logger.WithFields(logrus.Fields{
		"module": "operator",
		"kind":   KindRunFailed,
		"run_id": f.RunID,
		"month":  f.Month.String(),
	}).Error(f.Text())
	return nil
}

// =============================================================================
// PUB/SUB OPERATOR
// =============================================================================

// PubSubOperator publishes alerts as JSON to a topic consumed by the admin
// dashboard. The "kind" attribute distinguishes summaries from failures.
type PubSubOperator struct {
	Topic   *pubsub.Topic
	Timeout time.Duration
}

func NewPubSubOperator(client *pubsub.Client, topicID string) *PubSubOperator {
	return &PubSubOperator{Topic: client.Topic(topicID), Timeout: 30 * time.Second}
}

func (o *PubSubOperator) RunCompleted(ctx context.Context, s RunSummary) error {
	return o.publish(ctx, KindRunCompleted, s.Month, s)
}

func (o *PubSubOperator) RunFailed(ctx context.Context, f RunFailure) error {
	return o.publish(ctx, KindRunFailed, f.Month, f)
}

func (o *PubSubOperator) publish(ctx context.Context, kind string, month ledger.Month, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}

	result := o.Topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"kind": kind, "month": month.String()},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	return nil
}

// =============================================================================
// FAN-OUT
// =============================================================================

// MultiOperator delivers to every channel and joins their errors.
type MultiOperator []Operator

func (m MultiOperator) RunCompleted(ctx context.Context, s RunSummary) error {
	var errs []error
	for _, op := range m {
		if err := op.RunCompleted(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiOperator) RunFailed(ctx context.Context, f RunFailure) error {
	var errs []error
	for _, op := range m {
		if err := op.RunFailed(ctx, f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
