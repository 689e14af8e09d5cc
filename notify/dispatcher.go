/*
dispatcher.go - Durable at-least-once delivery of queued messages

PURPOSE:
  Enqueue writes pending items; Flush (driven by the scheduler) claims a
  batch and pushes each item through the Sender.

DESIGN:
  - Claiming is atomic in the Queue, so two flushes (or two processes)
    never send the same item twice
  - Each item's claim is renewed just before its send; an item another
    flush has taken over in the meantime is skipped, and outcomes are
    only recorded by the flush that owns the claim
  - ClaimTimeout must exceed one full batch (BatchSize sends, each paced
    and bounded by SendTimeout)
  - Items in one batch are sent strictly oldest first, one at a time,
    paced by a rate.Limiter (minimum inter-send delay)
  - Each send has its own timeout; a timeout is an ordinary failure
  - A failing send is recorded on its item and the loop moves on. Nothing
    raised by the Sender, including a panic, leaves Flush
  - Failed items below MaxAttempts become eligible again after an
    exponential backoff; at the cap only RetryFailed re-queues them

SEE ALSO:
  - queue.go: Item lifecycle
  - scheduler/scheduler.go: Calls Flush on a fixed interval
*/
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/warp/rent-billing/ledger"
)

// Config tunes batching, pacing and retry.
type Config struct {
	BatchSize    int
	MaxAttempts  int
	SendInterval time.Duration // minimum delay between two sends
	SendTimeout  time.Duration
	RetryBackoff time.Duration // first automatic retry delay, doubled per attempt
	MaxBackoff   time.Duration
	ClaimTimeout time.Duration // "sending" items older than this are reclaimed
	Region       string        // default phone region
}

func DefaultConfig() Config {
	return Config{
		BatchSize:    50,
		MaxAttempts:  3,
		SendInterval: time.Second,
		SendTimeout:  15 * time.Second,
		RetryBackoff: 5 * time.Minute,
		MaxBackoff:   time.Hour,
		ClaimTimeout: 30 * time.Minute,
		Region:       DefaultRegion,
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = def.SendTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = def.ClaimTimeout
	}
	if c.Region == "" {
		c.Region = def.Region
	}
	return c
}

// BatchDuration is the longest one flush can hold its claims.
func (c Config) BatchDuration() time.Duration {
	c = c.withDefaults()
	interval := c.SendInterval
	if interval < 0 {
		interval = 0
	}
	return time.Duration(c.BatchSize) * (interval + c.SendTimeout)
}

// Validate rejects a ClaimTimeout that a healthy batch could outlive.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.ClaimTimeout <= c.BatchDuration() {
		return fmt.Errorf("claim timeout %s must exceed one batch (%d x (%s + %s) = %s)",
			c.ClaimTimeout, c.BatchSize, c.SendInterval, c.SendTimeout, c.BatchDuration())
	}
	return nil
}

// Message is what callers hand to Enqueue.
type Message struct {
	Recipient    string
	Body         string
	Type         MessageType
	BillingMonth *ledger.Month
	TenantID     string
	DedupeKey    string
}

// FlushResult summarises one flush cycle.
type FlushResult struct {
	Claimed int `json:"claimed"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"` // taken over by another flush before sending
}

type Dispatcher struct {
	queue   Queue
	sender  Sender
	logger  *logrus.Logger
	cfg     Config
	id      string
	limiter *rate.Limiter

	mu sync.Mutex // one flush per process at a time

	now   func() time.Time
	newID func() string
}

func NewDispatcher(queue Queue, sender Sender, logger *logrus.Logger, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		raised := cfg.BatchDuration() + cfg.SendTimeout
		logger.WithFields(logrus.Fields{"module": "notify", "claim_timeout": raised}).
			WithError(err).Warn("claim timeout raised")
		cfg.ClaimTimeout = raised
	}

	limit := rate.Inf
	if cfg.SendInterval > 0 {
		limit = rate.Every(cfg.SendInterval)
	}

	return &Dispatcher{
		queue:   queue,
		sender:  sender,
		logger:  logger,
		cfg:     cfg,
		id:      "dispatcher-" + uuid.NewString(),
		limiter: rate.NewLimiter(limit, 1),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// Config returns the effective configuration.
func (d *Dispatcher) Config() Config { return d.cfg }

// =============================================================================
// ENQUEUE
// =============================================================================

// Enqueue validates and stores msg as a pending item and returns its id.
func (d *Dispatcher) Enqueue(ctx context.Context, msg Message) (string, error) {
	recipient, err := NormalizePhone(msg.Recipient, d.cfg.Region)
	if err != nil {
		return "", err
	}
	body := strings.TrimSpace(msg.Body)
	if body == "" {
		return "", ErrEmptyBody
	}
	if msg.Type == "" {
		msg.Type = TypeGeneral
	}

	item := Item{
		ID:           d.newID(),
		Recipient:    recipient,
		Body:         body,
		Type:         msg.Type,
		Status:       StatusPending,
		Attempts:     0,
		BillingMonth: msg.BillingMonth,
		TenantID:     msg.TenantID,
		DedupeKey:    msg.DedupeKey,
		CreatedAt:    d.now(),
	}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		if errors.Is(err, ledger.ErrDuplicate) {
			return "", err
		}
		return "", fmt.Errorf("enqueue %s for %s: %w", msg.Type, recipient, err)
	}
	return item.ID, nil
}

// =============================================================================
// FLUSH
// =============================================================================

// Flush claims one batch and attempts delivery of every item in it.
// Per-item failures are recorded, not returned; the error is reserved for
// the queue itself being unusable.
func (d *Dispatcher) Flush(ctx context.Context) (FlushResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	items, err := d.queue.Claim(ctx, ClaimRequest{
		Holder:      d.id,
		Limit:       d.cfg.BatchSize,
		MaxAttempts: d.cfg.MaxAttempts,
		Now:         now,
		StaleBefore: now.Add(-d.cfg.ClaimTimeout),
	})
	if err != nil {
		return FlushResult{}, fmt.Errorf("claim queue items: %w", err)
	}

	result := FlushResult{Claimed: len(items)}
	for i, item := range items {
		if err := d.limiter.Wait(ctx); err != nil {
			d.release(ctx, items[i:])
			break
		}
		if err := d.queue.Renew(ctx, item.ID, d.id, d.now()); err != nil {
			d.logger.WithFields(logrus.Fields{"module": "notify", "func": "Flush", "item_id": item.ID}).
				WithError(err).Warn("claim lost before sending, skipping")
			result.Skipped++
			continue
		}
		if d.deliver(ctx, item) {
			result.Sent++
		} else {
			result.Failed++
		}
	}

	if result.Claimed > 0 {
		d.logger.WithFields(logrus.Fields{
			"module":  "notify",
			"func":    "Flush",
			"claimed": result.Claimed,
			"sent":    result.Sent,
			"failed":  result.Failed,
			"skipped": result.Skipped,
		}).Info("flush completed")
	}
	return result, nil
}

// deliver sends one item and records the outcome. Returns true on success.
func (d *Dispatcher) deliver(ctx context.Context, item Item) bool {
	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	providerID, err := d.safeSend(sendCtx, item)
	timedOut := errors.Is(sendCtx.Err(), context.DeadlineExceeded)
	cancel()

	at := d.now()
	fields := logrus.Fields{
		"module":    "notify",
		"item_id":   item.ID,
		"type":      item.Type,
		"recipient": item.Recipient,
		"attempt":   item.Attempts + 1,
	}

	if err == nil {
		if markErr := d.queue.MarkSent(context.WithoutCancel(ctx), item.ID, d.id, providerID, at); markErr != nil {
			d.logger.WithFields(fields).WithError(markErr).Error("failed to record sent message")
		}
		return true
	}

	reason := err.Error()
	if timedOut {
		reason = fmt.Sprintf("send timed out after %s", d.cfg.SendTimeout)
	}

	attempts := item.Attempts + 1
	var retryAt *time.Time
	if attempts < d.cfg.MaxAttempts {
		t := at.Add(d.backoff(attempts))
		retryAt = &t
	}

	if markErr := d.queue.MarkFailed(context.WithoutCancel(ctx), item.ID, d.id, reason, at, retryAt); markErr != nil {
		d.logger.WithFields(fields).WithError(markErr).Error("failed to record delivery failure")
	}
	d.logger.WithFields(fields).Warn("delivery failed: " + reason)
	return false
}

func (d *Dispatcher) safeSend(ctx context.Context, item Item) (id string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &DeliveryError{Recipient: item.Recipient, Err: fmt.Errorf("sender panic: %v", r)}
		}
	}()
	return d.sender.Send(ctx, item.Recipient, item.Body)
}

// backoff is RetryBackoff * 2^(attempts-1), capped at MaxBackoff.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.cfg.RetryBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.cfg.MaxBackoff {
			return d.cfg.MaxBackoff
		}
	}
	if delay > d.cfg.MaxBackoff {
		return d.cfg.MaxBackoff
	}
	return delay
}

func (d *Dispatcher) release(ctx context.Context, items []Item) {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	if err := d.queue.Release(context.WithoutCancel(ctx), d.id, ids); err != nil {
		d.logger.WithFields(logrus.Fields{"module": "notify", "func": "release"}).WithError(err).
			Error("failed to release claimed items")
	}
}

// =============================================================================
// OPERATOR ACTIONS
// =============================================================================

// RetryFailed re-queues every failed item with a fresh attempt budget.
func (d *Dispatcher) RetryFailed(ctx context.Context) (int, error) {
	n, err := d.queue.ResetFailed(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset failed items: %w", err)
	}
	d.logger.WithFields(logrus.Fields{"module": "notify", "func": "RetryFailed", "count": n}).
		Info("failed messages re-queued")
	return n, nil
}

// Items lists queue items, e.g. the failed-items report.
func (d *Dispatcher) Items(ctx context.Context, filter ItemFilter) ([]Item, error) {
	return d.queue.ListItems(ctx, filter)
}
