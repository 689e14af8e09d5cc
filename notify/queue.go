/*
Package notify delivers outbound tenant messages and operator alerts.

PURPOSE:
  Tenant-facing messages (bills, payment confirmations, reminders) are
  written to a durable queue and delivered later by the Dispatcher through
  an unreliable outbound channel (an SMS gateway). Operator alerts go
  through a separate Operator channel and never touch the tenant queue.

QUEUE LIFECYCLE:
  pending  -> sending   (claimed by a flush; claim is atomic)
  sending  -> sent      (confirmed by the gateway; terminal)
  sending  -> failed    (gateway error or timeout; attempts+1)
  failed   -> sending   (automatic retry once backoff elapses, below the cap)
  failed   -> pending   (operator "retry failed"; attempts reset to 0)

  Attempts only ever increase except through the explicit operator reset.
  Items at the attempt cap are never selected by a flush.

SEE ALSO:
  - dispatcher.go: Enqueue/Flush/RetryFailed
  - store/sqlite/sqlite.go: SQLite Queue implementation
*/
package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/rent-billing/ledger"
)

// =============================================================================
// QUEUE ITEM
// =============================================================================

type MessageType string

const (
	TypeBill         MessageType = "bill_notification"
	TypeConfirmation MessageType = "payment_confirmation"
	TypeReminder     MessageType = "reminder"
	TypeGeneral      MessageType = "general"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Item is one outbound message awaiting or having attempted delivery.
type Item struct {
	ID                string
	Recipient         string
	Body              string
	Type              MessageType
	Status            Status
	Attempts          int
	LastAttemptAt     *time.Time
	NextAttemptAt     *time.Time
	Error             string
	BillingMonth      *ledger.Month
	TenantID          string
	DedupeKey         string
	ProviderMessageID string
	ClaimedBy         string
	ClaimedAt         *time.Time
	CreatedAt         time.Time
}

// ClaimRequest selects a flush batch.
type ClaimRequest struct {
	Holder      string
	Limit       int
	MaxAttempts int
	Now         time.Time

	// Items left in "sending" since before StaleBefore are reclaimed.
	StaleBefore time.Time
}

// Eligible reports whether item may be claimed by req.
func (req ClaimRequest) Eligible(item Item) bool {
	if item.Attempts >= req.MaxAttempts {
		return false
	}
	switch item.Status {
	case StatusPending:
		return true
	case StatusFailed:
		return item.NextAttemptAt != nil && !item.NextAttemptAt.After(req.Now)
	case StatusSending:
		return item.ClaimedAt != nil && !item.ClaimedAt.After(req.StaleBefore)
	}
	return false
}

type ItemFilter struct {
	Status Status
	Type   MessageType
	Limit  int
}

// Queue persists outbound messages.
type Queue interface {
	// Enqueue stores a new pending item. Returns ledger.ErrDuplicate when
	// DedupeKey is set and already present.
	Enqueue(ctx context.Context, item Item) error

	// Claim atomically moves up to req.Limit eligible items to "sending",
	// oldest first, and returns them in that order.
	Claim(ctx context.Context, req ClaimRequest) ([]Item, error)

	// Renew refreshes holder's claim on one item just before it is sent.
	// Returns ledger.ErrNotFound when holder no longer owns the item.
	Renew(ctx context.Context, id, holder string, at time.Time) error

	// Release returns holder's claimed items to "pending" without counting
	// an attempt.
	Release(ctx context.Context, holder string, ids []string) error

	// MarkSent and MarkFailed only apply while holder owns the claim.
	MarkSent(ctx context.Context, id, holder, providerMessageID string, at time.Time) error
	MarkFailed(ctx context.Context, id, holder, reason string, at time.Time, retryAt *time.Time) error

	// ResetFailed moves every failed item back to pending with attempts 0.
	ResetFailed(ctx context.Context) (int, error)

	// ListItems returns items newest first.
	ListItems(ctx context.Context, filter ItemFilter) ([]Item, error)
}

// =============================================================================
// MEMORY QUEUE - In-memory implementation (for testing/dev)
// =============================================================================

type MemoryQueue struct {
	mu    sync.Mutex
	items []Item
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(_ context.Context, item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item.DedupeKey != "" {
		for _, existing := range q.items {
			if existing.DedupeKey == item.DedupeKey {
				return ledger.ErrDuplicate
			}
		}
	}
	q.items = append(q.items, item)
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context, req ClaimRequest) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var claimed []Item
	for i := range q.items {
		if req.Limit > 0 && len(claimed) >= req.Limit {
			break
		}
		if !req.Eligible(q.items[i]) {
			continue
		}
		at := req.Now
		q.items[i].Status = StatusSending
		q.items[i].ClaimedBy = req.Holder
		q.items[i].ClaimedAt = &at
		claimed = append(claimed, q.items[i])
	}
	return claimed, nil
}

func (q *MemoryQueue) Renew(_ context.Context, id, holder string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.ownedLocked(id, holder)
	if i < 0 {
		return ledger.ErrNotFound
	}
	q.items[i].ClaimedAt = &at
	return nil
}

func (q *MemoryQueue) Release(_ context.Context, holder string, ids []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range ids {
		if i := q.ownedLocked(id, holder); i >= 0 {
			q.items[i].Status = StatusPending
			q.items[i].ClaimedBy = ""
			q.items[i].ClaimedAt = nil
		}
	}
	return nil
}

func (q *MemoryQueue) MarkSent(_ context.Context, id, holder, providerMessageID string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.ownedLocked(id, holder)
	if i < 0 {
		return ledger.ErrNotFound
	}
	q.items[i].Status = StatusSent
	q.items[i].Attempts++
	q.items[i].LastAttemptAt = &at
	q.items[i].NextAttemptAt = nil
	q.items[i].ProviderMessageID = providerMessageID
	q.items[i].Error = ""
	return nil
}

func (q *MemoryQueue) MarkFailed(_ context.Context, id, holder, reason string, at time.Time, retryAt *time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.ownedLocked(id, holder)
	if i < 0 {
		return ledger.ErrNotFound
	}
	q.items[i].Status = StatusFailed
	q.items[i].Attempts++
	q.items[i].LastAttemptAt = &at
	q.items[i].NextAttemptAt = retryAt
	q.items[i].Error = reason
	return nil
}

func (q *MemoryQueue) ResetFailed(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for i := range q.items {
		if q.items[i].Status == StatusFailed {
			q.items[i].Status = StatusPending
			q.items[i].Attempts = 0
			q.items[i].NextAttemptAt = nil
			q.items[i].Error = ""
			count++
		}
	}
	return count, nil
}

func (q *MemoryQueue) ListItems(_ context.Context, filter ItemFilter) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var result []Item
	for _, item := range q.items {
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		if filter.Type != "" && item.Type != filter.Type {
			continue
		}
		result = append(result, item)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// Get returns a copy of the item with id.
func (q *MemoryQueue) Get(id string) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if i := q.indexLocked(id); i >= 0 {
		return q.items[i], true
	}
	return Item{}, false
}

// ownedLocked returns the index of id when it is "sending" under holder.
func (q *MemoryQueue) ownedLocked(id, holder string) int {
	i := q.indexLocked(id)
	if i < 0 || q.items[i].Status != StatusSending || q.items[i].ClaimedBy != holder {
		return -1
	}
	return i
}

func (q *MemoryQueue) indexLocked(id string) int {
	for i := range q.items {
		if q.items[i].ID == id {
			return i
		}
	}
	return -1
}
