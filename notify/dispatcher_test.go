package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rent-billing/ledger"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingSender remembers every send and fails for listed recipients.
type recordingSender struct {
	mu    sync.Mutex
	sent  []string
	fail  map[string]error
	panic map[string]bool
}

func (s *recordingSender) Send(_ context.Context, recipient, body string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, recipient)
	if s.panic[recipient] {
		panic("gateway client exploded")
	}
	if err := s.fail[recipient]; err != nil {
		return "", err
	}
	return fmt.Sprintf("msg-%d", len(s.sent)), nil
}

func (s *recordingSender) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.sent...)
}

func newTestDispatcher(t *testing.T, sender Sender, cfg Config) (*Dispatcher, *MemoryQueue, *testClock) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	queue := NewMemoryQueue()
	clock := &testClock{now: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)}

	d := NewDispatcher(queue, sender, logger, cfg)
	d.now = clock.Now
	return d, queue, clock
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.SendInterval = 0
	cfg.RetryBackoff = time.Minute
	cfg.MaxBackoff = 10 * time.Minute
	return cfg
}

// enqueueAt enqueues msg and then advances the clock so CreatedAt orders items.
func enqueueAt(t *testing.T, d *Dispatcher, clock *testClock, recipient string) string {
	t.Helper()
	id, err := d.Enqueue(context.Background(), Message{
		Recipient: recipient,
		Body:      "Your rent for March is due",
		Type:      TypeBill,
	})
	require.NoError(t, err)
	clock.Advance(time.Second)
	return id
}

const (
	phone1 = "+254712000001"
	phone2 = "+254712000002"
	phone3 = "+254712000003"
)

// =============================================================================
// ENQUEUE TESTS
// =============================================================================

func TestEnqueue_CreatesPendingItem(t *testing.T) {
	d, queue, _ := newTestDispatcher(t, &recordingSender{}, fastConfig())
	month := ledger.MustParseMonth("2025-03")

	id, err := d.Enqueue(context.Background(), Message{
		Recipient:    "0712 000 001",
		Body:         "  Bill for 2025-03  ",
		Type:         TypeBill,
		BillingMonth: &month,
		TenantID:     "tenant-1",
	})
	require.NoError(t, err)

	item, ok := queue.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, 0, item.Attempts)
	assert.Equal(t, phone1, item.Recipient, "recipient is normalised to E.164")
	assert.Equal(t, "Bill for 2025-03", item.Body)
	require.NotNil(t, item.BillingMonth)
	assert.Equal(t, month, *item.BillingMonth)
}

func TestEnqueue_DefaultsToGeneralType(t *testing.T) {
	d, queue, _ := newTestDispatcher(t, &recordingSender{}, fastConfig())

	id, err := d.Enqueue(context.Background(), Message{Recipient: phone1, Body: "Hello"})
	require.NoError(t, err)

	item, _ := queue.Get(id)
	assert.Equal(t, TypeGeneral, item.Type)
}

func TestEnqueue_RejectsInvalidInput(t *testing.T) {
	d, _, _ := newTestDispatcher(t, &recordingSender{}, fastConfig())
	ctx := context.Background()

	_, err := d.Enqueue(ctx, Message{Recipient: "not-a-phone", Body: "Hello"})
	assert.ErrorIs(t, err, ErrInvalidRecipient)

	_, err = d.Enqueue(ctx, Message{Recipient: "", Body: "Hello"})
	assert.ErrorIs(t, err, ErrInvalidRecipient)

	_, err = d.Enqueue(ctx, Message{Recipient: phone1, Body: "   "})
	assert.ErrorIs(t, err, ErrEmptyBody)
}

func TestEnqueue_DedupeKeyRejectsSecondItem(t *testing.T) {
	d, queue, _ := newTestDispatcher(t, &recordingSender{}, fastConfig())
	ctx := context.Background()
	msg := Message{Recipient: phone1, Body: "Bill", Type: TypeBill, DedupeKey: "bill:t1:u1:2025-03"}

	_, err := d.Enqueue(ctx, msg)
	require.NoError(t, err)

	_, err = d.Enqueue(ctx, msg)
	assert.ErrorIs(t, err, ledger.ErrDuplicate)

	items, err := queue.ListItems(ctx, ItemFilter{})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

// =============================================================================
// FLUSH TESTS
// =============================================================================

func TestFlush_FailureDoesNotBlockBatch(t *testing.T) {
	// GIVEN: Three pending items, the gateway rejects the second recipient
	sender := &recordingSender{fail: map[string]error{
		phone2: &DeliveryError{Recipient: phone2, StatusCode: 502, Err: errors.New("bad gateway")},
	}}
	d, queue, clock := newTestDispatcher(t, sender, fastConfig())
	id1 := enqueueAt(t, d, clock, phone1)
	id2 := enqueueAt(t, d, clock, phone2)
	id3 := enqueueAt(t, d, clock, phone3)

	// WHEN: Flushing
	result, err := d.Flush(context.Background())

	// THEN: #1 and #3 are sent, #2 failed with one attempt recorded
	require.NoError(t, err)
	assert.Equal(t, FlushResult{Claimed: 3, Sent: 2, Failed: 1}, result)

	item1, _ := queue.Get(id1)
	item2, _ := queue.Get(id2)
	item3, _ := queue.Get(id3)

	assert.Equal(t, StatusSent, item1.Status)
	assert.Equal(t, 1, item1.Attempts)
	assert.NotEmpty(t, item1.ProviderMessageID)
	assert.NotNil(t, item1.LastAttemptAt)

	assert.Equal(t, StatusFailed, item2.Status)
	assert.Equal(t, 1, item2.Attempts)
	assert.Contains(t, item2.Error, "bad gateway")
	assert.NotNil(t, item2.LastAttemptAt)

	assert.Equal(t, StatusSent, item3.Status)
	assert.Equal(t, 1, item3.Attempts)
}

func TestFlush_SenderPanicIsRecordedAsFailure(t *testing.T) {
	sender := &recordingSender{panic: map[string]bool{phone2: true}}
	d, queue, clock := newTestDispatcher(t, sender, fastConfig())
	enqueueAt(t, d, clock, phone1)
	id2 := enqueueAt(t, d, clock, phone2)
	enqueueAt(t, d, clock, phone3)

	var result FlushResult
	var err error
	require.NotPanics(t, func() {
		result, err = d.Flush(context.Background())
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Sent)
	assert.Equal(t, 1, result.Failed)

	item2, _ := queue.Get(id2)
	assert.Equal(t, StatusFailed, item2.Status)
	assert.Equal(t, 1, item2.Attempts)
	assert.Contains(t, item2.Error, "sender panic")
}

func TestFlush_SendsOldestFirst(t *testing.T) {
	sender := &recordingSender{}
	d, _, clock := newTestDispatcher(t, sender, fastConfig())
	enqueueAt(t, d, clock, phone3)
	enqueueAt(t, d, clock, phone1)
	enqueueAt(t, d, clock, phone2)

	_, err := d.Flush(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{phone3, phone1, phone2}, sender.Sent())
}

func TestFlush_RespectsBatchSize(t *testing.T) {
	sender := &recordingSender{}
	cfg := fastConfig()
	cfg.BatchSize = 2
	d, queue, clock := newTestDispatcher(t, sender, cfg)
	enqueueAt(t, d, clock, phone1)
	enqueueAt(t, d, clock, phone2)
	enqueueAt(t, d, clock, phone3)

	result, err := d.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Claimed)

	pending, err := queue.ListItems(context.Background(), ItemFilter{Status: StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, phone3, pending[0].Recipient)
}

func TestFlush_TimeoutIsAFailure(t *testing.T) {
	blocking := SenderFunc(func(ctx context.Context, recipient, body string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	cfg := fastConfig()
	cfg.SendTimeout = 20 * time.Millisecond
	d, queue, clock := newTestDispatcher(t, blocking, cfg)
	id := enqueueAt(t, d, clock, phone1)

	result, err := d.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	item, _ := queue.Get(id)
	assert.Equal(t, StatusFailed, item.Status)
	assert.Equal(t, 1, item.Attempts)
	assert.Contains(t, item.Error, "timed out")
}

func TestFlush_CancelledContextReleasesClaims(t *testing.T) {
	sender := &recordingSender{}
	d, queue, clock := newTestDispatcher(t, sender, fastConfig())
	enqueueAt(t, d, clock, phone1)
	enqueueAt(t, d, clock, phone2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := d.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Sent)
	assert.Empty(t, sender.Sent())

	pending, err := queue.ListItems(context.Background(), ItemFilter{Status: StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 2, "unsent items go back to pending without an attempt")
	for _, item := range pending {
		assert.Equal(t, 0, item.Attempts)
	}
}

func TestFlush_ConcurrentFlushesNeverDoubleSend(t *testing.T) {
	// GIVEN: Two dispatchers sharing one queue
	sender := &recordingSender{}
	logger, _ := test.NewNullLogger()
	queue := NewMemoryQueue()
	a := NewDispatcher(queue, sender, logger, fastConfig())
	b := NewDispatcher(queue, sender, logger, fastConfig())

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_, err := a.Enqueue(ctx, Message{Recipient: fmt.Sprintf("+2547120000%02d", i), Body: "Hi"})
		require.NoError(t, err)
	}

	// WHEN: Both flush at once
	var wg sync.WaitGroup
	for _, d := range []*Dispatcher{a, b} {
		wg.Add(1)
		go func(d *Dispatcher) {
			defer wg.Done()
			_, _ = d.Flush(ctx)
		}(d)
	}
	wg.Wait()

	// THEN: Every item was sent exactly once
	counts := map[string]int{}
	for _, r := range sender.Sent() {
		counts[r]++
	}
	assert.Len(t, counts, 20)
	for recipient, n := range counts {
		assert.Equal(t, 1, n, "recipient %s", recipient)
	}
}

func TestFlush_SlowBatchKeepsItsClaims(t *testing.T) {
	// GIVEN: Two dispatchers on one queue and clock. Each of A's sends
	// takes 20 minutes of clock time, so A's batch outlives ClaimTimeout.
	logger, _ := test.NewNullLogger()
	queue := NewMemoryQueue()
	clock := &testClock{now: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)}
	ctx := context.Background()

	var mu sync.Mutex
	delivered := map[string][]string{}
	record := func(who, recipient string) {
		mu.Lock()
		defer mu.Unlock()
		delivered[recipient] = append(delivered[recipient], who)
	}

	b := NewDispatcher(queue, SenderFunc(func(_ context.Context, recipient, _ string) (string, error) {
		record("B", recipient)
		return "b-" + recipient, nil
	}), logger, fastConfig())
	b.now = clock.Now

	var bResult FlushResult
	a := NewDispatcher(queue, SenderFunc(func(ctx context.Context, recipient, _ string) (string, error) {
		record("A", recipient)
		clock.Advance(20 * time.Minute)
		if recipient == phone2 {
			// B flushes while A is still sending #2 and still holds #3
			var err error
			bResult, err = b.Flush(ctx)
			require.NoError(t, err)
		}
		return "a-" + recipient, nil
	}), logger, fastConfig())
	a.now = clock.Now

	enqueueAt(t, a, clock, phone1)
	id2 := enqueueAt(t, a, clock, phone2)
	id3 := enqueueAt(t, a, clock, phone3)

	// WHEN: A flushes its batch of three
	aResult, err := a.Flush(ctx)
	require.NoError(t, err)

	// THEN: B only took over #3, which A had not reached yet
	assert.Equal(t, FlushResult{Claimed: 1, Sent: 1}, bResult)
	assert.Equal(t, FlushResult{Claimed: 3, Sent: 2, Skipped: 1}, aResult)

	// AND: Every recipient got exactly one message
	assert.Equal(t, map[string][]string{
		phone1: {"A"},
		phone2: {"A"},
		phone3: {"B"},
	}, delivered)

	item2, _ := queue.Get(id2)
	item3, _ := queue.Get(id3)
	assert.Equal(t, StatusSent, item2.Status)
	assert.Equal(t, "a-"+phone2, item2.ProviderMessageID)
	assert.Equal(t, StatusSent, item3.Status)
	assert.Equal(t, "b-"+phone3, item3.ProviderMessageID)
	assert.Equal(t, 1, item3.Attempts)
}

func TestQueue_OutcomeRequiresClaimOwner(t *testing.T) {
	queue := NewMemoryQueue()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, queue.Enqueue(ctx, Item{ID: "1", Recipient: phone1, Body: "x", Status: StatusPending, CreatedAt: now}))

	_, err := queue.Claim(ctx, ClaimRequest{Holder: "a", Limit: 1, MaxAttempts: 3, Now: now})
	require.NoError(t, err)

	// A flush that does not own the claim cannot touch the item
	assert.ErrorIs(t, queue.Renew(ctx, "1", "b", now), ledger.ErrNotFound)
	assert.ErrorIs(t, queue.MarkSent(ctx, "1", "b", "x", now), ledger.ErrNotFound)
	assert.ErrorIs(t, queue.MarkFailed(ctx, "1", "b", "x", now, nil), ledger.ErrNotFound)
	require.NoError(t, queue.Release(ctx, "b", []string{"1"}))

	item, _ := queue.Get("1")
	assert.Equal(t, StatusSending, item.Status)
	assert.Equal(t, "a", item.ClaimedBy)
	assert.Equal(t, 0, item.Attempts)

	// The owner can
	later := now.Add(time.Minute)
	require.NoError(t, queue.Renew(ctx, "1", "a", later))
	item, _ = queue.Get("1")
	assert.Equal(t, later, *item.ClaimedAt)
	require.NoError(t, queue.MarkSent(ctx, "1", "a", "gw-1", later))
}

// =============================================================================
// RETRY TESTS
// =============================================================================

func TestFlush_AttemptsNeverExceedCap(t *testing.T) {
	// GIVEN: A recipient the gateway always rejects
	sender := &recordingSender{fail: map[string]error{phone1: errors.New("rejected")}}
	cfg := fastConfig()
	cfg.MaxAttempts = 3
	d, queue, clock := newTestDispatcher(t, sender, cfg)
	id := enqueueAt(t, d, clock, phone1)
	ctx := context.Background()

	// WHEN: Flushing many times with the backoff elapsed between flushes
	for i := 0; i < 6; i++ {
		_, err := d.Flush(ctx)
		require.NoError(t, err)
		clock.Advance(time.Hour)
	}

	// THEN: Exactly three attempts, then the item is excluded from flushes
	item, _ := queue.Get(id)
	assert.Equal(t, StatusFailed, item.Status)
	assert.Equal(t, 3, item.Attempts)
	assert.Nil(t, item.NextAttemptAt, "no automatic retry at the cap")
	assert.Len(t, sender.Sent(), 3)
}

func TestFlush_FailedItemWaitsForBackoff(t *testing.T) {
	sender := &recordingSender{fail: map[string]error{phone1: errors.New("rejected")}}
	d, queue, clock := newTestDispatcher(t, sender, fastConfig())
	id := enqueueAt(t, d, clock, phone1)
	ctx := context.Background()

	_, err := d.Flush(ctx)
	require.NoError(t, err)

	item, _ := queue.Get(id)
	require.NotNil(t, item.NextAttemptAt)
	assert.Equal(t, clock.Now().Add(time.Minute), *item.NextAttemptAt)

	// Before the backoff elapses nothing is claimed
	result, err := d.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Claimed)

	clock.Advance(time.Minute)
	result, err = d.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Claimed)

	item, _ = queue.Get(id)
	assert.Equal(t, 2, item.Attempts)
}

func TestRetryFailed_ResetsAttempts(t *testing.T) {
	// GIVEN: An item that exhausted its attempts
	sender := &recordingSender{fail: map[string]error{phone1: errors.New("rejected")}}
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	d, queue, clock := newTestDispatcher(t, sender, cfg)
	id := enqueueAt(t, d, clock, phone1)
	ctx := context.Background()

	_, err := d.Flush(ctx)
	require.NoError(t, err)

	failed, err := d.Items(ctx, ItemFilter{Status: StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)

	// WHEN: The gateway recovers and the operator retries
	delete(sender.fail, phone1)
	n, err := d.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	item, _ := queue.Get(id)
	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, 0, item.Attempts)

	// THEN: The next flush delivers it
	result, err := d.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)

	item, _ = queue.Get(id)
	assert.Equal(t, StatusSent, item.Status)
	assert.Equal(t, 1, item.Attempts)
}

func TestFlush_ReclaimsStaleSendingItems(t *testing.T) {
	sender := &recordingSender{}
	d, queue, clock := newTestDispatcher(t, sender, fastConfig())
	id := enqueueAt(t, d, clock, phone1)
	ctx := context.Background()

	// A crashed flush left the item in "sending"
	claimed, err := queue.Claim(ctx, ClaimRequest{Holder: "crashed", Limit: 10, MaxAttempts: 3, Now: clock.Now()})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	result, err := d.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Claimed, "fresh claims are left alone")

	clock.Advance(d.Config().ClaimTimeout + time.Second)
	result, err = d.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)

	item, _ := queue.Get(id)
	assert.Equal(t, StatusSent, item.Status)
}

func TestConfig_ClaimTimeoutMustExceedBatch(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 50*(time.Second+15*time.Second), cfg.BatchDuration())

	cfg.ClaimTimeout = 10 * time.Minute
	assert.Error(t, cfg.Validate())

	cfg.ClaimTimeout = cfg.BatchDuration()
	assert.Error(t, cfg.Validate(), "equal is not enough")

	// NewDispatcher raises a short timeout instead of running with it
	logger, hook := test.NewNullLogger()
	cfg.ClaimTimeout = time.Minute
	d := NewDispatcher(NewMemoryQueue(), &recordingSender{}, logger, cfg)
	assert.Greater(t, d.Config().ClaimTimeout, cfg.BatchDuration())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	logger := logrus.New()
	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Minute
	cfg.MaxBackoff = 5 * time.Minute
	d := NewDispatcher(NewMemoryQueue(), &recordingSender{}, logger, cfg)

	assert.Equal(t, time.Minute, d.backoff(1))
	assert.Equal(t, 2*time.Minute, d.backoff(2))
	assert.Equal(t, 4*time.Minute, d.backoff(3))
	assert.Equal(t, 5*time.Minute, d.backoff(4))
	assert.Equal(t, 5*time.Minute, d.backoff(10))
}
