/*
Package scheduler drives billing runs and queue flushes on a clock.

PURPOSE:
  One Scheduler per deployment, created explicitly and injected where it
  is needed. While running it owns two independent cron entries:
    - billing: once a month on the configured billing day and hour
    - flush:   every FlushInterval, drains the notification queue

STATE MACHINE:
  stopped --Start--> running --Stop--> stopped

  The billing day is read from settings at Start. Changing it needs
  Restart (Stop + Start).

SINGLE-FLIGHT:
  Both entries are wrapped in SkipIfStillRunning, so a slow flush never
  overlaps the next one. Billing runs are additionally guarded by the
  generator's run guard, which also covers manual triggers.

SEE ALSO:
  - billing/generator.go: Monthly bill run
  - notify/dispatcher.go: Flush
  - api/handlers.go: Start/stop/status/trigger endpoints
*/
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/warp/rent-billing/billing"
	"github.com/warp/rent-billing/ledger"
	"github.com/warp/rent-billing/notify"
)

// BillingRunner runs billing for a month.
type BillingRunner interface {
	Generate(ctx context.Context, month ledger.Month, trigger ledger.RunTrigger) (*billing.Result, error)
}

// Flusher drains the outbound queue.
type Flusher interface {
	Flush(ctx context.Context) (notify.FlushResult, error)
}

type Options struct {
	Generator BillingRunner
	Flusher   Flusher
	Settings  ledger.SettingsStore
	Runs      ledger.RunStore
	Logger    *logrus.Logger

	Location      *time.Location // billing calendar timezone
	BillingHour   int            // hour of the billing day, 0-23
	FlushInterval time.Duration

	// RunTimeout bounds one scheduled billing run. Zero means no deadline.
	RunTimeout time.Duration
}

// FlushRecord is the outcome of the last scheduled flush.
type FlushRecord struct {
	At     time.Time          `json:"at"`
	Result notify.FlushResult `json:"result"`
	Error  string             `json:"error,omitempty"`
}

// Status is a snapshot of the scheduler.
type Status struct {
	Running        bool               `json:"running"`
	BillingDay     int                `json:"billing_day"`
	BillingHour    int                `json:"billing_hour"`
	Timezone       string             `json:"timezone"`
	FlushInterval  string             `json:"flush_interval"`
	StartedAt      *time.Time         `json:"started_at,omitempty"`
	NextBillingRun *time.Time         `json:"next_billing_run,omitempty"`
	NextFlush      *time.Time         `json:"next_flush,omitempty"`
	LastBillingRun *ledger.BillingRun `json:"last_billing_run,omitempty"`
	LastFlush      *FlushRecord       `json:"last_flush,omitempty"`
}

type Scheduler struct {
	opts Options

	mu         sync.Mutex // guards the cron lifecycle
	cron       *cron.Cron
	billingID  cron.EntryID
	flushID    cron.EntryID
	billingDay int
	startedAt  time.Time

	lastMu    sync.Mutex // guards lastFlush; jobs take it while mu may be held by Stop
	lastFlush *FlushRecord

	now func() time.Time
}

func New(opts Options) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Minute
	}
	if opts.BillingHour < 0 || opts.BillingHour > 23 {
		opts.BillingHour = 8
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Scheduler{opts: opts, now: time.Now}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start schedules the billing and flush entries. Starting a running
// scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return nil
	}

	day := s.billingDayFromSettings(ctx)
	logger := cron.PrintfLogger(s.opts.Logger)
	c := cron.New(
		cron.WithLocation(s.opts.Location),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	billingSpec := fmt.Sprintf("0 %d %d * *", s.opts.BillingHour, day)
	billingID, err := c.AddFunc(billingSpec, s.runScheduledBilling)
	if err != nil {
		return fmt.Errorf("schedule billing %q: %w", billingSpec, err)
	}
	flushSpec := "@every " + s.opts.FlushInterval.String()
	flushID, err := c.AddFunc(flushSpec, s.runFlush)
	if err != nil {
		return fmt.Errorf("schedule flush %q: %w", flushSpec, err)
	}

	c.Start()
	s.cron = c
	s.billingID = billingID
	s.flushID = flushID
	s.billingDay = day
	s.startedAt = s.now()

	s.opts.Logger.WithFields(logrus.Fields{
		"module":         "scheduler",
		"billing_spec":   billingSpec,
		"flush_interval": s.opts.FlushInterval.String(),
		"timezone":       s.opts.Location.String(),
	}).Info("scheduler started")
	return nil
}

// Stop removes both entries and waits for running jobs to finish.
// Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	s.billingID, s.flushID = 0, 0

	s.opts.Logger.WithFields(logrus.Fields{"module": "scheduler"}).Info("scheduler stopped")
}

// Restart re-reads the billing day and reschedules.
func (s *Scheduler) Restart(ctx context.Context) error {
	s.Stop()
	return s.Start(ctx)
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cron != nil
}

// Status reports whether the entries are active, when they fire next and
// the last completed billing run.
func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	s.mu.Lock()
	st := Status{
		Running:       s.cron != nil,
		BillingHour:   s.opts.BillingHour,
		Timezone:      s.opts.Location.String(),
		FlushInterval: s.opts.FlushInterval.String(),
		BillingDay:    s.billingDay,
	}
	if s.cron != nil {
		started := s.startedAt
		st.StartedAt = &started
		if next := s.cron.Entry(s.billingID).Next; !next.IsZero() {
			st.NextBillingRun = &next
		}
		if next := s.cron.Entry(s.flushID).Next; !next.IsZero() {
			st.NextFlush = &next
		}
	}
	s.mu.Unlock()

	if !st.Running {
		st.BillingDay = s.billingDayFromSettings(ctx)
	}

	s.lastMu.Lock()
	if s.lastFlush != nil {
		rec := *s.lastFlush
		st.LastFlush = &rec
	}
	s.lastMu.Unlock()

	if s.opts.Runs != nil {
		last, err := s.opts.Runs.LastBillingRun(ctx)
		if err != nil {
			return st, fmt.Errorf("load last billing run: %w", err)
		}
		st.LastBillingRun = last
	}
	return st, nil
}

// =============================================================================
// TRIGGERS
// =============================================================================

// TriggerManualBillingRun runs billing now, outside the calendar. It works
// whether or not the scheduler is running and still honours the run guard.
// A zero month means the current month in the scheduler's timezone.
func (s *Scheduler) TriggerManualBillingRun(ctx context.Context, month ledger.Month) (*billing.Result, error) {
	if month.IsZero() {
		month = s.currentMonth()
	}
	return s.opts.Generator.Generate(ctx, month, ledger.TriggerManual)
}

func (s *Scheduler) currentMonth() ledger.Month {
	return ledger.MonthOf(s.now().In(s.opts.Location))
}

func (s *Scheduler) runScheduledBilling() {
	ctx := context.Background()
	if s.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RunTimeout)
		defer cancel()
	}

	month := s.currentMonth()
	fields := logrus.Fields{"module": "scheduler", "func": "runScheduledBilling", "month": month.String()}

	_, err := s.opts.Generator.Generate(ctx, month, ledger.TriggerScheduled)
	switch {
	case errors.Is(err, ledger.ErrRunAlreadyInProgress):
		s.opts.Logger.WithFields(fields).Warn("scheduled billing skipped: a run is already in progress")
	case err != nil:
		s.opts.Logger.WithFields(fields).WithError(err).Error("scheduled billing failed")
	}
}

func (s *Scheduler) runFlush() {
	res, err := s.opts.Flusher.Flush(context.Background())

	rec := &FlushRecord{At: s.now(), Result: res}
	if err != nil {
		rec.Error = err.Error()
		s.opts.Logger.WithFields(logrus.Fields{"module": "scheduler", "func": "runFlush"}).
			WithError(err).Error("queue flush failed")
	}

	s.lastMu.Lock()
	s.lastFlush = rec
	s.lastMu.Unlock()
}

func (s *Scheduler) billingDayFromSettings(ctx context.Context) int {
	var raw ledger.Settings
	if s.opts.Settings != nil {
		got, err := s.opts.Settings.Settings(ctx)
		if err != nil {
			s.opts.Logger.WithFields(logrus.Fields{"module": "scheduler"}).
				WithError(err).Warn("failed to load settings, using default billing day")
		} else {
			raw = got
		}
	}
	resolved, _ := raw.Resolve()
	return resolved.BillingDay
}
