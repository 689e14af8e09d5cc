/*
guard.go - Single-flight guards for billing runs

PURPOSE:
  At most one billing run may be active at a time. A run that finds the
  guard held fails with ledger.ErrRunAlreadyInProgress; it is never queued.

IMPLEMENTATIONS:
  MemoryGuard: in-process flag, enough for a single instance
  StoreGuard:  a lock row in the database taken with a conditional update;
               survives restarts, refreshed every TTL/2 while the run is
               active and expires after a TTL once its holder is gone
  RedisGuard:  a Redis lock (bsm/redislock) for multi-instance deployments,
               refreshed while the run is active
  Guards:      acquires several guards in order, releasing in reverse
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"

	"github.com/warp/rent-billing/ledger"
)

// Guard grants exclusive permission to run billing.
type Guard interface {
	// Acquire returns a release func, or ledger.ErrRunAlreadyInProgress.
	Acquire(ctx context.Context, holder string) (release func(), err error)
}

// =============================================================================
// MEMORY GUARD
// =============================================================================

type MemoryGuard struct {
	running atomic.Bool
}

func (g *MemoryGuard) Acquire(_ context.Context, _ string) (func(), error) {
	if !g.running.CompareAndSwap(false, true) {
		return nil, ledger.ErrRunAlreadyInProgress
	}
	return func() { g.running.Store(false) }, nil
}

// Running reports whether a run currently holds the guard.
func (g *MemoryGuard) Running() bool { return g.running.Load() }

// =============================================================================
// STORE GUARD
// =============================================================================

// RunLocker is the persistent run-state record.
type RunLocker interface {
	// AcquireRunLock takes the lock if it is free or its previous holder's
	// lease expired before now. Returns false if someone else holds it.
	AcquireRunLock(ctx context.Context, holder string, now time.Time, ttl time.Duration) (bool, error)

	// RefreshRunLock moves the lease to expires if holder still owns the
	// lock. Returns false if it does not.
	RefreshRunLock(ctx context.Context, holder string, expires time.Time) (bool, error)

	ReleaseRunLock(ctx context.Context, holder string) error
}

var errInvalidTTL = errors.New("run lock ttl must be positive")

type StoreGuard struct {
	Locker RunLocker
	TTL    time.Duration
	Logger *logrus.Logger
}

func (g *StoreGuard) Acquire(ctx context.Context, holder string) (func(), error) {
	if g.TTL <= 0 {
		return nil, errInvalidTTL
	}
	ok, err := g.Locker.AcquireRunLock(ctx, holder, time.Now().UTC(), g.TTL)
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return nil, ledger.ErrRunAlreadyInProgress
	}

	fields := logrus.Fields{"module": "billing", "func": "StoreGuard", "holder": holder}
	stop := keepAlive(g.TTL, func() {
		held, err := g.Locker.RefreshRunLock(context.Background(), holder, time.Now().UTC().Add(g.TTL))
		switch {
		case err != nil:
			g.Logger.WithFields(fields).WithError(err).Warn("failed to refresh run lock")
		case !held:
			g.Logger.WithFields(fields).Error("run lock lost while the run is active")
		}
	})

	return func() {
		stop()
		if err := g.Locker.ReleaseRunLock(context.WithoutCancel(ctx), holder); err != nil {
			g.Logger.WithFields(fields).WithError(err).Error("failed to release run lock")
		}
	}, nil
}

// keepAlive calls refresh every ttl/2 until the returned stop func is
// called. stop waits for an in-flight refresh to finish.
func keepAlive(ttl time.Duration, refresh func()) (stop func()) {
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		interval := ttl / 2
		if interval <= 0 {
			interval = ttl
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
				refresh()
			}
		}
	}()
	return func() {
		close(quit)
		<-done
	}
}

// =============================================================================
// REDIS GUARD
// =============================================================================

type RedisGuard struct {
	Locker *redislock.Client
	Key    string
	TTL    time.Duration
	Logger *logrus.Logger
}

func NewRedisGuard(locker *redislock.Client, ttl time.Duration, logger *logrus.Logger) *RedisGuard {
	return &RedisGuard{Locker: locker, Key: "lock:billing-run", TTL: ttl, Logger: logger}
}

func (g *RedisGuard) Acquire(ctx context.Context, holder string) (func(), error) {
	if g.TTL <= 0 {
		return nil, errInvalidTTL
	}
	lock, err := g.Locker.Obtain(ctx, g.Key, g.TTL, &redislock.Options{Metadata: holder})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ledger.ErrRunAlreadyInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("obtain redis lock: %w", err)
	}

	fields := logrus.Fields{"module": "billing", "func": "RedisGuard", "holder": holder, "key": g.Key}
	stop := keepAlive(g.TTL, func() {
		if err := lock.Refresh(context.Background(), g.TTL, nil); err != nil {
			g.Logger.WithFields(fields).WithError(err).Warn("failed to refresh redis lock")
		}
	})

	return func() {
		stop()
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			g.Logger.WithFields(fields).WithError(err).Warn("failed to release redis lock")
		}
	}, nil
}

// =============================================================================
// COMPOSITE
// =============================================================================

// Guards acquires each guard in order. If one fails, the ones already held
// are released.
type Guards []Guard

func (gs Guards) Acquire(ctx context.Context, holder string) (func(), error) {
	releases := make([]func(), 0, len(gs))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for _, g := range gs {
		release, err := g.Acquire(ctx, holder)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}
