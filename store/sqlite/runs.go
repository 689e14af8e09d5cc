package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/warp/rent-billing/ledger"
)

// =============================================================================
// BILLING RUNS (ledger.RunStore interface)
// =============================================================================

const runColumns = `id, month, trigger_type, status, total_tenants, bills_sent, bills_failed,
	skipped, details_json, error, started_at, completed_at`

func scanRun(row scanner) (ledger.BillingRun, error) {
	var (
		run                    ledger.BillingRun
		month                  string
		details, errText       sql.NullString
		startedAt, completedAt string
	)
	if err := row.Scan(&run.ID, &month, &run.Trigger, &run.Status, &run.TotalTenants,
		&run.BillsSent, &run.BillsFailed, &run.Skipped, &details, &errText,
		&startedAt, &completedAt); err != nil {
		return run, err
	}

	var err error
	if run.Month, err = ledger.ParseMonth(month); err != nil {
		return run, err
	}
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &run.Details); err != nil {
			return run, fmt.Errorf("invalid run details for %s: %w", run.ID, err)
		}
	}
	run.Error = errText.String
	run.StartedAt = parseTime(startedAt)
	run.CompletedAt = parseTime(completedAt)
	return run, nil
}

// SaveBillingRun appends a run record. Runs are never updated.
func (s *Store) SaveBillingRun(ctx context.Context, run ledger.BillingRun) error {
	details, err := json.Marshal(run.Details)
	if err != nil {
		return fmt.Errorf("failed to encode run details: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO billing_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Month.String(), run.Trigger, run.Status, run.TotalTenants,
		run.BillsSent, run.BillsFailed, run.Skipped, string(details), nullString(run.Error),
		formatTime(run.StartedAt), formatTime(run.CompletedAt),
	)
	if isUniqueConstraintError(err) {
		return ledger.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to save billing run: %w", err)
	}
	return nil
}

// ListBillingRuns returns runs newest first. A limit of 0 returns all.
func (s *Store) ListBillingRuns(ctx context.Context, limit int) ([]ledger.BillingRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM billing_runs
		ORDER BY completed_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list billing runs: %w", err)
	}
	defer rows.Close()

	var result []ledger.BillingRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan billing run: %w", err)
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

// LastBillingRun returns the most recent completed run, or nil.
func (s *Store) LastBillingRun(ctx context.Context) (*ledger.BillingRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM billing_runs
		WHERE status = ?
		ORDER BY completed_at DESC, rowid DESC
		LIMIT 1
	`, ledger.RunCompleted)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last billing run: %w", err)
	}
	return &run, nil
}

// =============================================================================
// RUN LOCK (billing.RunLocker interface)
// =============================================================================

// AcquireRunLock takes the single lock row when it is free or its lease
// has expired. The conditional UPDATE is the whole protocol: two
// processes racing for it cannot both see a changed row.
func (s *Store) AcquireRunLock(ctx context.Context, holder string, now time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE billing_run_lock
		SET holder = ?, acquired_at = ?, expires_at = ?
		WHERE id = 1 AND (holder IS NULL OR expires_at IS NULL OR expires_at <= ?)
	`, holder, formatTime(now), formatTime(now.Add(ttl)), formatTime(now))
	if err != nil {
		return false, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RefreshRunLock extends holder's lease to expires. A holder whose lease
// was already taken over gets false.
func (s *Store) RefreshRunLock(ctx context.Context, holder string, expires time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE billing_run_lock SET expires_at = ?
		WHERE id = 1 AND holder = ?
	`, formatTime(expires), holder)
	if err != nil {
		return false, fmt.Errorf("failed to refresh run lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseRunLock frees the lock if holder still owns it.
func (s *Store) ReleaseRunLock(ctx context.Context, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE billing_run_lock
		SET holder = NULL, acquired_at = NULL, expires_at = NULL
		WHERE id = 1 AND holder = ?
	`, holder)
	if err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	return nil
}

// =============================================================================
// SETTINGS (ledger.SettingsStore interface)
// =============================================================================

const (
	settingBillingDay  = "billing_day"
	settingPaybill     = "paybill"
	settingCompanyName = "company_name"
)

// Settings returns the raw stored values. Missing keys are zero; callers
// resolve defaults with Settings.Resolve.
func (s *Store) Settings(ctx context.Context) (ledger.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return ledger.Settings{}, fmt.Errorf("failed to load settings: %w", err)
	}
	defer rows.Close()

	var out ledger.Settings
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return ledger.Settings{}, err
		}
		switch key {
		case settingBillingDay:
			// An unparseable day is treated as unset.
			out.BillingDay, _ = strconv.Atoi(value)
		case settingPaybill:
			out.Paybill = value
		case settingCompanyName:
			out.CompanyName = value
		}
	}
	return out, rows.Err()
}

// SaveSettings replaces all settings. Empty values delete the key.
func (s *Store) SaveSettings(ctx context.Context, settings ledger.Settings) error {
	day := ""
	if settings.BillingDay > 0 {
		day = strconv.Itoa(settings.BillingDay)
	}
	values := []struct{ key, value string }{
		{settingBillingDay, day},
		{settingPaybill, settings.Paybill},
		{settingCompanyName, settings.CompanyName},
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	for _, kv := range values {
		if kv.value == "" {
			_, err = tx.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, kv.key)
		} else {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
				ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
			`, kv.key, kv.value, now)
		}
		if err != nil {
			return fmt.Errorf("failed to save setting %s: %w", kv.key, err)
		}
	}
	return tx.Commit()
}
