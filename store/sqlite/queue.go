package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/warp/rent-billing/ledger"
	"github.com/warp/rent-billing/notify"
)

// =============================================================================
// OUTBOUND QUEUE (notify.Queue interface)
// =============================================================================

const itemColumns = `id, recipient, body, message_type, status, attempts, last_attempt_at,
	next_attempt_at, error, billing_month, tenant_id, dedupe_key, provider_message_id,
	claimed_by, claimed_at, created_at`

func scanItem(row scanner) (notify.Item, error) {
	var (
		item                                notify.Item
		lastAttempt, nextAttempt, claimedAt sql.NullString
		errText, month, tenantID, dedupeKey sql.NullString
		providerID, claimedBy               sql.NullString
		createdAt                           string
	)
	if err := row.Scan(&item.ID, &item.Recipient, &item.Body, &item.Type, &item.Status, &item.Attempts,
		&lastAttempt, &nextAttempt, &errText, &month, &tenantID, &dedupeKey, &providerID,
		&claimedBy, &claimedAt, &createdAt); err != nil {
		return item, err
	}

	item.LastAttemptAt = parseNullTime(lastAttempt)
	item.NextAttemptAt = parseNullTime(nextAttempt)
	item.ClaimedAt = parseNullTime(claimedAt)
	item.Error = errText.String
	item.TenantID = tenantID.String
	item.DedupeKey = dedupeKey.String
	item.ProviderMessageID = providerID.String
	item.ClaimedBy = claimedBy.String
	item.CreatedAt = parseTime(createdAt)
	if month.Valid && month.String != "" {
		m, err := ledger.ParseMonth(month.String)
		if err != nil {
			return item, err
		}
		item.BillingMonth = &m
	}
	return item, nil
}

// Enqueue stores a new item. A repeated dedupe key returns ledger.ErrDuplicate.
func (s *Store) Enqueue(ctx context.Context, item notify.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var month sql.NullString
	if item.BillingMonth != nil {
		month = nullString(item.BillingMonth.String())
	}
	if item.Status == "" {
		item.Status = notify.StatusPending
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sms_queue (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.Recipient, item.Body, item.Type, item.Status, item.Attempts,
		nullTime(item.LastAttemptAt), nullTime(item.NextAttemptAt), nullString(item.Error),
		month, nullString(item.TenantID), nullString(item.DedupeKey), nullString(item.ProviderMessageID),
		nullString(item.ClaimedBy), nullTime(item.ClaimedAt), formatTime(item.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return ledger.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	return nil
}

// Claim selects eligible items oldest first and moves them to "sending"
// inside one immediate transaction. Each row is re-checked by a
// conditional UPDATE, so a row changed by another process is skipped.
func (s *Store) Claim(ctx context.Context, req notify.ClaimRequest) ([]notify.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := req.Limit
	if limit <= 0 {
		limit = -1
	}
	now := formatTime(req.Now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM sms_queue
		WHERE attempts < ?
		  AND (status = ?
		       OR (status = ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?)
		       OR (status = ? AND claimed_at IS NOT NULL AND claimed_at <= ?))
		ORDER BY created_at ASC, seq ASC
		LIMIT ?
	`, req.MaxAttempts,
		notify.StatusPending,
		notify.StatusFailed, now,
		notify.StatusSending, formatTime(req.StaleBefore),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable messages: %w", err)
	}

	var candidates []notify.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		candidates = append(candidates, item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	claimed := make([]notify.Item, 0, len(candidates))
	for _, item := range candidates {
		res, err := tx.ExecContext(ctx, `
			UPDATE sms_queue SET status = ?, claimed_by = ?, claimed_at = ?
			WHERE id = ? AND status = ? AND attempts < ?
		`, notify.StatusSending, req.Holder, now, item.ID, item.Status, req.MaxAttempts)
		if err != nil {
			return nil, fmt.Errorf("failed to claim message %s: %w", item.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		at := req.Now
		item.Status = notify.StatusSending
		item.ClaimedBy = req.Holder
		item.ClaimedAt = &at
		claimed = append(claimed, item)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return claimed, nil
}

// Renew moves holder's claimed_at forward so a long batch does not look
// stale to other flushes while this item is being sent.
func (s *Store) Renew(ctx context.Context, id, holder string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE sms_queue SET claimed_at = ?
		WHERE id = ? AND status = ? AND claimed_by = ?
	`, formatTime(at), id, notify.StatusSending, holder)
	return affectedOne(res, err, "renew message claim")
}

// Release returns holder's claimed items to pending. Items no longer
// owned by holder are left alone.
func (s *Store) Release(ctx context.Context, holder string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sms_queue SET status = ?, claimed_by = NULL, claimed_at = NULL
			WHERE id = ? AND status = ? AND claimed_by = ?
		`, notify.StatusPending, id, notify.StatusSending, holder)
		if err != nil {
			return fmt.Errorf("failed to release message %s: %w", id, err)
		}
	}
	return nil
}

func (s *Store) MarkSent(ctx context.Context, id, holder, providerMessageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE sms_queue
		SET status = ?, attempts = attempts + 1, last_attempt_at = ?, next_attempt_at = NULL,
		    provider_message_id = ?, error = NULL
		WHERE id = ? AND status = ? AND claimed_by = ?
	`, notify.StatusSent, formatTime(at), nullString(providerMessageID), id, notify.StatusSending, holder)
	return affectedOne(res, err, "mark message sent")
}

func (s *Store) MarkFailed(ctx context.Context, id, holder, reason string, at time.Time, retryAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE sms_queue
		SET status = ?, attempts = attempts + 1, last_attempt_at = ?, next_attempt_at = ?, error = ?
		WHERE id = ? AND status = ? AND claimed_by = ?
	`, notify.StatusFailed, formatTime(at), nullTime(retryAt), nullString(reason), id, notify.StatusSending, holder)
	return affectedOne(res, err, "mark message failed")
}

// ResetFailed moves every failed item back to pending with attempts 0.
func (s *Store) ResetFailed(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE sms_queue
		SET status = ?, attempts = 0, next_attempt_at = NULL, error = NULL
		WHERE status = ?
	`, notify.StatusPending, notify.StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed messages: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ListItems returns items newest first.
func (s *Store) ListItems(ctx context.Context, filter notify.ItemFilter) ([]notify.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + itemColumns + ` FROM sms_queue WHERE 1 = 1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.Type != "" {
		query += ` AND message_type = ?`
		args = append(args, filter.Type)
	}
	query += ` ORDER BY created_at DESC, seq DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var result []notify.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

// affectedOne maps "no row changed" to ledger.ErrNotFound.
func affectedOne(res sql.Result, err error, op string) error {
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}
