package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const queueColumns = `id, correlation_id, destination, payload, status, attempt_count,
	next_attempt_at, created_at, claimed_at, sent_at, last_failure_at, error_code, origin_sms_id`

// EnqueueItem inserts a new PENDING item and returns its id.
func (s *Store) EnqueueItem(ctx context.Context, it QueueItem) (int64, error) {
	if it.NextAttemptAt.IsZero() {
		it.NextAttemptAt = it.CreatedAt
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_items(correlation_id, destination, payload, status, attempt_count,
		   next_attempt_at, created_at, origin_sms_id)
		 VALUES(?,?,?,?,?,?,?,?)`,
		it.CorrelationID, it.Destination, it.Payload, string(StatusPending), it.AttemptCount,
		it.NextAttemptAt.UnixMilli(), it.CreatedAt.UnixMilli(), zeroNil(it.OriginSMSID),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ReadyItems returns up to limit PENDING items whose next attempt is due,
// oldest-ready first.
func (s *Store) ReadyItems(ctx context.Context, now time.Time, limit int) ([]QueueItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM queue_items
		 WHERE status = ? AND next_attempt_at <= ?
		 ORDER BY next_attempt_at ASC
		 LIMIT ?`,
		string(StatusPending), now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanQueueItems(rows)
}

// ClaimItem performs the conditional PENDING→PROCESSING transition.
// Exactly one concurrent caller can win a given item.
func (s *Store) ClaimItem(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = ?, claimed_at = ?
		 WHERE id = ? AND status = ?`,
		string(StatusProcessing), now.UnixMilli(), id, string(StatusPending),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkSent transitions PROCESSING→SENT. Returns false if the item was not
// PROCESSING (stale or duplicate signal).
func (s *Store) MarkSent(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = ?, sent_at = ?, error_code = NULL
		 WHERE id = ? AND status = ?`,
		string(StatusSent), at.UnixMilli(), id, string(StatusProcessing),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RescheduleRetry returns a PROCESSING item to PENDING with an increased
// attempt count and a computed next attempt time. Returns false if the item
// was not PROCESSING anymore (a stale signal racing the staleness sweep).
func (s *Store) RescheduleRetry(ctx context.Context, id int64, attempts int, nextAt, failedAt time.Time, errCode string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items
		 SET status = ?, attempt_count = ?, next_attempt_at = ?, last_failure_at = ?, error_code = ?, claimed_at = NULL
		 WHERE id = ? AND status = ?`,
		string(StatusPending), attempts, nextAt.UnixMilli(), failedAt.UnixMilli(), nullStr(errCode), id, string(StatusProcessing),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkTerminal stamps a terminal status (FAILED or EXHAUSTED) with its error
// code. Like the other claim-side transitions it only moves PROCESSING items;
// a false return means the item moved on and the signal must be discarded.
func (s *Store) MarkTerminal(ctx context.Context, id int64, st Status, errCode string, attempts int, failedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items
		 SET status = ?, attempt_count = ?, last_failure_at = ?, error_code = ?, claimed_at = NULL
		 WHERE id = ? AND status = ?`,
		string(st), attempts, failedAt.UnixMilli(), nullStr(errCode), id, string(StatusProcessing),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkDelivery applies a delivery report to a SENT item only. Returns false
// when the item was not in SENT (unknown, duplicate, or out-of-order signal).
func (s *Store) MarkDelivery(ctx context.Context, id int64, delivered bool, errCode string, at time.Time) (bool, error) {
	st := StatusDelivered
	if !delivered {
		st = StatusDeliveryFailed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = ?, error_code = ? WHERE id = ? AND status = ?`,
		string(st), nullStr(errCode), id, string(StatusSent),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ResetStale heals items abandoned mid-send: PROCESSING items claimed before
// cutoff go back to PENDING, eligible immediately.
func (s *Store) ResetStale(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = ?, next_attempt_at = ?, claimed_at = NULL
		 WHERE status = ? AND claimed_at IS NOT NULL AND claimed_at < ?`,
		string(StatusPending), now.UnixMilli(), string(StatusProcessing), cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ExpireDeliveries finalizes SENT items that never received a delivery
// report before cutoff.
func (s *Store) ExpireDeliveries(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = ?
		 WHERE status = ? AND sent_at IS NOT NULL AND sent_at < ?`,
		string(StatusDeliveryExpired), string(StatusSent), cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneQueue deletes terminal items created before cutoff.
func (s *Store) PruneQueue(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_items
		 WHERE created_at < ? AND status IN (?,?,?,?,?)`,
		cutoff.UnixMilli(),
		string(StatusFailed), string(StatusExhausted),
		string(StatusDelivered), string(StatusDeliveryFailed), string(StatusDeliveryExpired),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CancelPending deletes an item if it has not been picked up yet.
func (s *Store) CancelPending(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_items WHERE id = ? AND status = ?`,
		id, string(StatusPending),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) ItemByID(ctx context.Context, id int64) (QueueItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM queue_items WHERE id = ?`, id)
	return scanQueueItem(row)
}

// ItemByCorrelation resolves an asynchronous channel signal back to its item.
func (s *Store) ItemByCorrelation(ctx context.Context, correlationID string) (QueueItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM queue_items WHERE correlation_id = ?`, correlationID)
	return scanQueueItem(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(r rowScanner) (QueueItem, error) {
	var (
		it                                      QueueItem
		status                                  string
		nextAt, createdAt                       int64
		claimedAt, sentAt, lastFailAt, originID sql.NullInt64
		errCode                                 sql.NullString
	)
	err := r.Scan(&it.ID, &it.CorrelationID, &it.Destination, &it.Payload, &status, &it.AttemptCount,
		&nextAt, &createdAt, &claimedAt, &sentAt, &lastFailAt, &errCode, &originID)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueItem{}, ErrNotFound
	}
	if err != nil {
		return QueueItem{}, err
	}
	it.Status = Status(status)
	it.NextAttemptAt = msToTime(nextAt)
	it.CreatedAt = msToTime(createdAt)
	it.ClaimedAt = msToTime(claimedAt.Int64)
	it.SentAt = msToTime(sentAt.Int64)
	it.LastFailureAt = msToTime(lastFailAt.Int64)
	it.ErrorCode = errCode.String
	it.OriginSMSID = originID.Int64
	return it, nil
}

func scanQueueItems(rows *sql.Rows) ([]QueueItem, error) {
	var out []QueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func zeroNil(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
