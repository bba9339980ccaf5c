package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const messageColumns = `id, external_id, destination, body, direction, status,
	created_at, sent_at, delivered_at, error_code`

// InsertOutbound creates the message-log row for an engine-originated send
// and folds it into the conversation and search indices immediately, so the
// indices never lag behind the engine's own writes. The caller supplies a
// stable external id (the queue item's correlation id).
func (s *Store) InsertOutbound(ctx context.Context, externalID, destination, body string, createdAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO message_records(external_id, destination, body, direction, status, created_at)
		 VALUES(?,?,?,?,?,?)`,
		externalID, destination, body, DirectionOut, MessagePending, createdAt.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	err = s.IndexMessage(ctx, MessageRecord{
		ID:          id,
		Destination: destination,
		Body:        body,
		CreatedAt:   createdAt,
	})
	return id, err
}

func (s *Store) MessageByID(ctx context.Context, id int64) (MessageRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM message_records WHERE id = ?`, id)
	return scanMessage(row)
}

// MirrorItemStatus keeps the paired message-log row in step with a queue
// transition so the log never diverges from the queue. A zero originSMSID is
// a no-op (the item has no paired record).
func (s *Store) MirrorItemStatus(ctx context.Context, originSMSID int64, st Status, errCode string, now time.Time) error {
	if originSMSID == 0 {
		return nil
	}
	msgStatus, sentAt, deliveredAt := mirrorFields(st, now)
	_, err := s.db.ExecContext(ctx,
		`UPDATE message_records
		 SET status = ?,
		     sent_at = COALESCE(?, sent_at),
		     delivered_at = COALESCE(?, delivered_at),
		     error_code = ?
		 WHERE id = ?`,
		msgStatus, msOrNil(sentAt), msOrNil(deliveredAt), nullStr(errCode), originSMSID,
	)
	return err
}

func mirrorFields(st Status, now time.Time) (msgStatus string, sentAt, deliveredAt time.Time) {
	switch st {
	case StatusProcessing:
		return MessageSending, time.Time{}, time.Time{}
	case StatusSent, StatusDeliveryExpired:
		// DELIVERY_EXPIRED is a queue bookkeeping state; the log keeps SENT.
		return MessageSent, now, time.Time{}
	case StatusDelivered:
		return MessageDelivered, time.Time{}, now
	case StatusFailed, StatusExhausted, StatusDeliveryFailed:
		return MessageFailed, time.Time{}, time.Time{}
	default:
		return MessagePending, time.Time{}, time.Time{}
	}
}

// UpsertExternal folds an externally-observed message into the log, keyed by
// its stable external id. Reports whether a new row was inserted.
func (s *Store) UpsertExternal(ctx context.Context, rec MessageRecord) (inserted bool, id int64, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id FROM message_records WHERE external_id = ?`, rec.ExternalID)
	switch err = row.Scan(&id); {
	case errors.Is(err, sql.ErrNoRows):
		res, ierr := s.db.ExecContext(ctx,
			`INSERT INTO message_records(external_id, destination, body, direction, status,
			   created_at, sent_at, delivered_at, error_code)
			 VALUES(?,?,?,?,?,?,?,?,?)`,
			rec.ExternalID, rec.Destination, rec.Body, rec.Direction, rec.Status,
			rec.CreatedAt.UnixMilli(), msOrNil(rec.SentAt), msOrNil(rec.DeliveredAt), nullStr(rec.ErrorCode),
		)
		if ierr != nil {
			return false, 0, ierr
		}
		id, ierr = res.LastInsertId()
		return true, id, ierr
	case err != nil:
		return false, 0, err
	default:
		_, uerr := s.db.ExecContext(ctx,
			`UPDATE message_records
			 SET status = ?, sent_at = COALESCE(?, sent_at), delivered_at = COALESCE(?, delivered_at), error_code = ?
			 WHERE id = ?`,
			rec.Status, msOrNil(rec.SentAt), msOrNil(rec.DeliveredAt), nullStr(rec.ErrorCode), id,
		)
		return false, id, uerr
	}
}

// ForEachMessage streams the whole log, oldest first (index rebuilds).
func (s *Store) ForEachMessage(ctx context.Context, fn func(MessageRecord) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM message_records ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanMessage(rows)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

func scanMessage(r rowScanner) (MessageRecord, error) {
	var (
		rec               MessageRecord
		createdAt         int64
		sentAt, delivered sql.NullInt64
		errCode           sql.NullString
	)
	err := r.Scan(&rec.ID, &rec.ExternalID, &rec.Destination, &rec.Body, &rec.Direction, &rec.Status,
		&createdAt, &sentAt, &delivered, &errCode)
	if errors.Is(err, sql.ErrNoRows) {
		return MessageRecord{}, ErrNotFound
	}
	if err != nil {
		return MessageRecord{}, err
	}
	rec.CreatedAt = msToTime(createdAt)
	rec.SentAt = msToTime(sentAt.Int64)
	rec.DeliveredAt = msToTime(delivered.Int64)
	rec.ErrorCode = errCode.String
	return rec, nil
}
