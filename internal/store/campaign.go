package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const campaignColumns = `id, campaign_id, name, status, is_recurring, recurrence,
	next_execution_at, last_execution_at, occurrences, is_active, created_at`

func (s *Store) InsertCampaign(ctx context.Context, c Campaign) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns(campaign_id, name, status, is_recurring, recurrence,
		   next_execution_at, occurrences, is_active, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		c.CampaignID, c.Name, string(CampaignScheduled), c.IsRecurring, c.Recurrence,
		msOrNil(c.NextExecutionAt), c.Occurrences, c.IsActive, c.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) CampaignByID(ctx context.Context, id int64) (Campaign, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id)
	return scanCampaign(row)
}

// BeginExecution is the timer-fire guard: SCHEDULED∧active → EXECUTING,
// stamping the fire time and occurrence count atomically. A false return
// means the fire was stale or duplicated and must be ignored.
//
// The same conditional update enforces the one-EXECUTING-per-campaign_id
// invariant: a second fire for the group cannot find a SCHEDULED row to claim
// while the first is still executing.
func (s *Store) BeginExecution(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns
		 SET status = ?, last_execution_at = ?, occurrences = occurrences + 1
		 WHERE id = ? AND status = ? AND is_active = 1
		   AND NOT EXISTS (
		     SELECT 1 FROM campaigns e
		     WHERE e.campaign_id = campaigns.campaign_id AND e.status = ? AND e.id != campaigns.id
		   )`,
		string(CampaignExecuting), now.UnixMilli(), id, string(CampaignScheduled), string(CampaignExecuting),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// FinishExecution records the outcome of a fire. For a re-armed recurring
// campaign pass status=SCHEDULED with the next execution time.
func (s *Store) FinishExecution(ctx context.Context, id int64, st CampaignStatus, nextAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = ?, next_execution_at = ? WHERE id = ?`,
		string(st), msOrNil(nextAt), id,
	)
	return err
}

// CancelCampaign deactivates a campaign so it never fires again. Rows are
// kept for history. Already-enqueued queue items are not retracted.
func (s *Store) CancelCampaign(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE campaigns
		 SET is_active = 0,
		     status = CASE WHEN status = ? THEN ? ELSE status END
		 WHERE id = ?`,
		string(CampaignScheduled), string(CampaignCancelled), id,
	)
	return err
}

// ScheduledCampaigns returns active SCHEDULED rows (timer re-arming at startup).
func (s *Store) ScheduledCampaigns(ctx context.Context) ([]Campaign, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns
		 WHERE is_active = 1 AND status = ?
		 ORDER BY next_execution_at ASC`,
		string(CampaignScheduled),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PruneCampaigns deletes inactive campaigns created before cutoff.
func (s *Store) PruneCampaigns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM campaigns WHERE is_active = 0 AND created_at < ?`,
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanCampaign(r rowScanner) (Campaign, error) {
	var (
		c              Campaign
		status         string
		createdAt      int64
		nextAt, lastAt sql.NullInt64
	)
	err := r.Scan(&c.ID, &c.CampaignID, &c.Name, &status, &c.IsRecurring, &c.Recurrence,
		&nextAt, &lastAt, &c.Occurrences, &c.IsActive, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Campaign{}, ErrNotFound
	}
	if err != nil {
		return Campaign{}, err
	}
	c.Status = CampaignStatus(status)
	c.NextExecutionAt = msToTime(nextAt.Int64)
	c.LastExecutionAt = msToTime(lastAt.Int64)
	c.CreatedAt = msToTime(createdAt)
	return c, nil
}
