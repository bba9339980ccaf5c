package store

import (
	"context"
)

// RebuildIndexes drops and repopulates the conversation and search indices
// from the current message log. Used by full sync.
func (s *Store) RebuildIndexes(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations`); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations(destination, last_message_at, last_body, message_count)
		 SELECT m.destination,
		        MAX(m.created_at),
		        (SELECT b.body FROM message_records b
		          WHERE b.destination = m.destination
		          ORDER BY b.created_at DESC, b.id DESC LIMIT 1),
		        COUNT(*)
		 FROM message_records m
		 GROUP BY m.destination`,
	); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM message_search`); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_search(rowid, body, destination)
		 SELECT id, body, destination FROM message_records`)
	return err
}

// IndexMessage applies one newly inserted message to both indices.
// Status-only updates don't call this; they change neither index.
func (s *Store) IndexMessage(ctx context.Context, rec MessageRecord) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations(destination, last_message_at, last_body, message_count)
		 VALUES(?,?,?,1)
		 ON CONFLICT(destination) DO UPDATE SET
		   last_body = CASE WHEN excluded.last_message_at >= last_message_at
		                    THEN excluded.last_body ELSE last_body END,
		   last_message_at = CASE WHEN excluded.last_message_at >= last_message_at
		                          THEN excluded.last_message_at ELSE last_message_at END,
		   message_count = message_count + 1`,
		rec.Destination, rec.CreatedAt.UnixMilli(), rec.Body,
	); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_search(rowid, body, destination) VALUES(?,?,?)`,
		rec.ID, rec.Body, rec.Destination)
	return err
}

// Conversations returns the index ordered by recency.
func (s *Store) Conversations(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT destination, last_message_at, last_body, message_count
		 FROM conversations ORDER BY last_message_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Conversation
	for rows.Next() {
		var c Conversation
		var lastAt int64
		if err := rows.Scan(&c.Destination, &lastAt, &c.LastBody, &c.MessageCount); err != nil {
			return nil, err
		}
		c.LastMessageAt = msToTime(lastAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// SearchMessages runs an FTS match over the search index and returns the
// matching message ids, best match first.
func (s *Store) SearchMessages(ctx context.Context, query string, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT rowid FROM message_search WHERE message_search MATCH ? ORDER BY rank LIMIT ?`,
		query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
