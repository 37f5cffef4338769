package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SessionRow is the durable image of a session.
type SessionRow struct {
	Key          string
	AgentID      string
	ChannelID    string
	PeerID       string
	PeerType     string
	Status       string
	ParentKey    string
	MetadataJSON string
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// InsertSessionIfAbsent inserts the session row, ignoring the insert when the
// key already exists. Returns whether a row was created.
func (s *Store) InsertSessionIfAbsent(ctx context.Context, row SessionRow) (bool, error) {
	var created bool
	err := retryOnBusy(ctx, func() error {
		var parent any
		if row.ParentKey != "" {
			parent = row.ParentKey
		}
		metadata := row.MetadataJSON
		if metadata == "" {
			metadata = "{}"
		}
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (
				key, agent_id, channel_id, peer_id, peer_type, status,
				parent_key, metadata_json, created_at, last_active_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(key) DO NOTHING;
		`, row.Key, row.AgentID, row.ChannelID, row.PeerID, row.PeerType,
			row.Status, parent, metadata, row.CreatedAt.UTC(), row.LastActiveAt.UTC())
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert session rows affected: %w", err)
		}
		created = n > 0
		return nil
	})
	return created, err
}

// UpdateSessionRow writes the mutable fields of a session and refreshes
// last_active_at.
func (s *Store) UpdateSessionRow(ctx context.Context, row SessionRow) error {
	return retryOnBusy(ctx, func() error {
		var parent any
		if row.ParentKey != "" {
			parent = row.ParentKey
		}
		_, err := s.db.ExecContext(ctx, `
			UPDATE sessions
			SET status = ?, metadata_json = ?, parent_key = ?, last_active_at = ?
			WHERE key = ?;
		`, row.Status, row.MetadataJSON, parent, row.LastActiveAt.UTC(), row.Key)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		return nil
	})
}

// GetSession reads a session row by key. Returns nil when absent.
func (s *Store) GetSession(ctx context.Context, key string) (*SessionRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, agent_id, channel_id, peer_id, peer_type, status,
		       parent_key, metadata_json, created_at, last_active_at
		FROM sessions
		WHERE key = ?;
	`, key)
	var (
		out    SessionRow
		parent sql.NullString
	)
	if err := row.Scan(
		&out.Key, &out.AgentID, &out.ChannelID, &out.PeerID, &out.PeerType,
		&out.Status, &parent, &out.MetadataJSON, &out.CreatedAt, &out.LastActiveAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	out.ParentKey = nullString(parent)
	return &out, nil
}

// ListSessions returns sessions ordered by most recent activity.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, agent_id, channel_id, peer_id, peer_type, status,
		       parent_key, metadata_json, created_at, last_active_at
		FROM sessions
		ORDER BY last_active_at DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var (
			row    SessionRow
			parent sql.NullString
		)
		if err := rows.Scan(
			&row.Key, &row.AgentID, &row.ChannelID, &row.PeerID, &row.PeerType,
			&row.Status, &parent, &row.MetadataJSON, &row.CreatedAt, &row.LastActiveAt,
		); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		row.ParentKey = nullString(parent)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session rows: %w", err)
	}
	return out, nil
}

// DeleteSession removes a session row. Only subagent cleanup uses this.
func (s *Store) DeleteSession(ctx context.Context, key string) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE key = ?;`, key)
		if err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
}
