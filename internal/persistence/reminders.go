package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Reminder is a durable scheduled event owned by a session.
type Reminder struct {
	ID           string
	SessionKey   string
	ChannelID    string
	PeerID       string
	PeerType     string
	Message      string
	ScheduleJSON string
	Enabled      bool
	NextRunAt    *time.Time
	LastRunAt    *time.Time
	CancelledAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const reminderColumns = `id, session_key, channel_id, peer_id, peer_type, message,
	schedule_json, enabled, next_run_at, last_run_at, cancelled_at, created_at, updated_at`

func scanReminder(scan func(dest ...any) error) (*Reminder, error) {
	var (
		r           Reminder
		nextRunAt   sql.NullTime
		lastRunAt   sql.NullTime
		cancelledAt sql.NullTime
	)
	if err := scan(
		&r.ID, &r.SessionKey, &r.ChannelID, &r.PeerID, &r.PeerType, &r.Message,
		&r.ScheduleJSON, &r.Enabled, &nextRunAt, &lastRunAt, &cancelledAt,
		&r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	r.NextRunAt = nullTime(nextRunAt)
	r.LastRunAt = nullTime(lastRunAt)
	r.CancelledAt = nullTime(cancelledAt)
	return &r, nil
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// InsertReminder stores a new reminder row.
func (s *Store) InsertReminder(ctx context.Context, r Reminder) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO reminders (
				id, session_key, channel_id, peer_id, peer_type, message,
				schedule_json, enabled, next_run_at, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, r.ID, r.SessionKey, r.ChannelID, r.PeerID, r.PeerType, r.Message,
			r.ScheduleJSON, r.Enabled, timeArg(r.NextRunAt),
			r.CreatedAt.UTC(), r.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert reminder: %w", err)
		}
		return nil
	})
}

// ListDueReminders returns enabled reminders whose next_run_at has passed,
// oldest due first.
func (s *Store) ListDueReminders(ctx context.Context, now time.Time, limit int) ([]Reminder, error) {
	if limit <= 0 {
		limit = 32
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reminderColumns+`
		FROM reminders
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC, id ASC
		LIMIT ?;
	`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list due reminders: %w", err)
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		r, err := scanReminder(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan due reminder: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("due reminder rows: %w", err)
	}
	return out, nil
}

// MarkReminderFired advances a fired reminder. The expected next_run_at guards
// against double-fire: the update only applies when the row still carries the
// value the caller observed. keepEnabled=false disables one-shot reminders
// after their single fire.
func (s *Store) MarkReminderFired(ctx context.Context, id string, expectedNextRunAt, firedAt time.Time, nextRunAt *time.Time, keepEnabled bool) (bool, error) {
	var advanced bool
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE reminders
			SET last_run_at = ?, next_run_at = ?, enabled = ?, updated_at = ?
			WHERE id = ? AND enabled = 1 AND next_run_at = ?;
		`, firedAt.UTC(), timeArg(nextRunAt), keepEnabled, firedAt.UTC(),
			id, expectedNextRunAt.UTC())
		if err != nil {
			return fmt.Errorf("mark reminder fired: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark fired rows affected: %w", err)
		}
		advanced = n > 0
		return nil
	})
	return advanced, err
}

// ListRemindersBySession returns a session's reminders, newest first.
func (s *Store) ListRemindersBySession(ctx context.Context, sessionKey string, includeDisabled bool, limit int) ([]Reminder, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	query := `
		SELECT ` + reminderColumns + `
		FROM reminders
		WHERE session_key = ?`
	if !includeDisabled {
		query += ` AND enabled = 1`
	}
	query += `
		ORDER BY created_at DESC, id DESC
		LIMIT ?;`
	rows, err := s.db.QueryContext(ctx, query, sessionKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list reminders by session: %w", err)
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		r, err := scanReminder(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reminder rows: %w", err)
	}
	return out, nil
}

// GetReminder reads a reminder by id. Returns nil when absent.
func (s *Store) GetReminder(ctx context.Context, id string) (*Reminder, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+reminderColumns+`
		FROM reminders
		WHERE id = ?;
	`, id)
	r, err := scanReminder(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get reminder: %w", err)
	}
	return r, nil
}

// CancelReminderBySession disables a reminder, scoped to its owning session.
// Returns false when the reminder does not exist under that session.
func (s *Store) CancelReminderBySession(ctx context.Context, sessionKey, id string, now time.Time) (bool, error) {
	var cancelled bool
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE reminders
			SET enabled = 0, cancelled_at = ?, next_run_at = NULL, updated_at = ?
			WHERE id = ? AND session_key = ?;
		`, now.UTC(), now.UTC(), id, sessionKey)
		if err != nil {
			return fmt.Errorf("cancel reminder: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("cancel reminder rows affected: %w", err)
		}
		cancelled = n > 0
		return nil
	})
	return cancelled, err
}

// UpdateReminderBySession rewrites a reminder's message, schedule, and next
// run, scoped to its owning session.
func (s *Store) UpdateReminderBySession(ctx context.Context, sessionKey, id, message, scheduleJSON string, nextRunAt *time.Time, now time.Time) (bool, error) {
	var updated bool
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE reminders
			SET message = ?, schedule_json = ?, next_run_at = ?, updated_at = ?
			WHERE id = ? AND session_key = ?;
		`, message, scheduleJSON, timeArg(nextRunAt), now.UTC(), id, sessionKey)
		if err != nil {
			return fmt.Errorf("update reminder: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update reminder rows affected: %w", err)
		}
		updated = n > 0
		return nil
	})
	return updated, err
}

// UpdateReminderNextRunBySession rewrites only next_run_at, scoped to the
// owning session.
func (s *Store) UpdateReminderNextRunBySession(ctx context.Context, sessionKey, id string, nextRunAt *time.Time, now time.Time) (bool, error) {
	var updated bool
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE reminders
			SET next_run_at = ?, updated_at = ?
			WHERE id = ? AND session_key = ?;
		`, timeArg(nextRunAt), now.UTC(), id, sessionKey)
		if err != nil {
			return fmt.Errorf("update reminder next run: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update next run rows affected: %w", err)
		}
		updated = n > 0
		return nil
	})
	return updated, err
}
