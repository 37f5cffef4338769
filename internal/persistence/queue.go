package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// QueueStatus is the lifecycle status of a queue item.
type QueueStatus string

const (
	QueueStatusQueued      QueueStatus = "queued"
	QueueStatusRunning     QueueStatus = "running"
	QueueStatusRetrying    QueueStatus = "retrying"
	QueueStatusCompleted   QueueStatus = "completed"
	QueueStatusFailed      QueueStatus = "failed"
	QueueStatusInterrupted QueueStatus = "interrupted"
)

// QueueItem is one durable row representing an admitted envelope.
type QueueItem struct {
	ID          string
	DedupKey    string
	SessionKey  string
	ChannelID   string
	PeerID      string
	PeerType    string
	InboundJSON string
	Status      QueueStatus
	Attempts    int
	Error       string
	EnqueuedAt  time.Time
	AvailableAt time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	UpdatedAt   time.Time
}

const queueItemColumns = `id, dedup_key, session_key, channel_id, peer_id, peer_type,
	inbound_json, status, attempts, error, enqueued_at, available_at,
	started_at, finished_at, updated_at`

func scanQueueItem(scan func(dest ...any) error) (*QueueItem, error) {
	var (
		item       QueueItem
		errCol     sql.NullString
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	if err := scan(
		&item.ID, &item.DedupKey, &item.SessionKey, &item.ChannelID,
		&item.PeerID, &item.PeerType, &item.InboundJSON, &item.Status,
		&item.Attempts, &errCol, &item.EnqueuedAt, &item.AvailableAt,
		&startedAt, &finishedAt, &item.UpdatedAt,
	); err != nil {
		return nil, err
	}
	item.Error = nullString(errCol)
	item.StartedAt = nullTime(startedAt)
	item.FinishedAt = nullTime(finishedAt)
	return &item, nil
}

// EnqueueItem inserts a queue item, ignoring the insert when the dedup key is
// already taken. Dedup is permanent: the unique constraint spans all rows
// regardless of status. Returns whether a row was inserted.
func (s *Store) EnqueueItem(ctx context.Context, item QueueItem) (bool, error) {
	var inserted bool
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO queue_items (
				id, dedup_key, session_key, channel_id, peer_id, peer_type,
				inbound_json, status, attempts, enqueued_at, available_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
			ON CONFLICT(dedup_key) DO NOTHING;
		`, item.ID, item.DedupKey, item.SessionKey, item.ChannelID, item.PeerID,
			item.PeerType, item.InboundJSON, QueueStatusQueued,
			item.EnqueuedAt.UTC(), item.AvailableAt.UTC(), item.EnqueuedAt.UTC())
		if err != nil {
			return fmt.Errorf("enqueue item: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("enqueue rows affected: %w", err)
		}
		inserted = n > 0
		return nil
	})
	return inserted, err
}

// ListRunnable returns items in {queued, retrying} whose available_at has
// passed, oldest-enqueued first.
func (s *Store) ListRunnable(ctx context.Context, now time.Time, limit int) ([]QueueItem, error) {
	if limit <= 0 {
		limit = 64
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueItemColumns+`
		FROM queue_items
		WHERE status IN (?, ?) AND available_at <= ?
		ORDER BY enqueued_at ASC, id ASC
		LIMIT ?;
	`, QueueStatusQueued, QueueStatusRetrying, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list runnable: %w", err)
	}
	defer rows.Close()

	var out []QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan runnable item: %w", err)
		}
		out = append(out, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("runnable rows: %w", err)
	}
	return out, nil
}

// Claim transitions a queued or retrying item to running, stamping started_at
// and bumping attempts. Only one concurrent caller can win the conditional
// update.
func (s *Store) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	var claimed bool
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE queue_items
			SET status = ?, started_at = ?, attempts = attempts + 1, updated_at = ?
			WHERE id = ? AND status IN (?, ?);
		`, QueueStatusRunning, now.UTC(), now.UTC(), id, QueueStatusQueued, QueueStatusRetrying)
		if err != nil {
			return fmt.Errorf("claim item: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		claimed = n > 0
		return nil
	})
	return claimed, err
}

// markTerminalIfRunning performs a conditional running → terminal transition.
func (s *Store) markTerminalIfRunning(ctx context.Context, id string, to QueueStatus, errMsg string, now time.Time) (bool, error) {
	var changed bool
	err := retryOnBusy(ctx, func() error {
		var errVal any
		if errMsg != "" {
			errVal = errMsg
		}
		res, err := s.db.ExecContext(ctx, `
			UPDATE queue_items
			SET status = ?, error = ?, finished_at = ?, updated_at = ?
			WHERE id = ? AND status = ?;
		`, to, errVal, now.UTC(), now.UTC(), id, QueueStatusRunning)
		if err != nil {
			return fmt.Errorf("mark %s: %w", to, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark %s rows affected: %w", to, err)
		}
		changed = n > 0
		return nil
	})
	return changed, err
}

// MarkCompletedIfRunning finishes a running item. Returns false when the row
// is no longer running (interrupted behind the caller's back, or a lost race);
// the caller must re-read the row to distinguish.
func (s *Store) MarkCompletedIfRunning(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.markTerminalIfRunning(ctx, id, QueueStatusCompleted, "", now)
}

// MarkFailedIfRunning terminally fails a running item with the given error.
func (s *Store) MarkFailedIfRunning(ctx context.Context, id, errMsg string, now time.Time) (bool, error) {
	return s.markTerminalIfRunning(ctx, id, QueueStatusFailed, errMsg, now)
}

// MarkRetryingIfRunning moves a running item back to retrying, postponing it
// until nextAvailableAt.
func (s *Store) MarkRetryingIfRunning(ctx context.Context, id, errMsg string, nextAvailableAt, now time.Time) (bool, error) {
	var changed bool
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE queue_items
			SET status = ?, error = ?, available_at = ?, updated_at = ?
			WHERE id = ? AND status = ?;
		`, QueueStatusRetrying, errMsg, nextAvailableAt.UTC(), now.UTC(), id, QueueStatusRunning)
		if err != nil {
			return fmt.Errorf("mark retrying: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark retrying rows affected: %w", err)
		}
		changed = n > 0
		return nil
	})
	return changed, err
}

// MarkInterruptedBySession mass-transitions every non-terminal item of a
// session to interrupted. finished_at and error are only set where still null.
// Returns the number of rows transitioned.
func (s *Store) MarkInterruptedBySession(ctx context.Context, sessionKey, reason string, now time.Time) (int64, error) {
	var count int64
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE queue_items
			SET status = ?,
			    error = COALESCE(error, ?),
			    finished_at = COALESCE(finished_at, ?),
			    updated_at = ?
			WHERE session_key = ? AND status IN (?, ?, ?);
		`, QueueStatusInterrupted, reason, now.UTC(), now.UTC(), sessionKey,
			QueueStatusQueued, QueueStatusRetrying, QueueStatusRunning)
		if err != nil {
			return fmt.Errorf("interrupt session items: %w", err)
		}
		count, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("interrupt session rows affected: %w", err)
		}
		return nil
	})
	return count, err
}

// MarkInterruptedByIDs interrupts the given non-terminal items. Used by
// backlog trimming.
func (s *Store) MarkInterruptedByIDs(ctx context.Context, ids []string, reason string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []any{QueueStatusInterrupted, reason, now.UTC(), now.UTC()}
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, QueueStatusQueued, QueueStatusRetrying, QueueStatusRunning)
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE queue_items
			SET status = ?,
			    error = COALESCE(error, ?),
			    finished_at = COALESCE(finished_at, ?),
			    updated_at = ?
			WHERE id IN (`+placeholders+`) AND status IN (?, ?, ?);
		`, args...)
		if err != nil {
			return fmt.Errorf("interrupt items by id: %w", err)
		}
		return nil
	})
}

// MarkInterruptedFromRunning transitions every running row to interrupted.
// Called exactly once at kernel start, before the pump, so rows left running
// by a crashed process cannot be mistaken for live work.
func (s *Store) MarkInterruptedFromRunning(ctx context.Context, reason string, now time.Time) (int64, error) {
	var count int64
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE queue_items
			SET status = ?,
			    error = COALESCE(error, ?),
			    finished_at = COALESCE(finished_at, ?),
			    updated_at = ?
			WHERE status = ?;
		`, QueueStatusInterrupted, reason, now.UTC(), now.UTC(), QueueStatusRunning)
		if err != nil {
			return fmt.Errorf("interrupt running items: %w", err)
		}
		count, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("interrupt running rows affected: %w", err)
		}
		return nil
	})
	return count, err
}

// FindLatestQueuedBySessionSince returns the most recent queued item for the
// session enqueued at or after since, or nil. Used by collect-mode merging.
func (s *Store) FindLatestQueuedBySessionSince(ctx context.Context, sessionKey string, since time.Time) (*QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+queueItemColumns+`
		FROM queue_items
		WHERE session_key = ? AND status = ? AND enqueued_at >= ?
		ORDER BY enqueued_at DESC, id DESC
		LIMIT 1;
	`, sessionKey, QueueStatusQueued, since.UTC())
	item, err := scanQueueItem(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find latest queued: %w", err)
	}
	return item, nil
}

// MergeQueuedInbound replaces a still-queued item's inbound payload and
// postpones its availability. Returns false when the item already left the
// queued status.
func (s *Store) MergeQueuedInbound(ctx context.Context, id, newJSON string, newAvailableAt, now time.Time) (bool, error) {
	var merged bool
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE queue_items
			SET inbound_json = ?, available_at = ?, updated_at = ?
			WHERE id = ? AND status = ?;
		`, newJSON, newAvailableAt.UTC(), now.UTC(), id, QueueStatusQueued)
		if err != nil {
			return fmt.Errorf("merge queued inbound: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("merge rows affected: %w", err)
		}
		merged = n > 0
		return nil
	})
	return merged, err
}

// ListPendingBySession returns the session's {queued, retrying} items,
// oldest-enqueued first. Used for backlog trimming.
func (s *Store) ListPendingBySession(ctx context.Context, sessionKey string) ([]QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueItemColumns+`
		FROM queue_items
		WHERE session_key = ? AND status IN (?, ?)
		ORDER BY enqueued_at ASC, id ASC;
	`, sessionKey, QueueStatusQueued, QueueStatusRetrying)
	if err != nil {
		return nil, fmt.Errorf("list pending by session: %w", err)
	}
	defer rows.Close()

	var out []QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan pending item: %w", err)
		}
		out = append(out, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending rows: %w", err)
	}
	return out, nil
}

// GetQueueItem reads a single row by id. Returns nil when absent.
func (s *Store) GetQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+queueItemColumns+`
		FROM queue_items
		WHERE id = ?;
	`, id)
	item, err := scanQueueItem(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}
