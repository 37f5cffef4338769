package reminders

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/royisme/mozi/internal/persistence"
)

// Service is the session-scoped reminder API exposed to tool code. Every
// mutation is keyed by the owning session: an actor in one session cannot
// touch another session's reminders.
type Service struct {
	store  *persistence.Store
	logger *slog.Logger
	nowFn  func() time.Time
}

// ServiceConfig holds the service dependencies.
type ServiceConfig struct {
	Store  *persistence.Store
	Logger *slog.Logger
	Now    func() time.Time
}

// NewService creates a Service with the given config.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Service{store: cfg.Store, logger: logger, nowFn: nowFn}
}

// CreateInput describes a new reminder.
type CreateInput struct {
	SessionKey string
	ChannelID  string
	PeerID     string
	PeerType   string
	Message    string
	Schedule   Schedule
}

// Create validates and stores a new enabled reminder with its first
// next_run_at computed from now.
func (s *Service) Create(ctx context.Context, in CreateInput) (*persistence.Reminder, error) {
	if in.SessionKey == "" {
		return nil, fmt.Errorf("create reminder: session key required")
	}
	if in.Message == "" {
		return nil, fmt.Errorf("create reminder: message required")
	}
	if err := in.Schedule.Validate(); err != nil {
		return nil, fmt.Errorf("create reminder: %w", err)
	}

	now := s.nowFn().UTC()
	nextRun, err := ComputeNextRun(in.Schedule, now)
	if err != nil {
		return nil, fmt.Errorf("create reminder: %w", err)
	}
	if nextRun == nil {
		return nil, fmt.Errorf("create reminder: schedule has no future occurrence")
	}
	scheduleJSON, err := in.Schedule.Encode()
	if err != nil {
		return nil, fmt.Errorf("create reminder: %w", err)
	}

	peerType := in.PeerType
	if peerType == "" {
		peerType = "dm"
	}
	reminder := persistence.Reminder{
		ID:           uuid.NewString(),
		SessionKey:   in.SessionKey,
		ChannelID:    in.ChannelID,
		PeerID:       in.PeerID,
		PeerType:     peerType,
		Message:      in.Message,
		ScheduleJSON: scheduleJSON,
		Enabled:      true,
		NextRunAt:    nextRun,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.InsertReminder(ctx, reminder); err != nil {
		return nil, err
	}
	s.logger.Info("reminder created",
		"reminder", reminder.ID,
		"session", in.SessionKey,
		"next_run_at", nextRun,
	)
	return &reminder, nil
}

// ListBySession returns the session's reminders, capped at 200.
func (s *Service) ListBySession(ctx context.Context, sessionKey string, includeDisabled bool, limit int) ([]persistence.Reminder, error) {
	return s.store.ListRemindersBySession(ctx, sessionKey, includeDisabled, limit)
}

// CancelBySession disables a reminder owned by the session.
func (s *Service) CancelBySession(ctx context.Context, sessionKey, id string) error {
	cancelled, err := s.store.CancelReminderBySession(ctx, sessionKey, id, s.nowFn().UTC())
	if err != nil {
		return err
	}
	if !cancelled {
		return fmt.Errorf("cancel reminder %q: not found in session", id)
	}
	return nil
}

// UpdateInput carries the fields UpdateBySession may change. Nil fields keep
// the current value.
type UpdateInput struct {
	Message  *string
	Schedule *Schedule
}

// UpdateBySession rewrites a reminder's message and/or schedule. A schedule
// change recomputes next_run_at from now.
func (s *Service) UpdateBySession(ctx context.Context, sessionKey, id string, in UpdateInput) (*persistence.Reminder, error) {
	current, err := s.store.GetReminder(ctx, id)
	if err != nil {
		return nil, err
	}
	if current == nil || current.SessionKey != sessionKey {
		return nil, fmt.Errorf("update reminder %q: not found in session", id)
	}

	message := current.Message
	if in.Message != nil {
		message = *in.Message
	}
	scheduleJSON := current.ScheduleJSON
	nextRun := current.NextRunAt
	if in.Schedule != nil {
		if err := in.Schedule.Validate(); err != nil {
			return nil, fmt.Errorf("update reminder: %w", err)
		}
		scheduleJSON, err = in.Schedule.Encode()
		if err != nil {
			return nil, fmt.Errorf("update reminder: %w", err)
		}
		nextRun, err = ComputeNextRun(*in.Schedule, s.nowFn().UTC())
		if err != nil {
			return nil, fmt.Errorf("update reminder: %w", err)
		}
	}

	updated, err := s.store.UpdateReminderBySession(ctx, sessionKey, id, message, scheduleJSON, nextRun, s.nowFn().UTC())
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, fmt.Errorf("update reminder %q: not found in session", id)
	}
	return s.store.GetReminder(ctx, id)
}

// UpdateNextRunBySession overrides only the next fire time.
func (s *Service) UpdateNextRunBySession(ctx context.Context, sessionKey, id string, nextRunAt *time.Time) error {
	updated, err := s.store.UpdateReminderNextRunBySession(ctx, sessionKey, id, nextRunAt, s.nowFn().UTC())
	if err != nil {
		return err
	}
	if !updated {
		return fmt.Errorf("update reminder %q next run: not found in session", id)
	}
	return nil
}
