package reminders

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/royisme/mozi/internal/bus"
	"github.com/royisme/mozi/internal/kernel"
	"github.com/royisme/mozi/internal/persistence"
	"github.com/royisme/mozi/internal/telemetry"
)

const (
	minPollInterval  = 250 * time.Millisecond
	defaultBatchSize = 32

	// ReminderSenderID marks synthesized reminder inbounds.
	ReminderSenderID = "system:reminder"
)

// Enqueuer is the slice of the kernel the runner needs.
type Enqueuer interface {
	EnqueueInbound(ctx context.Context, env kernel.Envelope) (kernel.EnqueueResult, error)
}

// RunnerConfig holds the runner dependencies.
type RunnerConfig struct {
	Store   *persistence.Store
	Kernel  Enqueuer
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Poll    time.Duration // clamped to >= 250ms
	Batch   int
	Now     func() time.Time
}

// Runner periodically fires due reminders into the kernel queue. Ticks are
// single-flight: a slow tick skips the overlapping timer fire instead of
// stacking.
type Runner struct {
	store   *persistence.Store
	kernel  Enqueuer
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *telemetry.Metrics
	poll    time.Duration
	batch   int
	nowFn   func() time.Time

	ticking atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates a Runner with the given config.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poll := cfg.Poll
	if poll < minPollInterval {
		poll = minPollInterval
	}
	batch := cfg.Batch
	if batch <= 0 {
		batch = defaultBatchSize
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Runner{
		store:   cfg.Store,
		kernel:  cfg.Kernel,
		bus:     cfg.Bus,
		logger:  logger,
		metrics: cfg.Metrics,
		poll:    poll,
		batch:   batch,
		nowFn:   nowFn,
	}
}

// Start begins the polling loop in a background goroutine.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("reminder runner started", "poll", r.poll)
}

// Stop cancels the loop and waits for it to exit.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("reminder runner stopped")
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	r.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick fires all currently-due reminders. Concurrent calls collapse: only
// one tick runs at a time.
func (r *Runner) Tick(ctx context.Context) {
	if !r.ticking.CompareAndSwap(false, true) {
		return
	}
	defer r.ticking.Store(false)

	now := r.nowFn().UTC()
	due, err := r.store.ListDueReminders(ctx, now, r.batch)
	if err != nil {
		r.logger.Error("reminder scan failed", "error", err)
		return
	}
	for _, reminder := range due {
		r.fire(ctx, reminder, now)
	}
}

// fire advances one due reminder and synthesizes its inbound envelope. The
// compare-and-advance on next_run_at prevents double-fire when another
// process already moved the row.
func (r *Runner) fire(ctx context.Context, reminder persistence.Reminder, firedAt time.Time) {
	if reminder.NextRunAt == nil {
		return
	}
	sched, err := ParseSchedule(reminder.ScheduleJSON)
	if err != nil {
		r.logger.Error("reminder schedule unreadable", "reminder", reminder.ID, "error", err)
		return
	}

	var nextRun *time.Time
	if sched.Kind != KindAt {
		nextRun, err = ComputeNextRun(sched, firedAt.Add(time.Millisecond))
		if err != nil {
			r.logger.Error("reminder next run computation failed", "reminder", reminder.ID, "error", err)
			return
		}
	}
	keepEnabled := sched.Kind != KindAt && nextRun != nil

	advanced, err := r.store.MarkReminderFired(ctx, reminder.ID, *reminder.NextRunAt, firedAt, nextRun, keepEnabled)
	if err != nil {
		r.logger.Error("reminder advance failed", "reminder", reminder.ID, "error", err)
		return
	}
	if !advanced {
		// Someone else already fired this occurrence.
		return
	}

	scheduledAt := reminder.NextRunAt.UTC().Format(time.RFC3339)
	inbound := kernel.InboundMessage{
		ID:        uuid.NewString(),
		Channel:   reminder.ChannelID,
		PeerID:    reminder.PeerID,
		PeerType:  reminder.PeerType,
		SenderID:  ReminderSenderID,
		Text:      reminder.Message,
		Timestamp: firedAt,
		Raw: map[string]any{
			"source":      "reminder",
			"reminderId":  reminder.ID,
			"scheduledAt": scheduledAt,
		},
	}
	env := kernel.Envelope{
		ID:         inbound.ID,
		Inbound:    inbound,
		DedupKey:   "reminder:" + reminder.ID + ":" + firedAt.Format(time.RFC3339),
		ReceivedAt: firedAt,
	}
	result, err := r.kernel.EnqueueInbound(ctx, env)
	if err != nil {
		r.logger.Error("reminder enqueue failed", "reminder", reminder.ID, "error", err)
		return
	}
	r.metrics.RecordReminderFired(ctx)
	if r.bus != nil {
		r.bus.Publish(bus.TopicReminderFired, bus.ReminderFiredEvent{
			ReminderID:  reminder.ID,
			SessionKey:  reminder.SessionKey,
			ScheduledAt: scheduledAt,
		})
	}
	// A one-shot has no next run; a nil *time.Time must not reach slog.
	var nextRunAttr any = "none"
	if nextRun != nil {
		nextRunAttr = nextRun.UTC().Format(time.RFC3339)
	}
	r.logger.Info("reminder fired",
		"reminder", reminder.ID,
		"session", reminder.SessionKey,
		"queue_item", result.QueueItemID,
		"next_run_at", nextRunAttr,
	)
}
