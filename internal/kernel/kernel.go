// Package kernel is the runtime core of the agent host: it admits inbound
// envelopes into the durable queue, claims runnable items, and drives the
// message handler with per-session serialization, dedup, retry, and
// preemption semantics.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/royisme/mozi/internal/bus"
	"github.com/royisme/mozi/internal/persistence"
	"github.com/royisme/mozi/internal/session"
	"github.com/royisme/mozi/internal/telemetry"
)

// Mode selects the queue admission policy.
type Mode string

const (
	// ModeFollowup queues every inbound as a new item, FIFO per session.
	ModeFollowup Mode = "followup"

	// ModeCollect merges rapid successive inbounds for a session into the
	// most recent queued item within a rolling window.
	ModeCollect Mode = "collect"

	// ModeInterrupt preempts all pending and running work for the session
	// before enqueueing the new inbound.
	ModeInterrupt Mode = "interrupt"

	// ModeSteer injects non-command text into an active run when the handler
	// accepts it, bypassing the queue.
	ModeSteer Mode = "steer"

	// ModeSteerBacklog steers like ModeSteer but preempts instead of
	// injecting when a run is already active.
	ModeSteerBacklog Mode = "steer-backlog"
)

const (
	defaultCollectWindow = 400 * time.Millisecond
	defaultPollInterval  = 250 * time.Millisecond
	runnableBatchSize    = 64

	stopCommand = "/stop"

	recoveryReason = "Runtime stopped while processing"
	stopReason     = "Interrupted by /stop"
)

// Config holds the kernel dependencies and tuning.
type Config struct {
	Store         *persistence.Store
	Sessions      *session.Manager
	Continuations *ContinuationRegistry
	Policy        *ErrorPolicy
	Handler       Handler
	Egress        *Egress
	Bus           *bus.Bus
	Logger        *slog.Logger
	Metrics       *telemetry.Metrics

	Mode          Mode
	CollectWindow time.Duration // collect mode merge window, default 400ms
	MaxBacklog    int           // 0 disables backlog trimming
	PollInterval  time.Duration // pump poll period, default 250ms
	Now           func() time.Time
}

// Kernel is the ingress plus pump. One instance per process.
type Kernel struct {
	store         *persistence.Store
	sessions      *session.Manager
	continuations *ContinuationRegistry
	policy        *ErrorPolicy
	handler       Handler
	egress        *Egress
	bus           *bus.Bus
	logger        *slog.Logger
	metrics       *telemetry.Metrics

	// Optional handler capabilities, resolved once at construction. A nil
	// slot disables the corresponding admission behavior.
	interrupter SessionInterrupter
	steerer     SessionSteerer
	prober      SessionActivityProber

	mode          Mode
	collectWindow time.Duration
	maxBacklog    int
	pollInterval  time.Duration
	nowFn         func() time.Time

	mu     sync.Mutex
	active map[string]struct{}

	// wake carries pump scheduling requests; buffer of one collapses bursts
	// into a single pending iteration.
	wake   chan struct{}
	runCtx context.Context
	cancel context.CancelFunc
	loopWG sync.WaitGroup
	itemWG sync.WaitGroup
}

// New creates a Kernel from the config. Handler capabilities are probed once
// here, not per call.
func New(cfg Config) *Kernel {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeSteerBacklog
	}
	collectWindow := cfg.CollectWindow
	if collectWindow <= 0 {
		collectWindow = defaultCollectWindow
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	policy := cfg.Policy
	if policy == nil {
		policy = NewErrorPolicy()
	}
	continuations := cfg.Continuations
	if continuations == nil {
		continuations = NewContinuationRegistry()
	}

	k := &Kernel{
		store:         cfg.Store,
		sessions:      cfg.Sessions,
		continuations: continuations,
		policy:        policy,
		handler:       cfg.Handler,
		egress:        cfg.Egress,
		bus:           cfg.Bus,
		logger:        logger,
		metrics:       cfg.Metrics,
		mode:          mode,
		collectWindow: collectWindow,
		maxBacklog:    cfg.MaxBacklog,
		pollInterval:  pollInterval,
		nowFn:         nowFn,
		active:        make(map[string]struct{}),
		wake:          make(chan struct{}, 1),
	}
	k.interrupter, _ = cfg.Handler.(SessionInterrupter)
	k.steerer, _ = cfg.Handler.(SessionSteerer)
	k.prober, _ = cfg.Handler.(SessionActivityProber)
	return k
}

// Continuations exposes the registry so tool code can schedule follow-ups.
func (k *Kernel) Continuations() *ContinuationRegistry {
	return k.continuations
}

// Start recovers crashed rows and begins the pump loop. Rows left running by
// a previous process become interrupted before the first claim.
func (k *Kernel) Start(ctx context.Context) error {
	recovered, err := k.store.MarkInterruptedFromRunning(ctx, recoveryReason, k.nowFn().UTC())
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	if recovered > 0 {
		k.logger.Warn("recovered interrupted items from previous run", "count", recovered)
		k.metrics.RecordInterrupted(ctx, recovered, "recovery")
	}

	k.runCtx, k.cancel = context.WithCancel(ctx)
	k.loopWG.Add(1)
	go k.loop()
	k.schedulePump()
	k.logger.Info("kernel started",
		"mode", string(k.mode),
		"poll_interval", k.pollInterval,
		"max_backlog", k.maxBacklog,
	)
	return nil
}

// Stop halts the pump and waits for in-flight handler invocations.
func (k *Kernel) Stop() {
	if k.cancel != nil {
		k.cancel()
	}
	k.loopWG.Wait()
	k.itemWG.Wait()
	k.logger.Info("kernel stopped")
}

// schedulePump requests a pump iteration. Safe to call from anywhere; extra
// requests while one is pending collapse.
func (k *Kernel) schedulePump() {
	select {
	case k.wake <- struct{}{}:
	default:
	}
}

// loop runs pump iterations off the poll ticker and wake requests. Running
// them all on one goroutine keeps the pump single-flight.
func (k *Kernel) loop() {
	defer k.loopWG.Done()

	ticker := time.NewTicker(k.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-k.runCtx.Done():
			return
		case <-ticker.C:
		case <-k.wake:
		}
		k.pump()
	}
}

// pump claims runnable items, skipping sessions with a handler in flight, and
// launches one subtask per claim. It loops until a pass claims nothing.
func (k *Kernel) pump() {
	for {
		items, err := k.store.ListRunnable(k.runCtx, k.nowFn().UTC(), runnableBatchSize)
		if err != nil {
			k.logger.Error("pump list runnable failed", "error", err)
			return
		}
		claimedAny := false
		for _, item := range items {
			if !k.tryMarkActive(item.SessionKey) {
				continue
			}
			claimed, err := k.store.Claim(k.runCtx, item.ID, k.nowFn().UTC())
			if err != nil {
				k.clearActive(item.SessionKey)
				k.logger.Error("pump claim failed", "queue_item", item.ID, "error", err)
				continue
			}
			if !claimed {
				k.clearActive(item.SessionKey)
				continue
			}
			claimedAny = true
			k.itemWG.Add(1)
			go k.runItem(k.runCtx, item.ID, item.SessionKey)
		}
		if !claimedAny {
			return
		}
	}
}

func (k *Kernel) tryMarkActive(sessionKey string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, busy := k.active[sessionKey]; busy {
		return false
	}
	k.active[sessionKey] = struct{}{}
	return true
}

func (k *Kernel) clearActive(sessionKey string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.active, sessionKey)
}

// ActiveSessionCount returns the number of sessions with a handler in flight.
func (k *Kernel) ActiveSessionCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.active)
}

// EnqueueInbound admits one envelope. Admission runs the /stop check, the
// mode-specific policy, then the durable insert, sequentially for the
// envelope. Handler errors never propagate here.
func (k *Kernel) EnqueueInbound(ctx context.Context, env Envelope) (EnqueueResult, error) {
	inbound := env.Inbound
	if inbound.PeerType == "" {
		inbound.PeerType = "dm"
	}
	receivedAt := env.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = k.nowFn()
	}
	receivedAt = receivedAt.UTC()

	sc := k.handler.ResolveSessionContext(inbound)
	sessionKey := sc.SessionKey

	token := CommandToken(inbound.Text)
	isStop := token == stopCommand

	if isStop {
		k.preemptSession(ctx, sessionKey, stopReason, true)
	}

	text := strings.TrimSpace(inbound.Text)
	steerable := !isStop && text != "" && token == ""

	switch k.mode {
	case ModeSteer, ModeSteerBacklog:
		if steerable {
			if k.mode == ModeSteerBacklog && k.prober != nil && k.prober.IsSessionActive(sessionKey) {
				// A run is live: preempt it and queue the new text behind it.
				reason := fmt.Sprintf("Interrupted by newer inbound message %s", inbound.ID)
				k.preemptSession(ctx, sessionKey, reason, true)
			} else if k.steerer != nil && k.steerer.SteerSession(sessionKey, inbound.Text, "steer") {
				if err := k.ensureSession(ctx, sc, inbound, session.StatusRunning); err != nil {
					return EnqueueResult{}, err
				}
				k.logger.Debug("inbound steered into active run", "session", sessionKey, "inbound", inbound.ID)
				return EnqueueResult{Accepted: true, SessionKey: sessionKey}, nil
			}
		}
	case ModeInterrupt:
		if !isStop {
			reason := fmt.Sprintf("Interrupted by newer inbound message %s", inbound.ID)
			k.preemptSession(ctx, sessionKey, reason, false)
		}
	case ModeCollect:
		if merged, result, err := k.tryCollectMerge(ctx, sessionKey, inbound, receivedAt); err != nil {
			return EnqueueResult{}, err
		} else if merged {
			if err := k.ensureSession(ctx, sc, inbound, session.StatusQueued); err != nil {
				return EnqueueResult{}, err
			}
			k.schedulePump()
			return result, nil
		}
	}

	availableAt := receivedAt
	if k.mode == ModeCollect {
		availableAt = receivedAt.Add(k.collectWindow)
	}

	dedupKey := env.DedupKey
	if dedupKey == "" {
		dedupKey = inbound.Channel + ":" + inbound.ID
	}

	inboundJSON, err := EncodeInbound(inbound)
	if err != nil {
		return EnqueueResult{}, err
	}

	itemID := uuid.NewString()
	inserted, err := k.store.EnqueueItem(ctx, persistence.QueueItem{
		ID:          itemID,
		DedupKey:    dedupKey,
		SessionKey:  sessionKey,
		ChannelID:   inbound.Channel,
		PeerID:      inbound.PeerID,
		PeerType:    inbound.PeerType,
		InboundJSON: inboundJSON,
		EnqueuedAt:  receivedAt,
		AvailableAt: availableAt,
	})
	if err != nil {
		return EnqueueResult{}, err
	}
	if !inserted {
		k.metrics.RecordDeduplicated(ctx)
		k.logger.Debug("inbound deduplicated", "dedup_key", dedupKey)
		return EnqueueResult{Deduplicated: true, SessionKey: sessionKey}, nil
	}

	if err := k.ensureSession(ctx, sc, inbound, session.StatusQueued); err != nil {
		return EnqueueResult{}, err
	}
	k.metrics.RecordEnqueued(ctx, string(k.mode))
	if k.bus != nil {
		k.bus.Publish(bus.TopicQueueEnqueued, bus.QueueItemEvent{
			QueueItemID: itemID,
			SessionKey:  sessionKey,
			Status:      string(persistence.QueueStatusQueued),
		})
	}
	k.trimBacklog(ctx, sessionKey)
	k.schedulePump()

	return EnqueueResult{Accepted: true, QueueItemID: itemID, SessionKey: sessionKey}, nil
}

// preemptSession durably interrupts the session's queue rows and signals the
// handler abort. tombstone additionally cancels pending continuations (/stop
// and steer-backlog preemption; plain interrupt mode keeps them). Plain
// interrupt mode signals the abort only when it interrupted at least one row
// (or the transition failed), so an inbound into an idle session does not
// reach the hook.
func (k *Kernel) preemptSession(ctx context.Context, sessionKey, reason string, tombstone bool) {
	count, err := k.store.MarkInterruptedBySession(ctx, sessionKey, reason, k.nowFn().UTC())
	if err != nil {
		k.logger.Error("interrupt session items failed", "session", sessionKey, "error", err)
	} else if count > 0 {
		k.metrics.RecordInterrupted(ctx, count, "preempt")
		if k.bus != nil {
			k.bus.Publish(bus.TopicQueueInterrupted, bus.QueueItemEvent{
				SessionKey: sessionKey,
				Status:     string(persistence.QueueStatusInterrupted),
				Error:      reason,
			})
		}
	}
	if tombstone {
		k.continuations.CancelSession(sessionKey)
	}
	if k.interrupter != nil && (tombstone || err != nil || count > 0) {
		k.interrupter.InterruptSession(sessionKey, reason)
	}
}

// tryCollectMerge folds the inbound into the session's most recent queued
// item when one exists within the collect window.
func (k *Kernel) tryCollectMerge(ctx context.Context, sessionKey string, inbound InboundMessage, receivedAt time.Time) (bool, EnqueueResult, error) {
	since := receivedAt.Add(-k.collectWindow)
	latest, err := k.store.FindLatestQueuedBySessionSince(ctx, sessionKey, since)
	if err != nil {
		return false, EnqueueResult{}, err
	}
	if latest == nil {
		return false, EnqueueResult{}, nil
	}

	previous, err := DecodeInbound([]byte(latest.InboundJSON))
	if err != nil {
		k.logger.Warn("collect merge skipped, stored inbound unreadable",
			"queue_item", latest.ID, "error", err)
		return false, EnqueueResult{}, nil
	}

	merged := inbound
	merged.Text = joinCollectedText(previous.Text, inbound.Text)
	if len(inbound.Media) == 0 {
		merged.Media = previous.Media
	}

	mergedJSON, err := EncodeInbound(merged)
	if err != nil {
		return false, EnqueueResult{}, err
	}
	ok, err := k.store.MergeQueuedInbound(ctx, latest.ID, mergedJSON, receivedAt.Add(k.collectWindow), k.nowFn().UTC())
	if err != nil {
		return false, EnqueueResult{}, err
	}
	if !ok {
		// The item was claimed or interrupted between the read and the
		// update; enqueue normally.
		return false, EnqueueResult{}, nil
	}
	k.logger.Debug("inbound merged into queued item",
		"session", sessionKey, "queue_item", latest.ID)
	return true, EnqueueResult{Accepted: true, QueueItemID: latest.ID, SessionKey: sessionKey}, nil
}

func joinCollectedText(previous, next string) string {
	switch {
	case previous == "":
		return next
	case next == "":
		return previous
	default:
		return previous + "\n" + next
	}
}

// ensureSession creates the session if needed and sets its status.
func (k *Kernel) ensureSession(ctx context.Context, sc SessionContext, inbound InboundMessage, status session.Status) error {
	_, err := k.sessions.GetOrCreate(ctx, sc.SessionKey, session.Session{
		AgentID:   sc.AgentID,
		ChannelID: inbound.Channel,
		PeerID:    inbound.PeerID,
		PeerType:  inbound.PeerType,
		Status:    session.StatusIdle,
	})
	if err != nil {
		return fmt.Errorf("ensure session %q: %w", sc.SessionKey, err)
	}
	return k.sessions.SetStatus(ctx, sc.SessionKey, status)
}

// trimBacklog interrupts the oldest pending items beyond the backlog cap.
func (k *Kernel) trimBacklog(ctx context.Context, sessionKey string) {
	if k.maxBacklog <= 0 {
		return
	}
	pending, err := k.store.ListPendingBySession(ctx, sessionKey)
	if err != nil {
		k.logger.Error("backlog listing failed", "session", sessionKey, "error", err)
		return
	}
	excess := len(pending) - k.maxBacklog
	if excess <= 0 {
		return
	}
	ids := make([]string, 0, excess)
	for _, item := range pending[:excess] {
		ids = append(ids, item.ID)
	}
	reason := fmt.Sprintf("Dropped by maxBacklog=%d", k.maxBacklog)
	if err := k.store.MarkInterruptedByIDs(ctx, ids, reason, k.nowFn().UTC()); err != nil {
		k.logger.Error("backlog trim failed", "session", sessionKey, "error", err)
		return
	}
	k.metrics.RecordInterrupted(ctx, int64(len(ids)), "backlog")
	k.logger.Info("backlog trimmed", "session", sessionKey, "dropped", len(ids))
}

// runItem drives one claimed queue item through the handler and writes the
// terminal transition. Always clears the session from the active set and
// reschedules the pump on exit.
func (k *Kernel) runItem(ctx context.Context, itemID, sessionKey string) {
	defer k.itemWG.Done()
	defer func() {
		k.clearActive(sessionKey)
		k.metrics.SessionActive(ctx, -1)
		k.schedulePump()
	}()
	k.metrics.SessionActive(ctx, 1)

	item, err := k.store.GetQueueItem(ctx, itemID)
	if err != nil || item == nil {
		k.logger.Error("claimed item unreadable", "queue_item", itemID, "error", err)
		return
	}
	if item.Status != persistence.QueueStatusRunning {
		// Interrupted between claim and start.
		k.mirrorInterrupted(ctx, sessionKey)
		return
	}

	k.continuations.ResumeSession(sessionKey)

	inbound, err := DecodeInbound([]byte(item.InboundJSON))
	if err != nil {
		k.logger.Error("inbound payload unreadable", "queue_item", itemID, "error", err)
		msg := ReasonTerminalError + ": " + err.Error()
		if ok, merr := k.store.MarkFailedIfRunning(ctx, itemID, msg, k.nowFn().UTC()); merr == nil && ok {
			k.setSessionStatus(ctx, sessionKey, session.StatusFailed)
		}
		return
	}

	k.setSessionStatus(ctx, sessionKey, session.StatusRunning)

	rc := NewRuntimeChannel(k.egress, DeliveryReceipt{
		QueueItemID: item.ID,
		EnvelopeID:  inbound.ID,
		SessionKey:  sessionKey,
		ChannelID:   item.ChannelID,
		PeerID:      item.PeerID,
		Attempt:     item.Attempts,
		Status:      string(item.Status),
	})

	started := time.Now()
	handlerErr := k.invokeHandler(ctx, inbound, rc)
	duration := time.Since(started)

	if handlerErr == nil {
		k.metrics.RecordHandlerDuration(ctx, duration, "completed")
		k.finishCompleted(ctx, item, inbound)
		return
	}
	k.metrics.RecordHandlerDuration(ctx, duration, "error")
	k.finishFailed(ctx, item, handlerErr)
}

// invokeHandler calls the handler, converting panics into errors so one turn
// cannot take the pump down.
func (k *Kernel) invokeHandler(ctx context.Context, inbound InboundMessage, rc *RuntimeChannel) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return k.handler.Handle(ctx, inbound, rc)
}

// finishCompleted attempts the running → completed transition. A refused
// update means the row was interrupted behind our back or the race was lost;
// re-read to tell which.
func (k *Kernel) finishCompleted(ctx context.Context, item *persistence.QueueItem, inbound InboundMessage) {
	now := k.nowFn().UTC()
	ok, err := k.store.MarkCompletedIfRunning(ctx, item.ID, now)
	if err != nil {
		k.logger.Error("completion write failed", "queue_item", item.ID, "error", err)
		return
	}
	if !ok {
		row, err := k.store.GetQueueItem(ctx, item.ID)
		if err == nil && row != nil && row.Status == persistence.QueueStatusInterrupted {
			k.setSessionStatus(ctx, item.SessionKey, session.StatusInterrupted)
			return
		}
		k.logger.Warn("completion lost race", "queue_item", item.ID)
		return
	}

	k.setSessionStatus(ctx, item.SessionKey, session.StatusCompleted)
	if k.bus != nil {
		k.bus.Publish(bus.TopicQueueCompleted, bus.QueueItemEvent{
			QueueItemID: item.ID,
			SessionKey:  item.SessionKey,
			Status:      string(persistence.QueueStatusCompleted),
			Attempts:    item.Attempts,
		})
	}
	k.processContinuations(ctx, item, inbound)
}

// finishFailed classifies the handler error and writes retrying or failed,
// unless the row was interrupted meanwhile.
func (k *Kernel) finishFailed(ctx context.Context, item *persistence.QueueItem, handlerErr error) {
	row, err := k.store.GetQueueItem(ctx, item.ID)
	if err == nil && row != nil && row.Status == persistence.QueueStatusInterrupted {
		k.setSessionStatus(ctx, item.SessionKey, session.StatusInterrupted)
		return
	}

	decision := k.policy.Decide(handlerErr, item.Attempts)
	msg := decision.Reason + ": " + handlerErr.Error()
	now := k.nowFn().UTC()

	if decision.Retry {
		ok, err := k.store.MarkRetryingIfRunning(ctx, item.ID, msg, now.Add(decision.Delay), now)
		if err != nil {
			k.logger.Error("retry write failed", "queue_item", item.ID, "error", err)
			return
		}
		if !ok {
			k.mirrorInterruptedItem(ctx, item)
			return
		}
		k.setSessionStatus(ctx, item.SessionKey, session.StatusRetrying)
		if k.bus != nil {
			k.bus.Publish(bus.TopicQueueRetrying, bus.QueueItemEvent{
				QueueItemID: item.ID,
				SessionKey:  item.SessionKey,
				Status:      string(persistence.QueueStatusRetrying),
				Attempts:    item.Attempts,
				Error:       msg,
			})
		}
		k.logger.Warn("handler attempt failed, retrying",
			"queue_item", item.ID,
			"attempt", item.Attempts,
			"delay", decision.Delay,
			"error", handlerErr,
		)
		return
	}

	ok, err := k.store.MarkFailedIfRunning(ctx, item.ID, msg, now)
	if err != nil {
		k.logger.Error("failure write failed", "queue_item", item.ID, "error", err)
		return
	}
	if !ok {
		k.mirrorInterruptedItem(ctx, item)
		return
	}
	k.setSessionStatus(ctx, item.SessionKey, session.StatusFailed)
	if k.bus != nil {
		k.bus.Publish(bus.TopicQueueFailed, bus.QueueItemEvent{
			QueueItemID: item.ID,
			SessionKey:  item.SessionKey,
			Status:      string(persistence.QueueStatusFailed),
			Attempts:    item.Attempts,
			Error:       msg,
		})
	}
	k.logger.Error("handler failed terminally",
		"queue_item", item.ID,
		"attempt", item.Attempts,
		"reason", decision.Reason,
		"error", handlerErr,
	)
}

// processContinuations drains the session's follow-ups into fresh queue
// items, strictly after the completing item.
func (k *Kernel) processContinuations(ctx context.Context, item *persistence.QueueItem, inbound InboundMessage) {
	requests := k.continuations.Consume(item.SessionKey)
	if len(requests) == 0 {
		return
	}
	for _, req := range requests {
		id := uuid.NewString()
		raw := map[string]any{
			"source":          "continuation",
			"parentMessageId": inbound.ID,
		}
		if req.Reason != "" {
			raw["reason"] = req.Reason
		}
		if req.Context != nil {
			raw["context"] = req.Context
		}
		now := k.nowFn().UTC()
		contInbound := InboundMessage{
			ID:        id,
			Channel:   item.ChannelID,
			PeerID:    item.PeerID,
			PeerType:  item.PeerType,
			SenderID:  inbound.SenderID,
			Text:      req.Prompt,
			Timestamp: now,
			Raw:       raw,
		}
		contJSON, err := EncodeInbound(contInbound)
		if err != nil {
			k.logger.Error("continuation encode failed", "session", item.SessionKey, "error", err)
			continue
		}
		inserted, err := k.store.EnqueueItem(ctx, persistence.QueueItem{
			ID:          id,
			DedupKey:    "continuation:" + item.SessionKey + ":" + id,
			SessionKey:  item.SessionKey,
			ChannelID:   item.ChannelID,
			PeerID:      item.PeerID,
			PeerType:    item.PeerType,
			InboundJSON: contJSON,
			EnqueuedAt:  now,
			AvailableAt: now.Add(req.Delay),
		})
		if err != nil {
			k.logger.Error("continuation enqueue failed", "session", item.SessionKey, "error", err)
			continue
		}
		if inserted {
			k.setSessionStatus(ctx, item.SessionKey, session.StatusQueued)
			k.logger.Debug("continuation enqueued",
				"session", item.SessionKey,
				"queue_item", id,
				"delay", req.Delay,
			)
		}
	}
	k.schedulePump()
}

// mirrorInterrupted sets the session status when a claimed item turned out to
// be interrupted before the handler started.
func (k *Kernel) mirrorInterrupted(ctx context.Context, sessionKey string) {
	k.setSessionStatus(ctx, sessionKey, session.StatusInterrupted)
}

// mirrorInterruptedItem re-reads an item after a refused conditional write
// and mirrors an interrupt to the session.
func (k *Kernel) mirrorInterruptedItem(ctx context.Context, item *persistence.QueueItem) {
	row, err := k.store.GetQueueItem(ctx, item.ID)
	if err == nil && row != nil && row.Status == persistence.QueueStatusInterrupted {
		k.setSessionStatus(ctx, item.SessionKey, session.StatusInterrupted)
		return
	}
	k.logger.Warn("terminal write lost race", "queue_item", item.ID)
}

func (k *Kernel) setSessionStatus(ctx context.Context, sessionKey string, status session.Status) {
	if err := k.sessions.SetStatus(ctx, sessionKey, status); err != nil {
		k.logger.Error("session status update failed",
			"session", sessionKey, "status", string(status), "error", err)
	}
}
