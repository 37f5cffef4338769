package kernel_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/royisme/mozi/internal/bus"
	"github.com/royisme/mozi/internal/kernel"
	"github.com/royisme/mozi/internal/persistence"
	"github.com/royisme/mozi/internal/session"
)

// waitFor polls check at short intervals until it returns true or the
// deadline elapses. This avoids fixed sleeps that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

// testHandler implements the full handler contract with pluggable behavior.
type testHandler struct {
	mu         sync.Mutex
	calls      []kernel.InboundMessage
	active     int
	maxActive  int
	interrupts []string
	handleFn   func(ctx context.Context, inbound kernel.InboundMessage, rc *kernel.RuntimeChannel) error
	steerFn    func(sessionKey, text, mode string) bool
}

func (h *testHandler) ResolveSessionContext(inbound kernel.InboundMessage) kernel.SessionContext {
	key := session.BuildKey("mozi", inbound.Channel, inbound.PeerType, inbound.PeerID)
	return kernel.SessionContext{SessionKey: key, AgentID: "mozi"}
}

func (h *testHandler) Handle(ctx context.Context, inbound kernel.InboundMessage, rc *kernel.RuntimeChannel) error {
	h.mu.Lock()
	h.calls = append(h.calls, inbound)
	h.active++
	if h.active > h.maxActive {
		h.maxActive = h.active
	}
	fn := h.handleFn
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.active--
		h.mu.Unlock()
	}()
	if fn != nil {
		return fn(ctx, inbound, rc)
	}
	return nil
}

func (h *testHandler) InterruptSession(sessionKey, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.interrupts = append(h.interrupts, reason)
}

func (h *testHandler) SteerSession(sessionKey, text, mode string) bool {
	h.mu.Lock()
	fn := h.steerFn
	h.mu.Unlock()
	if fn != nil {
		return fn(sessionKey, text, mode)
	}
	return false
}

func (h *testHandler) IsSessionActive(sessionKey string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active > 0
}

func (h *testHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func (h *testHandler) callTexts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.calls))
	for i, c := range h.calls {
		out[i] = c.Text
	}
	return out
}

func (h *testHandler) interruptReasons() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.interrupts))
	copy(out, h.interrupts)
	return out
}

type harness struct {
	kernel   *kernel.Kernel
	store    *persistence.Store
	sessions *session.Manager
	handler  *testHandler
}

func newHarness(t *testing.T, handler *testHandler, mutate func(cfg *kernel.Config)) *harness {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "mozi.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.Default()
	eventBus := bus.New()
	sessions := session.NewManager(session.Config{Store: store, Bus: eventBus, Logger: logger})
	registry := kernel.NewChannelRegistry()
	registry.Register("local", nopChannel{})

	cfg := kernel.Config{
		Store:    store,
		Sessions: sessions,
		Policy:   &kernel.ErrorPolicy{MaxRetries: 3, BaseDelay: 5 * time.Millisecond},
		Handler:  handler,
		Egress:   kernel.NewEgress(registry, logger),
		Bus:      eventBus,
		Logger:   logger,
		Mode:     kernel.ModeFollowup,
		// Fast pump so tests finish quickly.
		PollInterval: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &harness{
		kernel:   kernel.New(cfg),
		store:    store,
		sessions: sessions,
		handler:  handler,
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.kernel.Start(context.Background()); err != nil {
		t.Fatalf("start kernel: %v", err)
	}
	t.Cleanup(h.kernel.Stop)
}

func makeEnv(id, peerID, text string) kernel.Envelope {
	now := time.Now().UTC()
	return kernel.Envelope{
		ID: "env-" + id,
		Inbound: kernel.InboundMessage{
			ID:        id,
			Channel:   "local",
			PeerID:    peerID,
			PeerType:  "dm",
			SenderID:  "u1",
			Text:      text,
			Timestamp: now,
		},
		ReceivedAt: now,
	}
}

func sessionKeyFor(peerID string) string {
	return session.BuildKey("mozi", "local", "dm", peerID)
}

// nopChannel satisfies the registry so runtime channels can deliver.
type nopChannel struct{}

func (nopChannel) SendMessage(ctx context.Context, peerID string, msg kernel.OutboundMessage) error {
	return nil
}
func (nopChannel) SendTyping(ctx context.Context, peerID string) error { return nil }

func TestFollowup_FIFOWithinSession(t *testing.T) {
	handler := &testHandler{}
	handler.handleFn = func(ctx context.Context, inbound kernel.InboundMessage, rc *kernel.RuntimeChannel) error {
		time.Sleep(30 * time.Millisecond)
		return nil
	}
	h := newHarness(t, handler, nil)
	h.start(t)
	ctx := context.Background()

	if _, err := h.kernel.EnqueueInbound(ctx, makeEnv("m1", "p1", "first")); err != nil {
		t.Fatalf("enqueue m1: %v", err)
	}
	if _, err := h.kernel.EnqueueInbound(ctx, makeEnv("m2", "p1", "second")); err != nil {
		t.Fatalf("enqueue m2: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return handler.callCount() == 2 })

	texts := handler.callTexts()
	if texts[0] != "first" || texts[1] != "second" {
		t.Fatalf("order = %v", texts)
	}
	handler.mu.Lock()
	maxActive := handler.maxActive
	handler.mu.Unlock()
	if maxActive != 1 {
		t.Fatalf("max concurrent handlers = %d, want 1", maxActive)
	}
}

func TestParallelismAcrossSessions(t *testing.T) {
	handler := &testHandler{}
	handler.handleFn = func(ctx context.Context, inbound kernel.InboundMessage, rc *kernel.RuntimeChannel) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	}
	h := newHarness(t, handler, nil)
	h.start(t)
	ctx := context.Background()

	if _, err := h.kernel.EnqueueInbound(ctx, makeEnv("m1", "p1", "a")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := h.kernel.EnqueueInbound(ctx, makeEnv("m2", "p2", "b")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return handler.maxActive == 2
	})
}

func TestDeduplication(t *testing.T) {
	handler := &testHandler{}
	h := newHarness(t, handler, nil)
	h.start(t)
	ctx := context.Background()

	env := makeEnv("m1", "p1", "hello")
	env.DedupKey = "telegram:same-id"
	first, err := h.kernel.EnqueueInbound(ctx, env)
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if !first.Accepted || first.Deduplicated {
		t.Fatalf("first = %+v", first)
	}

	dup := makeEnv("m1-retransmit", "p1", "hello")
	dup.DedupKey = "telegram:same-id"
	second, err := h.kernel.EnqueueInbound(ctx, dup)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if second.Accepted || !second.Deduplicated {
		t.Fatalf("second = %+v", second)
	}

	waitFor(t, 3*time.Second, func() bool { return handler.callCount() == 1 })
	time.Sleep(50 * time.Millisecond)
	if handler.callCount() != 1 {
		t.Fatalf("handler invoked %d times, want exactly 1", handler.callCount())
	}
}

func TestCrashRecovery(t *testing.T) {
	handler := &testHandler{}
	h := newHarness(t, handler, nil)
	ctx := context.Background()

	// Pre-seed a row stuck in running, as a crashed process would leave it.
	now := time.Now().UTC()
	inboundJSON, _ := kernel.EncodeInbound(kernel.InboundMessage{
		ID: "stale", Channel: "local", PeerID: "p1", PeerType: "dm", Text: "stale",
	})
	if _, err := h.store.EnqueueItem(ctx, persistence.QueueItem{
		ID: "crashed", DedupKey: "local:stale", SessionKey: sessionKeyFor("p1"),
		ChannelID: "local", PeerID: "p1", PeerType: "dm",
		InboundJSON: inboundJSON, EnqueuedAt: now, AvailableAt: now,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if ok, err := h.store.Claim(ctx, "crashed", now); err != nil || !ok {
		t.Fatalf("seed claim: ok=%v err=%v", ok, err)
	}

	h.start(t)

	// Recovery runs before the pump: the row is interrupted, never re-run.
	row, err := h.store.GetQueueItem(ctx, "crashed")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.Status != persistence.QueueStatusInterrupted {
		t.Fatalf("crashed row = %s, want interrupted", row.Status)
	}
	if row.FinishedAt == nil {
		t.Fatal("crashed row missing finished_at")
	}

	// New work proceeds normally.
	if _, err := h.kernel.EnqueueInbound(ctx, makeEnv("m1", "p1", "fresh")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return handler.callCount() == 1 })
	if handler.callTexts()[0] != "fresh" {
		t.Fatalf("handled %v, want only the fresh item", handler.callTexts())
	}
}

func TestCollect_MergesWithinWindow(t *testing.T) {
	handler := &testHandler{}
	h := newHarness(t, handler, func(cfg *kernel.Config) {
		cfg.Mode = kernel.ModeCollect
		cfg.CollectWindow = 120 * time.Millisecond
	})
	h.start(t)
	ctx := context.Background()

	r1, err := h.kernel.EnqueueInbound(ctx, makeEnv("m1", "p1", "hello-m1"))
	if err != nil {
		t.Fatalf("enqueue m1: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	r2, err := h.kernel.EnqueueInbound(ctx, makeEnv("m2", "p1", "hello-m2"))
	if err != nil {
		t.Fatalf("enqueue m2: %v", err)
	}
	if !r2.Accepted || r2.Deduplicated {
		t.Fatalf("merge result = %+v", r2)
	}
	if r2.QueueItemID != r1.QueueItemID {
		t.Fatalf("merge created a new row: %s vs %s", r2.QueueItemID, r1.QueueItemID)
	}

	waitFor(t, 3*time.Second, func() bool { return handler.callCount() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if handler.callCount() != 1 {
		t.Fatalf("handler invoked %d times, want 1", handler.callCount())
	}
	text := handler.callTexts()[0]
	if !strings.Contains(text, "hello-m1") || !strings.Contains(text, "hello-m2") {
		t.Fatalf("merged text = %q", text)
	}
	if text != "hello-m1\nhello-m2" {
		t.Fatalf("merged text = %q, want newline join", text)
	}
}

func TestInterruptMode_PreemptsActiveRun(t *testing.T) {
	release := make(chan struct{})
	handler := &testHandler{}
	handler.handleFn = func(ctx context.Context, inbound kernel.InboundMessage, rc *kernel.RuntimeChannel) error {
		if inbound.ID == "A" {
			<-release
		}
		return nil
	}
	h := newHarness(t, handler, func(cfg *kernel.Config) {
		cfg.Mode = kernel.ModeInterrupt
	})
	h.start(t)
	ctx := context.Background()

	resA, err := h.kernel.EnqueueInbound(ctx, makeEnv("A", "p1", "first"))
	if err != nil {
		t.Fatalf("enqueue A: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return handler.callCount() == 1 })

	if _, err := h.kernel.EnqueueInbound(ctx, makeEnv("B", "p1", "newer")); err != nil {
		t.Fatalf("enqueue B: %v", err)
	}

	// A's row is durably interrupted and the abort hook saw B's id.
	rowA, _ := h.store.GetQueueItem(ctx, resA.QueueItemID)
	if rowA.Status != persistence.QueueStatusInterrupted {
		t.Fatalf("A status = %s, want interrupted", rowA.Status)
	}
	reasons := handler.interruptReasons()
	if len(reasons) != 1 || !strings.Contains(reasons[0], "B") {
		t.Fatalf("interrupt reasons = %v", reasons)
	}

	close(release)
	waitFor(t, 3*time.Second, func() bool { return handler.callCount() == 2 })

	// A ends interrupted, B completes.
	waitFor(t, 3*time.Second, func() bool {
		sess, err := h.sessions.Get(ctx, sessionKeyFor("p1"))
		return err == nil && sess != nil && sess.Status == session.StatusCompleted
	})
	rowA, _ = h.store.GetQueueItem(ctx, resA.QueueItemID)
	if rowA.Status != persistence.QueueStatusInterrupted {
		t.Fatalf("A final status = %s", rowA.Status)
	}
}

func TestSteer_InjectsWithoutEnqueue(t *testing.T) {
	handler := &testHandler{}
	steered := make(chan string, 1)
	handler.steerFn = func(sessionKey, text, mode string) bool {
		steered <- text
		return true
	}
	h := newHarness(t, handler, func(cfg *kernel.Config) {
		cfg.Mode = kernel.ModeSteer
	})
	h.start(t)
	ctx := context.Background()

	res, err := h.kernel.EnqueueInbound(ctx, makeEnv("m1", "p1", "change course"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !res.Accepted || res.Deduplicated || res.QueueItemID != "" {
		t.Fatalf("steer result = %+v", res)
	}
	select {
	case text := <-steered:
		if text != "change course" {
			t.Fatalf("steered text = %q", text)
		}
	default:
		t.Fatal("steer hook not invoked")
	}

	// No row was created and the session shows running.
	runnable, _ := h.store.ListRunnable(ctx, time.Now().UTC().Add(time.Second), 10)
	if len(runnable) != 0 {
		t.Fatalf("steer must not enqueue; runnable = %+v", runnable)
	}
	sess, err := h.sessions.Get(ctx, sessionKeyFor("p1"))
	if err != nil || sess == nil {
		t.Fatalf("session missing: %v", err)
	}
	if sess.Status != session.StatusRunning {
		t.Fatalf("session status = %s, want running", sess.Status)
	}

	// Slash commands are never steered.
	res, err = h.kernel.EnqueueInbound(ctx, makeEnv("m2", "p1", "/reset"))
	if err != nil {
		t.Fatalf("enqueue command: %v", err)
	}
	if res.QueueItemID == "" {
		t.Fatal("command must be enqueued, not steered")
	}
}

func TestSteerBacklog_PreemptsWhenActive(t *testing.T) {
	release := make(chan struct{})
	handler := &testHandler{}
	handler.handleFn = func(ctx context.Context, inbound kernel.InboundMessage, rc *kernel.RuntimeChannel) error {
		if inbound.ID == "A" {
			<-release
		}
		return nil
	}
	h := newHarness(t, handler, func(cfg *kernel.Config) {
		cfg.Mode = kernel.ModeSteerBacklog
	})
	h.start(t)
	ctx := context.Background()

	resA, err := h.kernel.EnqueueInbound(ctx, makeEnv("A", "p1", "long task"))
	if err != nil {
		t.Fatalf("enqueue A: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return handler.callCount() == 1 })

	resB, err := h.kernel.EnqueueInbound(ctx, makeEnv("B", "p1", "actually do this"))
	if err != nil {
		t.Fatalf("enqueue B: %v", err)
	}
	if !resB.Accepted || resB.QueueItemID == "" {
		t.Fatalf("B result = %+v, want enqueued", resB)
	}

	rowA, _ := h.store.GetQueueItem(ctx, resA.QueueItemID)
	if rowA.Status != persistence.QueueStatusInterrupted {
		t.Fatalf("A status = %s, want interrupted", rowA.Status)
	}
	if len(handler.interruptReasons()) == 0 {
		t.Fatal("abort signal not sent")
	}

	close(release)
	waitFor(t, 3*time.Second, func() bool { return handler.callCount() == 2 })
	waitFor(t, 3*time.Second, func() bool {
		row, err := h.store.GetQueueItem(ctx, resB.QueueItemID)
		return err == nil && row.Status == persistence.QueueStatusCompleted
	})
}

func TestStop_InterruptsAndCancelsContinuations(t *testing.T) {
	handler := &testHandler{}
	// Pump intentionally not started: admission behavior only.
	h := newHarness(t, handler, nil)
	ctx := context.Background()

	pending, err := h.kernel.EnqueueInbound(ctx, makeEnv("m1", "p1", "work on this"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	key := sessionKeyFor("p1")
	if !h.kernel.Continuations().Schedule(key, kernel.ContinuationRequest{Prompt: "later"}) {
		t.Fatal("schedule refused")
	}

	stop, err := h.kernel.EnqueueInbound(ctx, makeEnv("m2", "p1", "/stop"))
	if err != nil {
		t.Fatalf("enqueue /stop: %v", err)
	}
	if !stop.Accepted {
		t.Fatalf("stop result = %+v", stop)
	}

	// Pending work is interrupted; the /stop row itself is queued.
	row, _ := h.store.GetQueueItem(ctx, pending.QueueItemID)
	if row.Status != persistence.QueueStatusInterrupted {
		t.Fatalf("pending status = %s, want interrupted", row.Status)
	}
	stopRow, _ := h.store.GetQueueItem(ctx, stop.QueueItemID)
	if stopRow.Status != persistence.QueueStatusQueued {
		t.Fatalf("/stop status = %s, want queued", stopRow.Status)
	}

	// Tombstone holds until the next run starts.
	if h.kernel.Continuations().Schedule(key, kernel.ContinuationRequest{Prompt: "rejected"}) {
		t.Fatal("tombstoned session accepted a continuation")
	}
	if len(handler.interruptReasons()) != 1 {
		t.Fatalf("interrupts = %v", handler.interruptReasons())
	}
}

func TestStop_TombstoneClearedBySubsequentRun(t *testing.T) {
	handler := &testHandler{}
	h := newHarness(t, handler, nil)
	h.start(t)
	ctx := context.Background()

	key := sessionKeyFor("p1")
	if _, err := h.kernel.EnqueueInbound(ctx, makeEnv("m1", "p1", "/stop")); err != nil {
		t.Fatalf("enqueue /stop: %v", err)
	}
	// The /stop item itself is processed as a turn, clearing the tombstone.
	waitFor(t, 3*time.Second, func() bool { return handler.callCount() == 1 })
	waitFor(t, 3*time.Second, func() bool {
		return h.kernel.Continuations().Schedule(key, kernel.ContinuationRequest{Prompt: "accepted again"})
	})
}

func TestContinuations_EnqueuedAfterCompletion(t *testing.T) {
	handler := &testHandler{}
	var once sync.Once
	h := newHarness(t, handler, nil)
	handler.handleFn = func(ctx context.Context, inbound kernel.InboundMessage, rc *kernel.RuntimeChannel) error {
		once.Do(func() {
			key := sessionKeyFor(inbound.PeerID)
			h.kernel.Continuations().Schedule(key, kernel.ContinuationRequest{
				Prompt: "follow up",
				Reason: "unfinished work",
			})
		})
		return nil
	}
	h.start(t)
	ctx := context.Background()

	if _, err := h.kernel.EnqueueInbound(ctx, makeEnv("m1", "p1", "start")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return handler.callCount() == 2 })

	handler.mu.Lock()
	cont := handler.calls[1]
	handler.mu.Unlock()
	if cont.Text != "follow up" {
		t.Fatalf("continuation text = %q", cont.Text)
	}
	if cont.Raw["source"] != "continuation" {
		t.Fatalf("continuation raw = %+v", cont.Raw)
	}
	if cont.Raw["parentMessageId"] != "m1" {
		t.Fatalf("parentMessageId = %v", cont.Raw["parentMessageId"])
	}
}

func TestRetry_TransientThenSuccess(t *testing.T) {
	handler := &testHandler{}
	var failed bool
	var mu sync.Mutex
	handler.handleFn = func(ctx context.Context, inbound kernel.InboundMessage, rc *kernel.RuntimeChannel) error {
		mu.Lock()
		defer mu.Unlock()
		if !failed {
			failed = true
			return errors.New("upstream timeout")
		}
		return nil
	}
	h := newHarness(t, handler, nil)
	h.start(t)
	ctx := context.Background()

	res, err := h.kernel.EnqueueInbound(ctx, makeEnv("m1", "p1", "flaky"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		row, err := h.store.GetQueueItem(ctx, res.QueueItemID)
		return err == nil && row.Status == persistence.QueueStatusCompleted
	})
	row, _ := h.store.GetQueueItem(ctx, res.QueueItemID)
	if row.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", row.Attempts)
	}
	if handler.callCount() != 2 {
		t.Fatalf("handler invoked %d times, want 2", handler.callCount())
	}
}

func TestTerminalFailure(t *testing.T) {
	handler := &testHandler{}
	handler.handleFn = func(ctx context.Context, inbound kernel.InboundMessage, rc *kernel.RuntimeChannel) error {
		return errors.New("prompt builder exploded")
	}
	h := newHarness(t, handler, nil)
	h.start(t)
	ctx := context.Background()

	res, err := h.kernel.EnqueueInbound(ctx, makeEnv("m1", "p1", "doomed"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		row, err := h.store.GetQueueItem(ctx, res.QueueItemID)
		return err == nil && row.Status == persistence.QueueStatusFailed
	})
	row, _ := h.store.GetQueueItem(ctx, res.QueueItemID)
	if !strings.Contains(row.Error, "terminal_error") {
		t.Fatalf("error = %q", row.Error)
	}
	waitFor(t, 3*time.Second, func() bool {
		sess, err := h.sessions.Get(ctx, sessionKeyFor("p1"))
		return err == nil && sess != nil && sess.Status == session.StatusFailed
	})
}

func TestBacklogTrim(t *testing.T) {
	handler := &testHandler{}
	h := newHarness(t, handler, func(cfg *kernel.Config) {
		cfg.MaxBacklog = 1
	})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		res, err := h.kernel.EnqueueInbound(ctx, makeEnv(fmt.Sprintf("m%d", i), "p1", fmt.Sprintf("msg %d", i)))
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		ids = append(ids, res.QueueItemID)
	}

	// Only the newest survives; older items carry the trim reason.
	for _, id := range ids[:2] {
		row, _ := h.store.GetQueueItem(ctx, id)
		if row.Status != persistence.QueueStatusInterrupted {
			t.Fatalf("%s status = %s, want interrupted", id, row.Status)
		}
		if row.Error != "Dropped by maxBacklog=1" {
			t.Fatalf("trim reason = %q", row.Error)
		}
	}
	last, _ := h.store.GetQueueItem(ctx, ids[2])
	if last.Status != persistence.QueueStatusQueued {
		t.Fatalf("newest status = %s, want queued", last.Status)
	}
}

func TestPanicInHandler_IsContained(t *testing.T) {
	handler := &testHandler{}
	handler.handleFn = func(ctx context.Context, inbound kernel.InboundMessage, rc *kernel.RuntimeChannel) error {
		panic("handler bug")
	}
	h := newHarness(t, handler, nil)
	h.start(t)
	ctx := context.Background()

	res, err := h.kernel.EnqueueInbound(ctx, makeEnv("m1", "p1", "boom"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		row, err := h.store.GetQueueItem(ctx, res.QueueItemID)
		return err == nil && row.Status == persistence.QueueStatusFailed
	})

	// The pump survives and processes new sessions.
	handler.mu.Lock()
	handler.handleFn = nil
	handler.mu.Unlock()
	res2, err := h.kernel.EnqueueInbound(ctx, makeEnv("m2", "p2", "still alive"))
	if err != nil {
		t.Fatalf("enqueue after panic: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		row, err := h.store.GetQueueItem(ctx, res2.QueueItemID)
		return err == nil && row.Status == persistence.QueueStatusCompleted
	})
}
