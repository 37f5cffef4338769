package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "mozi.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testItem(id, dedupKey, sessionKey string, at time.Time) QueueItem {
	return QueueItem{
		ID:          id,
		DedupKey:    dedupKey,
		SessionKey:  sessionKey,
		ChannelID:   "local",
		PeerID:      "p1",
		PeerType:    "dm",
		InboundJSON: `{"id":"` + id + `","channel":"local","peerId":"p1","text":"hi"}`,
		EnqueuedAt:  at,
		AvailableAt: at,
	}
}

func TestOpen_CreatesSchema(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// A fresh store accepts writes into every table.
	if _, err := store.EnqueueItem(ctx, testItem("q1", "d1", "s1", time.Now().UTC())); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	now := time.Now().UTC()
	if _, err := store.InsertSessionIfAbsent(ctx, SessionRow{
		Key: "s1", AgentID: "mozi", ChannelID: "local", PeerID: "p1",
		PeerType: "dm", Status: "idle", MetadataJSON: "{}",
		CreatedAt: now, LastActiveAt: now,
	}); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	if err := store.InsertReminder(ctx, Reminder{
		ID: "r1", SessionKey: "s1", ChannelID: "local", PeerID: "p1",
		PeerType: "dm", Message: "hello", ScheduleJSON: `{"kind":"at","atMs":1}`,
		Enabled: true, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("insert reminder: %v", err)
	}
}
