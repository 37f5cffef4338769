package reminders_test

import (
	"context"
	"testing"
	"time"

	"github.com/royisme/mozi/internal/reminders"
)

func TestService_CreateComputesFirstRun(t *testing.T) {
	store := openTestStore(t)
	svc := reminders.NewService(reminders.ServiceConfig{Store: store})
	ctx := context.Background()

	r, err := svc.Create(ctx, reminders.CreateInput{
		SessionKey: "mozi:local:dm:p1",
		ChannelID:  "local",
		PeerID:     "p1",
		Message:    "stand up",
		Schedule:   reminders.Schedule{Kind: reminders.KindEvery, EveryMs: 60_000},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.NextRunAt == nil || !r.NextRunAt.After(time.Now().UTC().Add(-time.Second)) {
		t.Fatalf("next_run_at = %v", r.NextRunAt)
	}
	if !r.Enabled {
		t.Fatal("new reminder must be enabled")
	}
	if r.PeerType != "dm" {
		t.Fatalf("peerType = %q, want dm default", r.PeerType)
	}
}

func TestService_CreateRejectsPastOneShot(t *testing.T) {
	store := openTestStore(t)
	svc := reminders.NewService(reminders.ServiceConfig{Store: store})

	_, err := svc.Create(context.Background(), reminders.CreateInput{
		SessionKey: "mozi:local:dm:p1",
		Message:    "too late",
		Schedule: reminders.Schedule{
			Kind: reminders.KindAt,
			AtMs: time.Now().UTC().Add(-time.Hour).UnixMilli(),
		},
	})
	if err == nil {
		t.Fatal("past one-shot must be rejected")
	}
}

func TestService_MutationsAreSessionScoped(t *testing.T) {
	store := openTestStore(t)
	svc := reminders.NewService(reminders.ServiceConfig{Store: store})
	ctx := context.Background()

	r, err := svc.Create(ctx, reminders.CreateInput{
		SessionKey: "mozi:local:dm:owner",
		ChannelID:  "local",
		PeerID:     "owner",
		Message:    "owned",
		Schedule:   reminders.Schedule{Kind: reminders.KindEvery, EveryMs: 60_000},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.CancelBySession(ctx, "mozi:local:dm:intruder", r.ID); err == nil {
		t.Fatal("cross-session cancel must fail")
	}
	if _, err := svc.UpdateBySession(ctx, "mozi:local:dm:intruder", r.ID, reminders.UpdateInput{}); err == nil {
		t.Fatal("cross-session update must fail")
	}

	if err := svc.CancelBySession(ctx, r.SessionKey, r.ID); err != nil {
		t.Fatalf("owner cancel: %v", err)
	}
	rows, err := svc.ListBySession(ctx, r.SessionKey, false, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("enabled reminders after cancel = %d, want 0", len(rows))
	}
}

func TestService_UpdateScheduleRecomputesNextRun(t *testing.T) {
	store := openTestStore(t)
	svc := reminders.NewService(reminders.ServiceConfig{Store: store})
	ctx := context.Background()

	r, err := svc.Create(ctx, reminders.CreateInput{
		SessionKey: "mozi:local:dm:p1",
		ChannelID:  "local",
		PeerID:     "p1",
		Message:    "original",
		Schedule:   reminders.Schedule{Kind: reminders.KindEvery, EveryMs: 3_600_000},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	msg := "changed"
	newSched := reminders.Schedule{Kind: reminders.KindEvery, EveryMs: 60_000}
	updated, err := svc.UpdateBySession(ctx, r.SessionKey, r.ID, reminders.UpdateInput{
		Message:  &msg,
		Schedule: &newSched,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Message != "changed" {
		t.Fatalf("message = %q", updated.Message)
	}
	if updated.NextRunAt == nil || updated.NextRunAt.After(time.Now().UTC().Add(2*time.Minute)) {
		t.Fatalf("next_run_at = %v, want within the new period", updated.NextRunAt)
	}
}
