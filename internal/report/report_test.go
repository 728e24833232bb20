package report

import (
	"context"
	"strings"
	"testing"
	"time"

	"gatebot/internal/eventbus"
	"gatebot/internal/storage"
	"gatebot/internal/verify"
	logx "gatebot/pkg/logx"
)

func newTestRecorder(t *testing.T) (*Recorder, storage.Store, *eventbus.Bus) {
	t.Helper()
	store, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	bus := eventbus.New()
	return NewRecorder(Config{Enabled: true}, store, bus, logx.Nop()), store, bus
}

func TestRecorderCapturesVerifyEvents(t *testing.T) {
	t.Parallel()
	rec, store, bus := newTestRecorder(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec.Start(ctx)

	bus.Publish(eventbus.Event{Type: verify.EventType, Data: verify.Event{
		Action: verify.ActionApproved, UserID: 7, ChatID: -100,
		Username: "alice", FirstName: "Alice", LastName: "Ray",
	}})
	bus.Publish(eventbus.Event{Type: "task.finished", Data: struct{}{}}) // ignored
	bus.Publish(eventbus.Event{Type: verify.EventType, Data: verify.Event{
		Action: verify.ActionBlocked, UserID: 8, ChatID: -100,
	}})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		recs, err := store.ListActivity(ctx, 0, time.Time{})
		if err != nil {
			t.Fatalf("ListActivity: %v", err)
		}
		if len(recs) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	rec.Stop()

	recs, err := store.ListActivity(ctx, 0, time.Time{})
	if err != nil {
		t.Fatalf("ListActivity: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("recorded %d events, want 2", len(recs))
	}
	if recs[0].Action != verify.ActionApproved || recs[1].Action != verify.ActionBlocked {
		t.Fatalf("actions = %q, %q", recs[0].Action, recs[1].Action)
	}
	if recs[0].Username != "alice" || recs[0].FirstName != "Alice" || recs[0].LastName != "Ray" {
		t.Fatalf("profile fields not recorded: %+v", recs[0])
	}
}

func TestBuildCSV(t *testing.T) {
	t.Parallel()
	rec, store, _ := newTestRecorder(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	for i, action := range []string{"approved", "approved", "blocked"} {
		err := store.AppendActivity(ctx, storage.ActivityRecord{
			At: base.Add(time.Duration(i) * time.Minute), UserID: int64(i + 1),
			Username: "user", FirstName: "First", LastName: "Last",
			ChatID: -100, Action: action,
		})
		if err != nil {
			t.Fatalf("AppendActivity: %v", err)
		}
	}
	// Outside the chat filter.
	if err := store.AppendActivity(ctx, storage.ActivityRecord{At: base, UserID: 9, ChatID: -200, Action: "approved"}); err != nil {
		t.Fatalf("AppendActivity: %v", err)
	}

	csvBytes, n, err := rec.BuildCSV(ctx, -100, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("BuildCSV: %v", err)
	}
	if n != 3 {
		t.Fatalf("row count = %d, want 3", n)
	}
	out := string(csvBytes)
	if !strings.HasPrefix(out, "timestamp,user_id,username,first_name,last_name,chat_id,action\n") {
		t.Fatalf("missing header: %q", out)
	}
	if !strings.Contains(out, "1,user,First,Last,-100,approved") {
		t.Fatalf("missing profile columns: %q", out)
	}
	if !strings.Contains(out, "approved,2") || !strings.Contains(out, "blocked,1") {
		t.Fatalf("missing summary rows: %q", out)
	}
	if strings.Contains(out, "-200") {
		t.Fatal("chat filter leaked a foreign record")
	}
}

func TestBuildCSVSinceFilter(t *testing.T) {
	t.Parallel()
	rec, store, _ := newTestRecorder(t)
	ctx := context.Background()

	old := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	fresh := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	_ = store.AppendActivity(ctx, storage.ActivityRecord{At: old, UserID: 1, ChatID: -1, Action: "approved"})
	_ = store.AppendActivity(ctx, storage.ActivityRecord{At: fresh, UserID: 2, ChatID: -1, Action: "approved"})

	_, n, err := rec.BuildCSV(ctx, 0, fresh.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("BuildCSV: %v", err)
	}
	if n != 1 {
		t.Fatalf("rows = %d, want 1 (since filter)", n)
	}
}

func TestFileName(t *testing.T) {
	t.Parallel()
	got := FileName(time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC))
	if got != "activity-2025-06-02.csv" {
		t.Fatalf("FileName = %q", got)
	}
}
