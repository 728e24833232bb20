package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	fails int // fail the first N sends
}

func (f *fakeSender) SendText(_ context.Context, _ transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return transport.MessageRef{}, errors.New("send failed")
	}
	f.sent = append(f.sent, text)
	return transport.MessageRef{ChatID: 1, MessageID: len(f.sent)}, nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func note(text string) transport.Notification {
	return transport.Notification{
		Channel: "telegram",
		Target:  transport.ChatTarget{ChatID: 42},
		Text:    text,
	}
}

func TestNotifierDeliversAndDedups(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	s := New(Config{
		Enabled:     true,
		Workers:     1,
		RatePerSec:  1000,
		DedupWindow: time.Minute,
	}, snd, logx.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	if err := s.Notify(ctx, note("disk almost full")); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	// Identical payload inside the dedup window must be suppressed, not queued.
	if err := s.Notify(ctx, note("disk almost full")); err != nil {
		t.Fatalf("Notify (dup): %v", err)
	}
	if err := s.Notify(ctx, note("different message")); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	waitFor(t, func() bool { return len(snd.texts()) == 2 })
	if got := snd.texts(); got[0] != "disk almost full" || got[1] != "different message" {
		t.Fatalf("sent = %q", got)
	}
	if len(s.Snapshot()) != 2 {
		t.Fatalf("history len = %d, want 2", len(s.Snapshot()))
	}
}

func TestNotifierRetriesTransientFailure(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{fails: 2}
	s := New(Config{
		Enabled:    true,
		Workers:    1,
		RatePerSec: 1000,
		RetryMax:   3,
		RetryBase:  time.Millisecond,
	}, snd, logx.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	if err := s.Notify(ctx, note("flaky")); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, func() bool { return len(snd.texts()) == 1 })
}

func TestNotifierDisabled(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false}, &fakeSender{}, logx.Nop(), nil)
	if err := s.Notify(context.Background(), note("x")); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestNotifierStoppedRejectsIntake(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Workers: 1, RatePerSec: 1000}, &fakeSender{}, logx.Nop(), nil)
	s.Start(context.Background())
	s.Stop(context.Background())
	if err := s.Notify(context.Background(), note("late")); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestPriorityPrefix(t *testing.T) {
	t.Parallel()
	tests := []struct {
		priority int
		want     string
	}{
		{0, ""},
		{4, ""},
		{5, "ℹ️ "},
		{7, "⚠️ "},
		{9, "🚨 "},
	}
	for _, tt := range tests {
		if got := prefixForPriority(tt.priority); got != tt.want {
			t.Fatalf("prefixForPriority(%d) = %q, want %q", tt.priority, got, tt.want)
		}
	}
}

func TestRetryDelayBounded(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(cfg, attempt)
		if d < 0 || d > time.Second {
			t.Fatalf("retryDelay(attempt=%d) = %v out of bounds", attempt, d)
		}
	}
}
