package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"gatebot/internal/eventbus"
	logx "gatebot/pkg/logx"
)

func TestSchedulerRunsIntervalJob(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	var runs atomic.Int32
	if _, err := s.AddInterval("tick", 50*time.Millisecond, 0, func(context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("AddInterval: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if runs.Load() == 0 {
		t.Fatal("interval job never ran")
	}
	if snap := s.Snapshot(); len(snap.Schedules) != 1 || snap.Schedules[0].Name != "tick" {
		t.Fatalf("Snapshot schedules = %+v", snap.Schedules)
	}
}

func TestSchedulerUpsertByName(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if _, err := s.AddInterval("job", time.Hour, 0, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("AddInterval: %v", err)
	}
	if _, err := s.AddInterval("job", 2*time.Hour, 0, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("AddInterval (upsert): %v", err)
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 {
		t.Fatalf("schedules = %d, want 1 after upsert", len(snap.Schedules))
	}
	if snap.Schedules[0].Spec != "@every 2h0m0s" {
		t.Fatalf("spec = %q", snap.Schedules[0].Spec)
	}

	if !s.Remove("job") {
		t.Fatal("Remove returned false for known schedule")
	}
	if s.Remove("job") {
		t.Fatal("Remove returned true for unknown schedule")
	}
}

func TestSchedulerRetriesFailedTask(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Workers: 1, RetryMax: 2}, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	var calls atomic.Int32
	opt := TaskOptions{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}
	if _, err := s.AddIntervalOpt("flaky", 20*time.Millisecond, 0, opt, func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}); err != nil {
		t.Fatalf("AddIntervalOpt: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if calls.Load() < 3 {
		t.Fatalf("calls = %d, want retries to reach 3", calls.Load())
	}
}

func TestSchedulerPublishesTaskEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	s := New(Config{Enabled: true, Workers: 1}, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if _, err := s.AddInterval("beat", 30*time.Millisecond, 0, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("AddInterval: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type != "task.finished" {
				continue
			}
			te, ok := ev.Data.(TaskEvent)
			if !ok || te.Name != "beat" {
				t.Fatalf("event data = %+v", ev.Data)
			}
			return
		case <-deadline:
			t.Fatal("no task.finished event on the bus")
		}
	}
}

func TestAddWeeklySpec(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if _, err := s.AddWeekly("weekly", time.Monday, "09:00", 0, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("AddWeekly: %v", err)
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "0 9 * * 1" {
		t.Fatalf("Schedules = %+v", snap.Schedules)
	}
}
