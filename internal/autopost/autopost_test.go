package autopost

import (
	"context"
	"sync"
	"testing"
	"time"

	"gatebot/internal/registry"
	"gatebot/internal/storage"
	"gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

type fakePoster struct {
	mu    sync.Mutex
	texts []string
	photo []string
}

func (f *fakePoster) SendText(_ context.Context, _ transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return transport.MessageRef{}, nil
}

func (f *fakePoster) SendPhoto(_ context.Context, _ transport.ChatTarget, fileID, _ string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.photo = append(f.photo, fileID)
	return transport.MessageRef{}, nil
}

type fakeSched struct {
	mu      sync.Mutex
	added   map[string]time.Duration
	removed []string
}

func newFakeSched() *fakeSched { return &fakeSched{added: map[string]time.Duration{}} }

func (f *fakeSched) AddInterval(name string, every, _ time.Duration, _ func(ctx context.Context) error) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added[name] = every
	return name, nil
}

func (f *fakeSched) Remove(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
	delete(f.added, name)
	return true
}

func newTestService(t *testing.T) (*Service, storage.Store, *registry.Registry, *fakePoster, *fakeSched) {
	t.Helper()
	store, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	reg := registry.New(store, logx.Nop())
	post := &fakePoster{}
	sched := newFakeSched()
	return New(store, reg, post, sched, logx.Nop()), store, reg, post, sched
}

func TestPostNextRotatesThroughPool(t *testing.T) {
	t.Parallel()
	s, store, _, post, _ := newTestService(t)
	ctx := context.Background()

	for _, text := range []string{"first", "second", "third"} {
		if _, err := store.AppendPost(ctx, storage.PostRecord{Text: text, AddedAt: time.Now()}); err != nil {
			t.Fatalf("AppendPost: %v", err)
		}
	}

	// Four sends over a three-post pool: rotation wraps to the first post.
	for i := 0; i < 4; i++ {
		if err := s.PostNext(ctx, -100); err != nil {
			t.Fatalf("PostNext #%d: %v", i, err)
		}
	}
	want := []string{"first", "second", "third", "first"}
	if len(post.texts) != len(want) {
		t.Fatalf("sent %d posts, want %d", len(post.texts), len(want))
	}
	for i := range want {
		if post.texts[i] != want[i] {
			t.Fatalf("send #%d = %q, want %q", i, post.texts[i], want[i])
		}
	}
}

func TestPostNextPrefersPhoto(t *testing.T) {
	t.Parallel()
	s, store, _, post, _ := newTestService(t)
	ctx := context.Background()

	if _, err := store.AppendPost(ctx, storage.PostRecord{PhotoFileID: "file123", Caption: "caption", AddedAt: time.Now()}); err != nil {
		t.Fatalf("AppendPost: %v", err)
	}
	if err := s.PostNext(ctx, -100); err != nil {
		t.Fatalf("PostNext: %v", err)
	}
	if len(post.photo) != 1 || post.photo[0] != "file123" {
		t.Fatalf("photo sends = %v", post.photo)
	}
	if len(post.texts) != 0 {
		t.Fatalf("unexpected text sends: %v", post.texts)
	}
}

func TestPostNextEmptyPoolIsNoop(t *testing.T) {
	t.Parallel()
	s, _, _, post, _ := newTestService(t)
	if err := s.PostNext(context.Background(), -100); err != nil {
		t.Fatalf("PostNext on empty pool: %v", err)
	}
	if len(post.texts)+len(post.photo) != 0 {
		t.Fatal("empty pool must not send anything")
	}
}

func TestSyncReconcilesJobs(t *testing.T) {
	t.Parallel()
	s, _, reg, _, sched := newTestService(t)
	ctx := context.Background()

	reg.Add(ctx, -1, "a", "")
	reg.Add(ctx, -2, "b", "")
	reg.SetAutopost(ctx, -1, time.Hour)
	reg.SetAutopost(ctx, -2, 2*time.Hour)

	s.Sync()
	if len(sched.added) != 2 {
		t.Fatalf("added jobs = %v", sched.added)
	}
	if sched.added["autopost:-1"] != time.Hour {
		t.Fatalf("interval for -1 = %v", sched.added["autopost:-1"])
	}

	// Disabling one channel removes only its job.
	reg.SetAutopost(ctx, -2, 0)
	s.Sync()
	if _, ok := sched.added["autopost:-2"]; ok {
		t.Fatal("job for -2 should be removed")
	}
	if _, ok := sched.added["autopost:-1"]; !ok {
		t.Fatal("job for -1 should survive")
	}

	// Changing an interval re-registers the job.
	reg.SetAutopost(ctx, -1, 30*time.Minute)
	s.Sync()
	if sched.added["autopost:-1"] != 30*time.Minute {
		t.Fatalf("interval after change = %v", sched.added["autopost:-1"])
	}

	s.Stop()
	if len(sched.added) != 0 {
		t.Fatalf("jobs after Stop = %v", sched.added)
	}
}
