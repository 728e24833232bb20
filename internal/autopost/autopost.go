// Package autopost rotates a shared pool of prepared posts through the
// managed channels on per-channel intervals.
package autopost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gatebot/internal/registry"
	"gatebot/internal/storage"
	"gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

// Poster is the delivery slice autopost needs; transport.Adapter satisfies it.
type Poster interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
	SendPhoto(ctx context.Context, to transport.ChatTarget, fileID, caption string, opt *transport.SendOptions) (transport.MessageRef, error)
}

// Scheduler is the job registration slice autopost needs.
type Scheduler interface {
	AddInterval(name string, every, timeout time.Duration, job func(ctx context.Context) error) (string, error)
	Remove(name string) bool
}

// Store is the persistence slice autopost needs; storage.Store satisfies it.
type Store interface {
	ListPosts(ctx context.Context) ([]storage.PostRecord, error)
	PutCursor(ctx context.Context, key string, v int64) error
	GetCursor(ctx context.Context, key string) (int64, bool, error)
}

// Service wires the post pool to the scheduler. Each channel with a
// non-zero autopost interval gets its own named interval job; Sync keeps
// the job set in step with the registry after config or command changes.
type Service struct {
	store Store
	reg   *registry.Registry
	post  Poster
	sched Scheduler
	log   logx.Logger

	mu     sync.Mutex
	active map[int64]time.Duration // chatID -> registered interval
}

func New(store Store, reg *registry.Registry, post Poster, sched Scheduler, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:  store,
		reg:    reg,
		post:   post,
		sched:  sched,
		log:    log,
		active: map[int64]time.Duration{},
	}
}

func jobName(chatID int64) string { return fmt.Sprintf("autopost:%d", chatID) }

// Sync reconciles scheduler jobs with the registry: channels that gained an
// interval get a job, channels that lost one (or left the registry) lose it.
func (s *Service) Sync() {
	want := map[int64]time.Duration{}
	for _, c := range s.reg.List() {
		if c.AutopostEvery > 0 {
			want[c.ChatID] = c.AutopostEvery
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for chatID, every := range s.active {
		if w, ok := want[chatID]; !ok || w != every {
			s.sched.Remove(jobName(chatID))
			delete(s.active, chatID)
		}
	}
	for chatID, every := range want {
		if _, ok := s.active[chatID]; ok {
			continue
		}
		chatID := chatID
		_, err := s.sched.AddInterval(jobName(chatID), every, 30*time.Second, func(ctx context.Context) error {
			return s.PostNext(ctx, chatID)
		})
		if err != nil {
			s.log.Warn("autopost schedule failed", logx.Int64("chat_id", chatID), logx.Err(err))
			continue
		}
		s.active[chatID] = every
		s.log.Info("autopost scheduled", logx.Int64("chat_id", chatID), logx.Duration("every", every))
	}
}

// Stop removes all registered jobs.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for chatID := range s.active {
		s.sched.Remove(jobName(chatID))
		delete(s.active, chatID)
	}
}

// PostNext sends the next post from the pool to the channel and advances its
// cursor. An empty pool is not an error; the tick is simply a no-op.
func (s *Service) PostNext(ctx context.Context, chatID int64) error {
	posts, err := s.store.ListPosts(ctx)
	if err != nil {
		return fmt.Errorf("list posts: %w", err)
	}
	if len(posts) == 0 {
		return nil
	}

	key := jobName(chatID)
	lastID, _, err := s.store.GetCursor(ctx, key)
	if err != nil {
		s.log.Warn("autopost cursor read failed", logx.Int64("chat_id", chatID), logx.Err(err))
		lastID = 0
	}

	// Posts are ordered by id; pick the first one after the cursor, wrapping
	// to the start of the pool when the cursor is at (or past) the end.
	next := posts[0]
	for _, p := range posts {
		if p.ID > lastID {
			next = p
			break
		}
	}

	target := transport.ChatTarget{ChatID: chatID}
	if next.PhotoFileID != "" {
		_, err = s.post.SendPhoto(ctx, target, next.PhotoFileID, next.Caption, nil)
	} else {
		_, err = s.post.SendText(ctx, target, next.Text, &transport.SendOptions{DisablePreview: true})
	}
	if err != nil {
		return fmt.Errorf("send post %d to %d: %w", next.ID, chatID, err)
	}

	if err := s.store.PutCursor(ctx, key, next.ID); err != nil {
		s.log.Warn("autopost cursor write failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
	s.log.Debug("autopost sent", logx.Int64("chat_id", chatID), logx.Int64("post_id", next.ID))
	return nil
}
