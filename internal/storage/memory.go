package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore keeps everything in process memory. Used as the default driver and
// by tests; nothing survives a restart.
type memStore struct {
	mu sync.Mutex

	verifications map[int64]VerificationRecord
	blocks        map[int64]struct{}
	verified      map[[2]int64]VerifiedChatRecord // userID, chatID
	channels      map[int64]ChannelRecord
	posts         []PostRecord
	nextPostID    int64
	cursors       map[string]int64
	activity      []ActivityRecord
}

func newMemStore() *memStore {
	return &memStore{
		verifications: map[int64]VerificationRecord{},
		blocks:        map[int64]struct{}{},
		verified:      map[[2]int64]VerifiedChatRecord{},
		channels:      map[int64]ChannelRecord{},
		cursors:       map[string]int64{},
		nextPostID:    1,
	}
}

func (s *memStore) Close() error { return nil }

func (s *memStore) PutVerification(_ context.Context, r VerificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifications[r.UserID] = r
	return nil
}

func (s *memStore) DeleteVerification(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.verifications, userID)
	return nil
}

func (s *memStore) ListVerifications(_ context.Context) ([]VerificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]VerificationRecord, 0, len(s.verifications))
	for _, r := range s.verifications {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}

func (s *memStore) PutBlock(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[userID] = struct{}{}
	return nil
}

func (s *memStore) DeleteBlock(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, userID)
	return nil
}

func (s *memStore) ListBlocks(_ context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.blocks))
	for id := range s.blocks {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *memStore) PutVerifiedChat(_ context.Context, r VerifiedChatRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verified[[2]int64{r.UserID, r.ChatID}] = r
	return nil
}

func (s *memStore) ListVerifiedChats(_ context.Context) ([]VerifiedChatRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]VerifiedChatRecord, 0, len(s.verified))
	for _, r := range s.verified {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].ChatID < out[j].ChatID
	})
	return out, nil
}

func (s *memStore) PutChannel(_ context.Context, r ChannelRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[r.ChatID] = r
	return nil
}

func (s *memStore) DeleteChannel(_ context.Context, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, chatID)
	return nil
}

func (s *memStore) ListChannels(_ context.Context) ([]ChannelRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChannelRecord, 0, len(s.channels))
	for _, r := range s.channels {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

func (s *memStore) AppendPost(_ context.Context, r PostRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.nextPostID
	s.nextPostID++
	s.posts = append(s.posts, r)
	return r.ID, nil
}

func (s *memStore) DeletePost(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.posts {
		if p.ID == id {
			s.posts = append(s.posts[:i], s.posts[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *memStore) ListPosts(_ context.Context) ([]PostRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PostRecord, len(s.posts))
	copy(out, s.posts)
	return out, nil
}

func (s *memStore) PutCursor(_ context.Context, key string, v int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[key] = v
	return nil
}

func (s *memStore) GetCursor(_ context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cursors[key]
	return v, ok, nil
}

func (s *memStore) AppendActivity(_ context.Context, r ActivityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.activity = append(s.activity, r)
	return nil
}

func (s *memStore) ListActivity(_ context.Context, chatID int64, since time.Time) ([]ActivityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ActivityRecord, 0, len(s.activity))
	for _, r := range s.activity {
		if chatID != 0 && r.ChatID != chatID {
			continue
		}
		if !since.IsZero() && r.At.Before(since) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
