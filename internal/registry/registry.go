// Package registry tracks the channels and groups the bot moderates.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"gatebot/internal/storage"
	logx "gatebot/pkg/logx"
)

// Channel is a managed chat together with its moderation knobs.
type Channel = storage.ChannelRecord

// Store is the persistence slice the registry needs; storage.Store satisfies it.
type Store interface {
	PutChannel(ctx context.Context, r storage.ChannelRecord) error
	DeleteChannel(ctx context.Context, chatID int64) error
	ListChannels(ctx context.Context) ([]storage.ChannelRecord, error)
}

// Registry keeps the channel set in memory with best-effort write-through.
type Registry struct {
	store Store
	log   logx.Logger

	mu       sync.Mutex
	channels map[int64]Channel
}

func New(store Store, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{store: store, log: log, channels: map[int64]Channel{}}
}

// Load restores the channel set from the store.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	chans, err := r.store.ListChannels(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	for _, c := range chans {
		r.channels[c.ChatID] = c
	}
	n := len(r.channels)
	r.mu.Unlock()
	r.log.Info("channel registry loaded", logx.Int("channels", n))
	return nil
}

func (r *Registry) persist(ctx context.Context, c Channel) {
	if r.store == nil {
		return
	}
	if err := r.store.PutChannel(ctx, c); err != nil {
		r.log.Warn("persist channel failed", logx.Int64("chat_id", c.ChatID), logx.Err(err))
	}
}

// Add registers or updates a channel. Existing knobs survive a re-add.
func (r *Registry) Add(ctx context.Context, chatID int64, title, username string) Channel {
	r.mu.Lock()
	c, ok := r.channels[chatID]
	if !ok {
		c = Channel{ChatID: chatID, AddedAt: time.Now()}
	}
	c.Title = title
	c.Username = username
	r.channels[chatID] = c
	r.mu.Unlock()

	r.persist(ctx, c)
	r.log.Info("channel registered", logx.Int64("chat_id", chatID), logx.String("title", title))
	return c
}

// Remove unregisters a channel. It reports false when the channel was unknown.
func (r *Registry) Remove(ctx context.Context, chatID int64) bool {
	r.mu.Lock()
	_, ok := r.channels[chatID]
	delete(r.channels, chatID)
	r.mu.Unlock()
	if !ok {
		return false
	}
	if r.store != nil {
		if err := r.store.DeleteChannel(ctx, chatID); err != nil {
			r.log.Warn("delete channel failed", logx.Int64("chat_id", chatID), logx.Err(err))
		}
	}
	r.log.Info("channel removed", logx.Int64("chat_id", chatID))
	return true
}

func (r *Registry) Get(chatID int64) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[chatID]
	return c, ok
}

// List returns all managed channels ordered by chat id.
func (r *Registry) List() []Channel {
	r.mu.Lock()
	out := make([]Channel, 0, len(r.channels))
	for _, c := range r.channels {
		out = append(out, c)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out
}

// BulkApprove reports whether the chat is in bulk-approval mode.
// Unknown chats are never in bulk mode.
func (r *Registry) BulkApprove(chatID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channels[chatID].BulkApprove
}

// ToggleBulk flips bulk-approval mode and returns the new value.
func (r *Registry) ToggleBulk(ctx context.Context, chatID int64) (bool, bool) {
	r.mu.Lock()
	c, ok := r.channels[chatID]
	if !ok {
		r.mu.Unlock()
		return false, false
	}
	c.BulkApprove = !c.BulkApprove
	r.channels[chatID] = c
	r.mu.Unlock()

	r.persist(ctx, c)
	r.log.Info("bulk approval toggled", logx.Int64("chat_id", chatID), logx.Bool("enabled", c.BulkApprove))
	return c.BulkApprove, true
}

// SetAutopost sets the autopost interval; 0 disables autoposting.
// It reports false when the channel is unknown.
func (r *Registry) SetAutopost(ctx context.Context, chatID int64, every time.Duration) bool {
	r.mu.Lock()
	c, ok := r.channels[chatID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	c.AutopostEvery = every
	r.channels[chatID] = c
	r.mu.Unlock()

	r.persist(ctx, c)
	return true
}
