// Package report records verification activity and builds CSV summaries
// for operators.
package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"gatebot/internal/eventbus"
	"gatebot/internal/storage"
	"gatebot/internal/verify"
	logx "gatebot/pkg/logx"
)

// Config controls the recorder and the weekly digest.
type Config struct {
	Enabled    bool
	WeeklyCron string        // default "0 9 * * 1" (Monday 09:00)
	Window     time.Duration // default one week
}

func (c Config) normalized() Config {
	if c.WeeklyCron == "" {
		c.WeeklyCron = "0 9 * * 1"
	}
	if c.Window <= 0 {
		c.Window = 7 * 24 * time.Hour
	}
	return c
}

// Store is the persistence slice the recorder needs; storage.Store satisfies it.
type Store interface {
	AppendActivity(ctx context.Context, r storage.ActivityRecord) error
	ListActivity(ctx context.Context, chatID int64, since time.Time) ([]storage.ActivityRecord, error)
}

// Recorder subscribes to verification events and appends them to the
// activity log. It owns one goroutine between Start and Stop.
type Recorder struct {
	cfg   Config
	store Store
	log   logx.Logger
	bus   *eventbus.Bus

	mu     sync.Mutex
	unsub  func()
	doneCh chan struct{}

	now func() time.Time
}

func NewRecorder(cfg Config, store Store, bus *eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{
		cfg:   cfg.normalized(),
		store: store,
		log:   log,
		bus:   bus,
		now:   time.Now,
	}
}

func (r *Recorder) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.cfg.Enabled || r.bus == nil || r.doneCh != nil {
		return
	}
	ch, unsub := r.bus.Subscribe(64)
	r.unsub = unsub
	done := make(chan struct{})
	r.doneCh = done

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if ev.Type != verify.EventType {
					continue
				}
				ve, ok := ev.Data.(verify.Event)
				if !ok {
					continue
				}
				rec := storage.ActivityRecord{
					At:        ev.Time,
					UserID:    ve.UserID,
					Username:  ve.Username,
					FirstName: ve.FirstName,
					LastName:  ve.LastName,
					ChatID:    ve.ChatID,
					Action:    ve.Action,
				}
				if err := r.store.AppendActivity(ctx, rec); err != nil {
					r.log.Warn("activity append failed", logx.String("action", ve.Action), logx.Err(err))
				}
			}
		}
	}()
}

func (r *Recorder) Stop() {
	r.mu.Lock()
	unsub := r.unsub
	done := r.doneCh
	r.unsub = nil
	r.doneCh = nil
	r.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if done != nil {
		<-done
	}
}

// Window returns the configured report window.
func (r *Recorder) Window() time.Duration { return r.cfg.Window }

// WeeklyCron returns the configured weekly digest schedule.
func (r *Recorder) WeeklyCron() string { return r.cfg.WeeklyCron }

// BuildCSV renders the activity for chatID (0 = all chats) since the given
// time as a CSV document with a trailing per-action summary block.
func (r *Recorder) BuildCSV(ctx context.Context, chatID int64, since time.Time) ([]byte, int, error) {
	recs, err := r.store.ListActivity(ctx, chatID, since)
	if err != nil {
		return nil, 0, fmt.Errorf("list activity: %w", err)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"timestamp", "user_id", "username", "first_name", "last_name", "chat_id", "action"})

	counts := map[string]int{}
	for _, rec := range recs {
		counts[rec.Action]++
		_ = w.Write([]string{
			rec.At.UTC().Format(time.RFC3339),
			strconv.FormatInt(rec.UserID, 10),
			rec.Username,
			rec.FirstName,
			rec.LastName,
			strconv.FormatInt(rec.ChatID, 10),
			rec.Action,
		})
	}

	// Summary block: one row per action, sorted for stable output.
	_ = w.Write([]string{})
	_ = w.Write([]string{"action", "count", "", "", "", "", ""})
	actions := make([]string, 0, len(counts))
	for a := range counts {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	for _, a := range actions {
		_ = w.Write([]string{a, strconv.Itoa(counts[a]), "", "", "", "", ""})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), len(recs), nil
}

// FileName returns the digest file name for a report generated at t.
func FileName(t time.Time) string {
	return fmt.Sprintf("activity-%s.csv", t.UTC().Format("2006-01-02"))
}
