package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "gatebot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.activity.jsonl       (append-only JSON Lines)
//   - <prefix>.state.snapshot.json  (periodic snapshot of moderation state)
//   - <prefix>.state.journal.jsonl  (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	activityPath string
	activityFile *os.File

	snapshotPath string
	journalFile  *os.File
	writes       int

	verifications map[int64]VerificationRecord
	blocks        map[int64]struct{}
	verified      map[[2]int64]VerifiedChatRecord
	channels      map[int64]ChannelRecord
	posts         []PostRecord
	nextPostID    int64
	cursors       map[string]int64
}

type fileState struct {
	Verifications []VerificationRecord `json:"verifications"`
	Blocks        []int64              `json:"blocks"`
	Verified      []VerifiedChatRecord `json:"verified_chats,omitempty"`
	Channels      []ChannelRecord      `json:"channels"`
	Posts         []PostRecord         `json:"posts"`
	NextPostID    int64                `json:"next_post_id"`
	Cursors       map[string]int64     `json:"cursors"`
}

type journalRecord struct {
	Op           string              `json:"op"`
	Verification *VerificationRecord `json:"verification,omitempty"`
	Verified     *VerifiedChatRecord `json:"verified,omitempty"`
	Channel      *ChannelRecord      `json:"channel,omitempty"`
	Post         *PostRecord         `json:"post,omitempty"`
	UserID       int64               `json:"user_id,omitempty"`
	ChatID       int64               `json:"chat_id,omitempty"`
	PostID       int64               `json:"post_id,omitempty"`
	Key          string              `json:"key,omitempty"`
	Value        int64               `json:"value,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	activityPath := prefix + ".activity.jsonl"
	snapPath := prefix + ".state.snapshot.json"
	journalPath := prefix + ".state.journal.jsonl"

	af, err := os.OpenFile(activityPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	s := &fileStore{
		log:           log,
		activityPath:  activityPath,
		activityFile:  af,
		snapshotPath:  snapPath,
		verifications: map[int64]VerificationRecord{},
		blocks:        map[int64]struct{}{},
		verified:      map[[2]int64]VerifiedChatRecord{},
		channels:      map[int64]ChannelRecord{},
		cursors:       map[string]int64{},
		nextPostID:    1,
	}

	// Load state from snapshot + journal.
	_ = s.loadSnapshot(snapPath)
	_ = s.replayJournal(journalPath)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}
	s.journalFile = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.activityFile != nil {
		err1 = s.activityFile.Close()
		s.activityFile = nil
	}
	if s.journalFile != nil {
		err2 = s.journalFile.Close()
		s.journalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) loadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var st fileState
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	for _, v := range st.Verifications {
		s.verifications[v.UserID] = v
	}
	for _, id := range st.Blocks {
		s.blocks[id] = struct{}{}
	}
	for _, r := range st.Verified {
		s.verified[[2]int64{r.UserID, r.ChatID}] = r
	}
	for _, c := range st.Channels {
		s.channels[c.ChatID] = c
	}
	s.posts = append(s.posts, st.Posts...)
	if st.NextPostID > s.nextPostID {
		s.nextPostID = st.NextPostID
	}
	for k, v := range st.Cursors {
		s.cursors[k] = v
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		s.applyLocked(r)
	}
	return sc.Err()
}

func (s *fileStore) applyLocked(r journalRecord) {
	switch r.Op {
	case "put_verification":
		if r.Verification != nil {
			s.verifications[r.Verification.UserID] = *r.Verification
		}
	case "del_verification":
		delete(s.verifications, r.UserID)
	case "put_block":
		s.blocks[r.UserID] = struct{}{}
	case "del_block":
		delete(s.blocks, r.UserID)
	case "put_verified":
		if r.Verified != nil {
			s.verified[[2]int64{r.Verified.UserID, r.Verified.ChatID}] = *r.Verified
		}
	case "put_channel":
		if r.Channel != nil {
			s.channels[r.Channel.ChatID] = *r.Channel
		}
	case "del_channel":
		delete(s.channels, r.ChatID)
	case "append_post":
		if r.Post != nil {
			s.posts = append(s.posts, *r.Post)
			if r.Post.ID >= s.nextPostID {
				s.nextPostID = r.Post.ID + 1
			}
		}
	case "del_post":
		for i, p := range s.posts {
			if p.ID == r.PostID {
				s.posts = append(s.posts[:i], s.posts[i+1:]...)
				break
			}
		}
	case "put_cursor":
		s.cursors[r.Key] = r.Value
	}
}

// journalLocked applies the record to memory and appends it to the journal.
func (s *fileStore) journalLocked(r journalRecord) error {
	if s.journalFile == nil {
		return errors.New("journal closed")
	}
	s.applyLocked(r)
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%500 == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("state compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	st := fileState{
		Verifications: make([]VerificationRecord, 0, len(s.verifications)),
		Blocks:        make([]int64, 0, len(s.blocks)),
		Channels:      make([]ChannelRecord, 0, len(s.channels)),
		Posts:         append([]PostRecord(nil), s.posts...),
		NextPostID:    s.nextPostID,
		Cursors:       s.cursors,
	}
	for _, v := range s.verifications {
		st.Verifications = append(st.Verifications, v)
	}
	for id := range s.blocks {
		st.Blocks = append(st.Blocks, id)
	}
	for _, r := range s.verified {
		st.Verified = append(st.Verified, r)
	}
	for _, c := range s.channels {
		st.Channels = append(st.Channels, c)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(st); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func (s *fileStore) PutVerification(_ context.Context, r VerificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.journalLocked(journalRecord{Op: "put_verification", Verification: &r})
}

func (s *fileStore) DeleteVerification(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.journalLocked(journalRecord{Op: "del_verification", UserID: userID})
}

func (s *fileStore) ListVerifications(_ context.Context) ([]VerificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]VerificationRecord, 0, len(s.verifications))
	for _, r := range s.verifications {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}

func (s *fileStore) PutBlock(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.journalLocked(journalRecord{Op: "put_block", UserID: userID})
}

func (s *fileStore) DeleteBlock(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.journalLocked(journalRecord{Op: "del_block", UserID: userID})
}

func (s *fileStore) ListBlocks(_ context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.blocks))
	for id := range s.blocks {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *fileStore) PutVerifiedChat(_ context.Context, r VerifiedChatRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.journalLocked(journalRecord{Op: "put_verified", Verified: &r})
}

func (s *fileStore) ListVerifiedChats(_ context.Context) ([]VerifiedChatRecord, error) {
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

func (s *fileStore) PutChannel(_ context.Context, r ChannelRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.journalLocked(journalRecord{Op: "put_channel", Channel: &r})
}

func (s *fileStore) DeleteChannel(_ context.Context, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.journalLocked(journalRecord{Op: "del_channel", ChatID: chatID})
}

func (s *fileStore) ListChannels(_ context.Context) ([]ChannelRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChannelRecord, 0, len(s.channels))
	for _, r := range s.channels {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

func (s *fileStore) AppendPost(_ context.Context, r PostRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.nextPostID
	if err := s.journalLocked(journalRecord{Op: "append_post", Post: &r}); err != nil {
		return 0, err
	}
	return r.ID, nil
}

func (s *fileStore) DeletePost(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.journalLocked(journalRecord{Op: "del_post", PostID: id})
}

func (s *fileStore) ListPosts(_ context.Context) ([]PostRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PostRecord, len(s.posts))
	copy(out, s.posts)
	return out, nil
}

func (s *fileStore) PutCursor(_ context.Context, key string, v int64) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.journalLocked(journalRecord{Op: "put_cursor", Key: key, Value: v})
}

func (s *fileStore) GetCursor(_ context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cursors[strings.TrimSpace(key)]
	return v, ok, nil
}

func (s *fileStore) AppendActivity(_ context.Context, r ActivityRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activityFile == nil {
		return errors.New("activity file closed")
	}
	return json.NewEncoder(s.activityFile).Encode(r)
}

func (s *fileStore) ListActivity(_ context.Context, chatID int64, since time.Time) ([]ActivityRecord, error) {
	s.mu.Lock()
	path := s.activityPath
	s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []ActivityRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r ActivityRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if chatID != 0 && r.ChatID != chatID {
			continue
		}
		if !since.IsZero() && r.At.Before(since) {
			continue
		}
		out = append(out, r)
	}
	return out, sc.Err()
}
