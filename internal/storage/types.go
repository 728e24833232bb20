package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "memory": in-process maps, nothing survives a restart
//   - "file": dependency-free file backend (snapshot + journal)
//   - "sqlite": SQLite database file
//
// If Driver is empty, "memory" is used.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// VerificationRecord is the persisted form of a pending join verification.
type VerificationRecord struct {
	UserID    int64     `json:"user_id"`
	ChatID    int64     `json:"chat_id"`
	ChatName  string    `json:"chat_name"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	Username  string    `json:"username,omitempty"`
	Code      string    `json:"code"`
	IssuedAt  time.Time `json:"issued_at"`
	Attempts  int       `json:"attempts"`
}

// VerifiedChatRecord marks one chat a user has passed verification for.
type VerifiedChatRecord struct {
	UserID int64     `json:"user_id"`
	ChatID int64     `json:"chat_id"`
	At     time.Time `json:"at"`
}

// ChannelRecord is a managed channel/group together with its moderation knobs.
type ChannelRecord struct {
	ChatID        int64         `json:"chat_id"`
	Title         string        `json:"title"`
	Username      string        `json:"username,omitempty"`
	BulkApprove   bool          `json:"bulk_approve"`
	AutopostEvery time.Duration `json:"autopost_every"` // 0 means autopost disabled
	AddedAt       time.Time     `json:"added_at"`
}

// PostRecord is one entry of the autopost rotation pool.
// Either Text or PhotoFileID is set.
type PostRecord struct {
	ID          int64     `json:"id"`
	Text        string    `json:"text,omitempty"`
	PhotoFileID string    `json:"photo_file_id,omitempty"`
	Caption     string    `json:"caption,omitempty"`
	AddedAt     time.Time `json:"added_at"`
}

// ActivityRecord is one line of the member activity log feeding reports.
// Profile fields are captured as reported at event time and may be empty for
// actions without a profile (bulk file imports, operator blocks).
type ActivityRecord struct {
	At        time.Time `json:"at"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	ChatID    int64     `json:"chat_id"`
	Action    string    `json:"action"`
}
