package verify

import (
	"context"
	"time"

	"gatebot/internal/storage"
)

// Verification is a pending join request awaiting a code.
// The record is keyed by user id: one pending verification per user.
// Profile fields are captured from the join request for operator listings
// and the activity log.
type Verification struct {
	UserID      int64
	ChatID      int64
	ChatName    string
	FirstName   string
	LastName    string
	Username    string
	Code        string
	IssuedAt    time.Time
	Attempts    int
	MaxAttempts int
}

func (v Verification) record() storage.VerificationRecord {
	return storage.VerificationRecord{
		UserID:    v.UserID,
		ChatID:    v.ChatID,
		ChatName:  v.ChatName,
		FirstName: v.FirstName,
		LastName:  v.LastName,
		Username:  v.Username,
		Code:      v.Code,
		IssuedAt:  v.IssuedAt,
		Attempts:  v.Attempts,
	}
}

// Outcome describes what a verification operation did.
type Outcome string

const (
	OutcomeNone         Outcome = "none"
	OutcomePending      Outcome = "pending"
	OutcomeApproved     Outcome = "approved"
	OutcomeBulkApproved Outcome = "bulk_approved"
	OutcomeRejected     Outcome = "rejected"
	OutcomeExpired      Outcome = "expired"
	OutcomeBlocked      Outcome = "blocked"
	OutcomeWrongCode    Outcome = "wrong_code"
)

// JoinResult is the outcome of handling one join request.
type JoinResult struct {
	Outcome      Outcome
	Verification Verification // set when Outcome is OutcomePending
	Reason       string       // set when Outcome is OutcomeRejected
}

// SubmitResult is the outcome of one code submission.
type SubmitResult struct {
	Outcome      Outcome
	Verification Verification
	Remaining    int // attempts left, set when Outcome is OutcomeWrongCode
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Pending       int    `json:"pending"`
	Blocked       int    `json:"blocked"`
	VerifiedUsers int    `json:"verified_users"`
	Approved      uint64 `json:"approved"`
	BulkApproved  uint64 `json:"bulk_approved"`
	Rejected      uint64 `json:"rejected"`
	Expired       uint64 `json:"expired"`
	BlockedTotal  uint64 `json:"blocked_total"`
}

// Config tunes the verification flow.
type Config struct {
	CodeTTL     time.Duration
	MaxAttempts int
}

func (c Config) normalized() Config {
	if c.CodeTTL <= 0 {
		c.CodeTTL = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

// Gate is the platform surface the verification flow drives.
type Gate interface {
	ApproveJoinRequest(ctx context.Context, chatID, userID int64) error
	DeclineJoinRequest(ctx context.Context, chatID, userID int64) error
}

// Store is the persistence slice the service needs; storage.Store satisfies it.
type Store interface {
	PutVerification(ctx context.Context, r storage.VerificationRecord) error
	DeleteVerification(ctx context.Context, userID int64) error
	ListVerifications(ctx context.Context) ([]storage.VerificationRecord, error)
	PutBlock(ctx context.Context, userID int64) error
	DeleteBlock(ctx context.Context, userID int64) error
	ListBlocks(ctx context.Context) ([]int64, error)
	PutVerifiedChat(ctx context.Context, r storage.VerifiedChatRecord) error
	ListVerifiedChats(ctx context.Context) ([]storage.VerifiedChatRecord, error)
}

// Event is published on the bus for every state transition, feeding the
// activity recorder and operator notifications.
type Event struct {
	Action    string
	UserID    int64
	ChatID    int64
	ChatName  string
	FirstName string
	LastName  string
	Username  string
	Reason    string
}

// EventType is the bus event type for verification transitions.
const EventType = "verify"

// Event actions.
const (
	ActionPending      = "pending"
	ActionApproved     = "approved"
	ActionBulkApproved = "bulk_approved"
	ActionRejected     = "rejected"
	ActionExpired      = "expired"
	ActionBlocked      = "blocked"
	ActionUnblocked    = "unblocked"
	ActionResend       = "resend"
)
