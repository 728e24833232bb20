package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "gatebot/pkg/logx"
)

// Store is the persistence API used by the verification service and the
// operator surface. All writes are best-effort from the caller's point of
// view: in-memory state stays authoritative and is reloaded on start.
type Store interface {
	PutVerification(ctx context.Context, r VerificationRecord) error
	DeleteVerification(ctx context.Context, userID int64) error
	ListVerifications(ctx context.Context) ([]VerificationRecord, error)

	PutBlock(ctx context.Context, userID int64) error
	DeleteBlock(ctx context.Context, userID int64) error
	ListBlocks(ctx context.Context) ([]int64, error)

	PutVerifiedChat(ctx context.Context, r VerifiedChatRecord) error
	ListVerifiedChats(ctx context.Context) ([]VerifiedChatRecord, error)

	PutChannel(ctx context.Context, r ChannelRecord) error
	DeleteChannel(ctx context.Context, chatID int64) error
	ListChannels(ctx context.Context) ([]ChannelRecord, error)

	AppendPost(ctx context.Context, r PostRecord) (int64, error)
	DeletePost(ctx context.Context, id int64) error
	ListPosts(ctx context.Context) ([]PostRecord, error)

	PutCursor(ctx context.Context, key string, v int64) error
	GetCursor(ctx context.Context, key string) (int64, bool, error)

	AppendActivity(ctx context.Context, r ActivityRecord) error
	ListActivity(ctx context.Context, chatID int64, since time.Time) ([]ActivityRecord, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory":
		return newMemStore(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
