package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "gatebot/pkg/logx"
)

func TestOpenDefaultsToMemory(t *testing.T) {
	t.Parallel()

	s, err := Open(Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if _, err := s.ListVerifications(context.Background()); err != nil {
		t.Fatalf("list: %v", err)
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	t.Parallel()
	roundTrip(t, newMemStore())
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()

	s, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	roundTrip(t, s)
}

func roundTrip(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	defer s.Close()

	now := time.Now().Truncate(time.Second)

	if err := s.PutVerification(ctx, VerificationRecord{UserID: 7, ChatID: -100, ChatName: "c", Code: "ABC123", IssuedAt: now, Attempts: 1}); err != nil {
		t.Fatalf("put verification: %v", err)
	}
	vers, err := s.ListVerifications(ctx)
	if err != nil || len(vers) != 1 || vers[0].Code != "ABC123" {
		t.Fatalf("verifications = %v (%v)", vers, err)
	}
	if err := s.DeleteVerification(ctx, 7); err != nil {
		t.Fatalf("delete verification: %v", err)
	}
	if vers, _ = s.ListVerifications(ctx); len(vers) != 0 {
		t.Fatalf("verifications after delete = %v", vers)
	}

	if err := s.PutBlock(ctx, 9); err != nil {
		t.Fatalf("put block: %v", err)
	}
	if blocks, _ := s.ListBlocks(ctx); len(blocks) != 1 || blocks[0] != 9 {
		t.Fatalf("blocks = %v", blocks)
	}
	_ = s.DeleteBlock(ctx, 9)

	if err := s.PutVerifiedChat(ctx, VerifiedChatRecord{UserID: 7, ChatID: -100, At: now}); err != nil {
		t.Fatalf("put verified chat: %v", err)
	}
	// Re-verifying the same pair must not duplicate it.
	_ = s.PutVerifiedChat(ctx, VerifiedChatRecord{UserID: 7, ChatID: -100, At: now})
	_ = s.PutVerifiedChat(ctx, VerifiedChatRecord{UserID: 7, ChatID: -200, At: now})
	verified, err := s.ListVerifiedChats(ctx)
	if err != nil || len(verified) != 2 {
		t.Fatalf("verified chats = %v (%v)", verified, err)
	}
	if verified[0].ChatID != -200 || verified[1].ChatID != -100 {
		t.Fatalf("verified chats order = %v", verified)
	}

	if err := s.PutChannel(ctx, ChannelRecord{ChatID: -100, Title: "Chan", BulkApprove: true, AddedAt: now}); err != nil {
		t.Fatalf("put channel: %v", err)
	}
	chans, _ := s.ListChannels(ctx)
	if len(chans) != 1 || !chans[0].BulkApprove {
		t.Fatalf("channels = %v", chans)
	}

	id1, err := s.AppendPost(ctx, PostRecord{Text: "first", AddedAt: now})
	if err != nil {
		t.Fatalf("append post: %v", err)
	}
	id2, _ := s.AppendPost(ctx, PostRecord{PhotoFileID: "ph", Caption: "cap", AddedAt: now})
	if id2 <= id1 {
		t.Fatalf("post ids not increasing: %d then %d", id1, id2)
	}
	posts, _ := s.ListPosts(ctx)
	if len(posts) != 2 {
		t.Fatalf("posts = %v", posts)
	}
	_ = s.DeletePost(ctx, id1)
	if posts, _ = s.ListPosts(ctx); len(posts) != 1 || posts[0].PhotoFileID != "ph" {
		t.Fatalf("posts after delete = %v", posts)
	}

	if err := s.PutCursor(ctx, "autopost:-100", id2); err != nil {
		t.Fatalf("put cursor: %v", err)
	}
	v, ok, err := s.GetCursor(ctx, "autopost:-100")
	if err != nil || !ok || v != id2 {
		t.Fatalf("cursor = %d ok=%v err=%v", v, ok, err)
	}
	if _, ok, _ := s.GetCursor(ctx, "missing"); ok {
		t.Fatal("unexpected cursor hit")
	}

	_ = s.AppendActivity(ctx, ActivityRecord{
		At: now.Add(-2 * time.Hour), UserID: 1, Username: "alice", FirstName: "Alice", LastName: "A",
		ChatID: -100, Action: "approved",
	})
	_ = s.AppendActivity(ctx, ActivityRecord{At: now, UserID: 2, ChatID: -200, Action: "blocked"})
	acts, err := s.ListActivity(ctx, 0, now.Add(-time.Hour))
	if err != nil || len(acts) != 1 || acts[0].UserID != 2 {
		t.Fatalf("activity since = %v (%v)", acts, err)
	}
	acts, _ = s.ListActivity(ctx, -100, time.Time{})
	if len(acts) != 1 || acts[0].Action != "approved" {
		t.Fatalf("activity by chat = %v", acts)
	}
	if acts[0].Username != "alice" || acts[0].FirstName != "Alice" || acts[0].LastName != "A" {
		t.Fatalf("activity profile fields lost: %+v", acts[0])
	}
}

func TestFileStoreReloadsState(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()

	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.PutVerification(ctx, VerificationRecord{UserID: 7, ChatID: -100, Code: "XYZ789", IssuedAt: time.Now()}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.PutBlock(ctx, 9); err != nil {
		t.Fatalf("block: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	vers, _ := s2.ListVerifications(ctx)
	if len(vers) != 1 || vers[0].Code != "XYZ789" {
		t.Fatalf("verifications after reload = %v", vers)
	}
	blocks, _ := s2.ListBlocks(ctx)
	if len(blocks) != 1 || blocks[0] != 9 {
		t.Fatalf("blocks after reload = %v", blocks)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
