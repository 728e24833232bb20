package core

import (
	"context"
	"strings"
	"testing"
	"time"

	"gatebot/internal/autopost"
	"gatebot/internal/eventbus"
	"gatebot/internal/notifier"
	"gatebot/internal/registry"
	"gatebot/internal/session"
	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
	"gatebot/internal/verify"
	logx "gatebot/pkg/logx"
)

type noopSched struct{}

func (noopSched) AddInterval(string, time.Duration, time.Duration, func(ctx context.Context) error) (string, error) {
	return "", nil
}
func (noopSched) Remove(string) bool { return false }

func testFlow(t *testing.T) (*Flow, *fakeAdapter, *Services) {
	t.Helper()
	fa := newFakeAdapter()
	store, err := storage.Open(storage.Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	bus := eventbus.New()
	vs := verify.New(verify.Config{CodeTTL: 5 * time.Minute, MaxAttempts: 3}, fa, store, bus, logx.Nop())
	reg := registry.New(store, logx.Nop())
	serv := &Services{
		Verify:   vs,
		Channels: reg,
		Sessions: session.NewManager(),
		Autopost: autopost.New(store, reg, fa, noopSched{}, logx.Nop()),
		Store:    store,
	}
	flow := NewFlow(serv, fa, func() []int64 { return []int64{42} }, 5*time.Minute, logx.Nop())
	return flow, fa, serv
}

// withNotifier attaches a running notifier delivering through the fake
// adapter, so tests can observe operator alerts.
func withNotifier(t *testing.T, serv *Services, fa *fakeAdapter) {
	t.Helper()
	ns := notifier.New(notifier.Config{Enabled: true, Workers: 1, RatePerSec: 100}, fa, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	ns.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		ns.Stop(stopCtx)
		cancel()
	})
	serv.Notifier = ns
}

func ownerGot(fa *fakeAdapter, ownerID int64, substr string) func() bool {
	return func() bool {
		for _, m := range fa.sentTexts() {
			if m.Chat.ChatID == ownerID && strings.Contains(m.Text, substr) {
				return true
			}
		}
		return false
	}
}

func joinReq(chatID, userID int64, name string) kit.JoinRequest {
	return kit.JoinRequest{
		ChatID:    chatID,
		ChatTitle: "Test Channel",
		User:      kit.UserProfile{UserID: userID, FirstName: name},
	}
}

func TestJoinRequestIssuesCodePrompt(t *testing.T) {
	t.Parallel()

	flow, fa, serv := testFlow(t)
	flow.OnJoinRequest(context.Background(), joinReq(-100, 7, "Alice"))

	pend := serv.Verify.Pending()
	if len(pend) != 1 {
		t.Fatalf("pending = %d", len(pend))
	}
	if !fa.hasText(pend[0].Code) {
		t.Fatal("code was not delivered to the user")
	}
	texts := fa.sentTexts()
	if texts[0].Chat.ChatID != 7 {
		t.Fatalf("prompt went to chat %d", texts[0].Chat.ChatID)
	}
	if serv.Sessions.Get(7).Mode != session.ModeAwaitingCode {
		t.Fatal("session not in awaiting-code mode")
	}
}

func TestJoinRequestAlertsOwnersWithCode(t *testing.T) {
	t.Parallel()

	flow, fa, serv := testFlow(t)
	withNotifier(t, serv, fa)

	flow.OnJoinRequest(context.Background(), joinReq(-100, 7, "Alice"))
	code := serv.Verify.Pending()[0].Code

	// The operator DM carries the issued code alongside the user's prompt.
	waitFor(t, ownerGot(fa, 42, code))
}

func TestApprovalAlertsOwners(t *testing.T) {
	t.Parallel()

	flow, fa, serv := testFlow(t)
	withNotifier(t, serv, fa)
	ctx := context.Background()

	flow.OnJoinRequest(ctx, joinReq(-100, 7, "Alice"))
	code := serv.Verify.Pending()[0].Code
	flow.OnMessage(ctx, &kit.Message{ChatID: 7, FromID: 7, Text: code})

	waitFor(t, ownerGot(fa, 42, "verified and approved"))
}

func TestCodeSubmissionApproves(t *testing.T) {
	t.Parallel()

	flow, fa, serv := testFlow(t)
	ctx := context.Background()
	flow.OnJoinRequest(ctx, joinReq(-100, 7, "Alice"))
	code := serv.Verify.Pending()[0].Code

	flow.OnMessage(ctx, &kit.Message{ChatID: 7, FromID: 7, Text: "  " + strings.ToLower(code) + " "})

	fa.mu.Lock()
	approved := len(fa.approved) == 1 && fa.approved[0] == [2]int64{-100, 7}
	fa.mu.Unlock()
	if !approved {
		t.Fatal("join request was not approved")
	}
	if !fa.hasText("Welcome") {
		t.Fatal("missing success reply")
	}
	if serv.Sessions.Get(7).Mode != session.ModeIdle {
		t.Fatal("session not cleared")
	}
}

func TestWrongCodeReportsRemainingAttempts(t *testing.T) {
	t.Parallel()

	flow, fa, serv := testFlow(t)
	ctx := context.Background()
	flow.OnJoinRequest(ctx, joinReq(-100, 7, "Alice"))

	flow.OnMessage(ctx, &kit.Message{ChatID: 7, FromID: 7, Text: "WRONG1"})
	if !fa.hasText("2 attempt(s) left") {
		t.Fatalf("missing attempts reply: %v", fa.sentTexts())
	}
	if got := serv.Verify.Pending()[0].Attempts; got != 1 {
		t.Fatalf("attempts = %d", got)
	}
}

func TestCodeWithoutSessionStillChecked(t *testing.T) {
	t.Parallel()

	flow, fa, serv := testFlow(t)
	ctx := context.Background()
	flow.OnJoinRequest(ctx, joinReq(-100, 7, "Alice"))
	code := serv.Verify.Pending()[0].Code

	// simulate a restart: the session table is empty but the record survives
	serv.Sessions.Clear(7)
	flow.OnMessage(ctx, &kit.Message{ChatID: 7, FromID: 7, Text: code})

	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.approved) != 1 {
		t.Fatal("pending user typing a code without a session was ignored")
	}
}

func TestBulkFileApproval(t *testing.T) {
	t.Parallel()

	flow, fa, serv := testFlow(t)
	ctx := context.Background()
	fa.files["doc1"] = []byte("101\n102,bob\nnot-an-id\n\n103\n")
	serv.Sessions.Set(42, session.State{Mode: session.ModeAwaitingBulkFile, ChatID: -200})

	flow.OnMessage(ctx, &kit.Message{ChatID: 42, FromID: 42, DocFileID: "doc1", DocFileName: "ids.txt"})

	fa.mu.Lock()
	n := len(fa.approved)
	fa.mu.Unlock()
	if n != 3 {
		t.Fatalf("approved %d users, want 3", n)
	}
	if !fa.hasText("Bulk approval done") {
		t.Fatalf("missing summary: %v", fa.sentTexts())
	}
	if serv.Sessions.Get(42).Mode != session.ModeIdle {
		t.Fatal("session not cleared")
	}
}

func TestForwardedPostRegistersChannel(t *testing.T) {
	t.Parallel()

	flow, fa, serv := testFlow(t)
	ctx := context.Background()

	// non-owner forwards are ignored
	flow.OnMessage(ctx, &kit.Message{ChatID: 7, FromID: 7, OriginChatID: -300, OriginChatTitle: "Nope"})
	if _, ok := serv.Channels.Get(-300); ok {
		t.Fatal("non-owner registered a channel")
	}

	flow.OnMessage(ctx, &kit.Message{ChatID: 42, FromID: 42, OriginChatID: -300, OriginChatTitle: "My Channel"})
	c, ok := serv.Channels.Get(-300)
	if !ok || c.Title != "My Channel" {
		t.Fatalf("channel not registered: %+v", c)
	}
	if !fa.hasText("Channel registered") {
		t.Fatal("missing confirmation")
	}
}

func TestParseUserIDLines(t *testing.T) {
	t.Parallel()

	ids, invalid := parseUserIDLines([]byte("1\n 2 ,alice\nheader,x\n-3\n\n4,bob,extra\n"))
	want := []int64{1, 2, 4}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v", ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
	if invalid != 2 {
		t.Fatalf("invalid = %d, want 2", invalid)
	}
}
