package verify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gatebot/internal/eventbus"
	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

func logNop() logx.Logger { return logx.Nop() }

type gateCall struct {
	chatID int64
	userID int64
}

type fakeGate struct {
	mu         sync.Mutex
	approved   []gateCall
	declined   []gateCall
	approveErr error
	declineErr error
}

func (g *fakeGate) ApproveJoinRequest(_ context.Context, chatID, userID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.approveErr != nil {
		return g.approveErr
	}
	g.approved = append(g.approved, gateCall{chatID, userID})
	return nil
}

func (g *fakeGate) DeclineJoinRequest(_ context.Context, chatID, userID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.declineErr != nil {
		return g.declineErr
	}
	g.declined = append(g.declined, gateCall{chatID, userID})
	return nil
}

func (g *fakeGate) approvedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.approved)
}

func (g *fakeGate) declinedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.declined)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T, gate *fakeGate, codes ...string) (*Service, *testClock) {
	t.Helper()
	store, err := storage.Open(storage.Config{Driver: "memory"}, logNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	svc := New(Config{}, gate, store, eventbus.New(), logNop())
	svc.now = clock.Now
	if len(codes) > 0 {
		i := 0
		svc.newCode = func() string {
			c := codes[i%len(codes)]
			i++
			return c
		}
	}
	return svc, clock
}

func joinReq(userID, chatID int64, name string) kit.JoinRequest {
	return kit.JoinRequest{
		ChatID:    chatID,
		ChatTitle: "Test Channel",
		User:      kit.UserProfile{UserID: userID, FirstName: name},
	}
}

func TestVerifiedChatsRecordedOnApproval(t *testing.T) {
	t.Parallel()
	store, err := storage.Open(storage.Config{Driver: "memory"}, logNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	gate := &fakeGate{}
	svc := New(Config{}, gate, store, eventbus.New(), logNop())
	svc.newCode = func() string { return "PASS00" }
	ctx := context.Background()

	if _, err := svc.HandleJoinRequest(ctx, joinReq(100, -1001, "Alice"), false); err != nil {
		t.Fatalf("HandleJoinRequest: %v", err)
	}
	if _, err := svc.SubmitCode(ctx, 100, "PASS00"); err != nil {
		t.Fatalf("SubmitCode: %v", err)
	}

	if got := svc.VerifiedChats(100); len(got) != 1 || got[0] != -1001 {
		t.Fatalf("VerifiedChats = %v, want [-1001]", got)
	}
	if st := svc.Stats(); st.VerifiedUsers != 1 {
		t.Fatalf("VerifiedUsers = %d, want 1", st.VerifiedUsers)
	}

	// The set survives a restart through the store.
	second := New(Config{}, gate, store, eventbus.New(), logNop())
	if err := second.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := second.VerifiedChats(100); len(got) != 1 || got[0] != -1001 {
		t.Fatalf("VerifiedChats after reload = %v", got)
	}
}

func TestBlockedUserOperatorPaths(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, &fakeGate{})
	ctx := context.Background()

	if err := svc.Block(ctx, 900); err != nil {
		t.Fatalf("Block: %v", err)
	}
	if _, err := svc.ForceApprove(ctx, 900); !errors.Is(err, ErrBlocked) {
		t.Fatalf("ForceApprove error = %v, want ErrBlocked", err)
	}
	if _, err := svc.Resend(ctx, 900); !errors.Is(err, ErrBlocked) {
		t.Fatalf("Resend error = %v, want ErrBlocked", err)
	}
}

func TestJoinRequestCapturesProfile(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, &fakeGate{}, "PROF00")
	ctx := context.Background()

	req := kit.JoinRequest{
		ChatID:    -1001,
		ChatTitle: "Test Channel",
		User: kit.UserProfile{
			UserID: 110, FirstName: "Ada", LastName: "Lovelace", Username: "ada",
		},
	}
	res, err := svc.HandleJoinRequest(ctx, req, false)
	if err != nil {
		t.Fatalf("HandleJoinRequest: %v", err)
	}
	v := res.Verification
	if v.FirstName != "Ada" || v.LastName != "Lovelace" || v.Username != "ada" {
		t.Fatalf("profile not captured: %+v", v)
	}
}

func TestVerifyHappyPathCaseInsensitive(t *testing.T) {
	t.Parallel()
	gate := &fakeGate{}
	svc, _ := newTestService(t, gate, "AB12CD")
	ctx := context.Background()

	res, err := svc.HandleJoinRequest(ctx, joinReq(100, -1001, "Alice"), false)
	if err != nil {
		t.Fatalf("HandleJoinRequest: %v", err)
	}
	if res.Outcome != OutcomePending {
		t.Fatalf("Outcome = %v, want pending", res.Outcome)
	}
	if res.Verification.Code != "AB12CD" {
		t.Fatalf("Code = %q", res.Verification.Code)
	}

	sub, err := svc.SubmitCode(ctx, 100, "  ab12cd  ")
	if err != nil {
		t.Fatalf("SubmitCode: %v", err)
	}
	if sub.Outcome != OutcomeApproved {
		t.Fatalf("Outcome = %v, want approved", sub.Outcome)
	}
	if gate.approvedCount() != 1 {
		t.Fatalf("approve calls = %d, want 1", gate.approvedCount())
	}
	if svc.HasPending(100) {
		t.Fatal("record should be deleted after approval")
	}
}

func TestVerifyAttemptsExhaustedBlocks(t *testing.T) {
	t.Parallel()
	gate := &fakeGate{}
	svc, _ := newTestService(t, gate, "XY99ZZ")
	ctx := context.Background()

	if _, err := svc.HandleJoinRequest(ctx, joinReq(200, -1002, "Bob"), false); err != nil {
		t.Fatalf("HandleJoinRequest: %v", err)
	}

	for i, wantRemaining := range []int{2, 1} {
		sub, err := svc.SubmitCode(ctx, 200, "WRONG0")
		if err != nil {
			t.Fatalf("SubmitCode #%d: %v", i+1, err)
		}
		if sub.Outcome != OutcomeWrongCode {
			t.Fatalf("attempt %d Outcome = %v, want wrong_code", i+1, sub.Outcome)
		}
		if sub.Remaining != wantRemaining {
			t.Fatalf("attempt %d Remaining = %d, want %d", i+1, sub.Remaining, wantRemaining)
		}
	}

	sub, err := svc.SubmitCode(ctx, 200, "WRONG0")
	if err != nil {
		t.Fatalf("SubmitCode #3: %v", err)
	}
	if sub.Outcome != OutcomeBlocked {
		t.Fatalf("Outcome = %v, want blocked", sub.Outcome)
	}
	if !svc.IsBlocked(200) {
		t.Fatal("user should be on the block list")
	}
	if svc.HasPending(200) {
		t.Fatal("record should be deleted after block")
	}
	if gate.declinedCount() != 1 {
		t.Fatalf("decline calls = %d, want 1", gate.declinedCount())
	}

	// Blocked users are declined without a new code on the next request.
	res, err := svc.HandleJoinRequest(ctx, joinReq(200, -1002, "Bob"), false)
	if err != nil {
		t.Fatalf("HandleJoinRequest (blocked): %v", err)
	}
	if res.Outcome != OutcomeBlocked {
		t.Fatalf("Outcome = %v, want blocked", res.Outcome)
	}
	if gate.declinedCount() != 2 {
		t.Fatalf("decline calls = %d, want 2", gate.declinedCount())
	}
}

func TestVerifyExpiryBeatsCorrectCode(t *testing.T) {
	t.Parallel()
	gate := &fakeGate{}
	svc, clock := newTestService(t, gate, "GOOD77")
	ctx := context.Background()

	if _, err := svc.HandleJoinRequest(ctx, joinReq(300, -1003, "Carol"), false); err != nil {
		t.Fatalf("HandleJoinRequest: %v", err)
	}

	clock.Advance(5*time.Minute + time.Second)

	sub, err := svc.SubmitCode(ctx, 300, "GOOD77")
	if err != nil {
		t.Fatalf("SubmitCode: %v", err)
	}
	if sub.Outcome != OutcomeExpired {
		t.Fatalf("Outcome = %v, want expired", sub.Outcome)
	}
	if gate.approvedCount() != 0 {
		t.Fatal("expired submission must not approve")
	}
	if gate.declinedCount() != 1 {
		t.Fatalf("decline calls = %d, want 1", gate.declinedCount())
	}
	if svc.HasPending(300) {
		t.Fatal("expired record should be deleted")
	}
	if svc.IsBlocked(300) {
		t.Fatal("expiry must not block the user")
	}
}

func TestVerifyExpiryAtBoundaryStillValid(t *testing.T) {
	t.Parallel()
	gate := &fakeGate{}
	svc, clock := newTestService(t, gate, "EDGE00")
	ctx := context.Background()

	if _, err := svc.HandleJoinRequest(ctx, joinReq(310, -1003, "Dave"), false); err != nil {
		t.Fatalf("HandleJoinRequest: %v", err)
	}
	// Exactly at the TTL the code still works; expiry is strictly "older than".
	clock.Advance(5 * time.Minute)

	sub, err := svc.SubmitCode(ctx, 310, "edge00")
	if err != nil {
		t.Fatalf("SubmitCode: %v", err)
	}
	if sub.Outcome != OutcomeApproved {
		t.Fatalf("Outcome = %v, want approved", sub.Outcome)
	}
}

func TestResendKeepsAttempts(t *testing.T) {
	t.Parallel()
	gate := &fakeGate{}
	svc, clock := newTestService(t, gate, "FIRST1", "SECOND")
	ctx := context.Background()

	if _, err := svc.HandleJoinRequest(ctx, joinReq(400, -1004, "Dana"), false); err != nil {
		t.Fatalf("HandleJoinRequest: %v", err)
	}
	if _, err := svc.SubmitCode(ctx, 400, "NOPE00"); err != nil {
		t.Fatalf("SubmitCode: %v", err)
	}

	clock.Advance(4 * time.Minute)
	v, err := svc.Resend(ctx, 400)
	if err != nil {
		t.Fatalf("Resend: %v", err)
	}
	if v.Code != "SECOND" {
		t.Fatalf("Code after resend = %q", v.Code)
	}
	if v.Attempts != 1 {
		t.Fatalf("Attempts after resend = %d, want 1 (resend must not reset attempts)", v.Attempts)
	}

	// The resend restarted the clock, so 4 more minutes keeps it live.
	clock.Advance(4 * time.Minute)
	sub, err := svc.SubmitCode(ctx, 400, "second")
	if err != nil {
		t.Fatalf("SubmitCode: %v", err)
	}
	if sub.Outcome != OutcomeApproved {
		t.Fatalf("Outcome = %v, want approved", sub.Outcome)
	}
}

func TestResendWithoutRecord(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, &fakeGate{})
	if _, err := svc.Resend(context.Background(), 999); !errors.Is(err, ErrNoVerification) {
		t.Fatalf("Resend error = %v, want ErrNoVerification", err)
	}
}

func TestSubmitWithoutRecord(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, &fakeGate{})
	sub, err := svc.SubmitCode(context.Background(), 999, "AB12CD")
	if !errors.Is(err, ErrNoVerification) {
		t.Fatalf("error = %v, want ErrNoVerification", err)
	}
	if sub.Outcome != OutcomeNone {
		t.Fatalf("Outcome = %v, want none", sub.Outcome)
	}
}

func TestApprovalFailureKeepsRecord(t *testing.T) {
	t.Parallel()
	gate := &fakeGate{}
	svc, _ := newTestService(t, gate, "KEEP01")
	ctx := context.Background()

	if _, err := svc.HandleJoinRequest(ctx, joinReq(500, -1005, "Erin"), false); err != nil {
		t.Fatalf("HandleJoinRequest: %v", err)
	}

	gate.approveErr = errors.New("telegram: 500")
	sub, err := svc.SubmitCode(ctx, 500, "KEEP01")
	if err == nil {
		t.Fatal("expected platform error")
	}
	var pe *PlatformError
	if !errors.As(err, &pe) {
		t.Fatalf("error %v is not a PlatformError", err)
	}
	if sub.Verification.Attempts != 1 {
		t.Fatalf("Attempts = %d, want 1 (consumed attempt is not refunded)", sub.Verification.Attempts)
	}
	if !svc.HasPending(500) {
		t.Fatal("record must survive a failed approval")
	}

	// Platform recovers; the user retries with the same code.
	gate.approveErr = nil
	sub, err = svc.SubmitCode(ctx, 500, "keep01")
	if err != nil {
		t.Fatalf("SubmitCode retry: %v", err)
	}
	if sub.Outcome != OutcomeApproved {
		t.Fatalf("Outcome = %v, want approved", sub.Outcome)
	}
	if sub.Verification.Attempts != 2 {
		t.Fatalf("Attempts = %d, want 2", sub.Verification.Attempts)
	}
}

func TestDeclineFailureCompletesTransition(t *testing.T) {
	t.Parallel()
	gate := &fakeGate{declineErr: errors.New("telegram: 400")}
	svc, clock := newTestService(t, gate, "DEAD00")
	ctx := context.Background()

	if _, err := svc.HandleJoinRequest(ctx, joinReq(600, -1006, "Finn"), false); err != nil {
		t.Fatalf("HandleJoinRequest: %v", err)
	}
	clock.Advance(6 * time.Minute)

	sub, err := svc.SubmitCode(ctx, 600, "DEAD00")
	if err != nil {
		t.Fatalf("SubmitCode: %v", err)
	}
	if sub.Outcome != OutcomeExpired {
		t.Fatalf("Outcome = %v, want expired", sub.Outcome)
	}
	if svc.HasPending(600) {
		t.Fatal("local transition must complete despite decline failure")
	}
}

func TestRepeatJoinRequestReplacesRecord(t *testing.T) {
	t.Parallel()
	gate := &fakeGate{}
	svc, _ := newTestService(t, gate, "OLD000", "NEW000")
	ctx := context.Background()

	if _, err := svc.HandleJoinRequest(ctx, joinReq(700, -1007, "Gwen"), false); err != nil {
		t.Fatalf("HandleJoinRequest: %v", err)
	}
	if _, err := svc.SubmitCode(ctx, 700, "WRONG0"); err != nil {
		t.Fatalf("SubmitCode: %v", err)
	}

	res, err := svc.HandleJoinRequest(ctx, joinReq(700, -1007, "Gwen"), false)
	if err != nil {
		t.Fatalf("HandleJoinRequest repeat: %v", err)
	}
	if res.Verification.Code != "NEW000" {
		t.Fatalf("Code = %q, want fresh code", res.Verification.Code)
	}
	if res.Verification.Attempts != 0 {
		t.Fatalf("Attempts = %d, want 0 after re-request", res.Verification.Attempts)
	}
}

func TestBulkApprovalFastPath(t *testing.T) {
	t.Parallel()
	gate := &fakeGate{}
	svc, _ := newTestService(t, gate)
	ctx := context.Background()

	// Bulk mode approves even profiles the legitimacy check would reject.
	req := joinReq(800, -1008, "🔥🔥")
	res, err := svc.HandleJoinRequest(ctx, req, true)
	if err != nil {
		t.Fatalf("HandleJoinRequest: %v", err)
	}
	if res.Outcome != OutcomeBulkApproved {
		t.Fatalf("Outcome = %v, want bulk_approved", res.Outcome)
	}
	if gate.approvedCount() != 1 {
		t.Fatalf("approve calls = %d, want 1", gate.approvedCount())
	}
	if svc.HasPending(800) {
		t.Fatal("bulk approval must not issue a code")
	}
}

func TestIllegitimateProfileRejected(t *testing.T) {
	t.Parallel()
	gate := &fakeGate{}
	svc, _ := newTestService(t, gate)
	ctx := context.Background()

	res, err := svc.HandleJoinRequest(ctx, joinReq(900, -1009, "🔥🔥"), false)
	if err != nil {
		t.Fatalf("HandleJoinRequest: %v", err)
	}
	if res.Outcome != OutcomeRejected {
		t.Fatalf("Outcome = %v, want rejected", res.Outcome)
	}
	if gate.declinedCount() != 1 {
		t.Fatalf("decline calls = %d, want 1", gate.declinedCount())
	}
}

func TestBlockDeclinesPending(t *testing.T) {
	t.Parallel()
	gate := &fakeGate{}
	svc, _ := newTestService(t, gate, "ZZZ999")
	ctx := context.Background()

	if _, err := svc.HandleJoinRequest(ctx, joinReq(1000, -1010, "Hank"), false); err != nil {
		t.Fatalf("HandleJoinRequest: %v", err)
	}
	if err := svc.Block(ctx, 1000); err != nil {
		t.Fatalf("Block: %v", err)
	}
	if svc.HasPending(1000) {
		t.Fatal("pending record should be removed on block")
	}
	if gate.declinedCount() != 1 {
		t.Fatalf("decline calls = %d, want 1", gate.declinedCount())
	}

	ok, err := svc.Unblock(ctx, 1000)
	if err != nil || !ok {
		t.Fatalf("Unblock = (%v, %v), want (true, nil)", ok, err)
	}
	if ok, _ := svc.Unblock(ctx, 1000); ok {
		t.Fatal("second Unblock should report false")
	}
}

func TestSweepExpired(t *testing.T) {
	t.Parallel()
	gate := &fakeGate{}
	svc, clock := newTestService(t, gate, "AAAA11", "BBBB22", "CCCC33")
	ctx := context.Background()

	if _, err := svc.HandleJoinRequest(ctx, joinReq(1100, -1011, "Iris"), false); err != nil {
		t.Fatalf("HandleJoinRequest: %v", err)
	}
	clock.Advance(3 * time.Minute)
	if _, err := svc.HandleJoinRequest(ctx, joinReq(1101, -1011, "Jack"), false); err != nil {
		t.Fatalf("HandleJoinRequest: %v", err)
	}
	clock.Advance(3 * time.Minute)

	// Only the first record is older than the 5 minute TTL.
	if n := svc.SweepExpired(ctx); n != 1 {
		t.Fatalf("SweepExpired = %d, want 1", n)
	}
	if svc.HasPending(1100) {
		t.Fatal("stale record should be swept")
	}
	if !svc.HasPending(1101) {
		t.Fatal("live record should survive the sweep")
	}
}

func TestForceApproveAndApproveAll(t *testing.T) {
	t.Parallel()
	gate := &fakeGate{}
	svc, _ := newTestService(t, gate, "AAAA11", "BBBB22")
	ctx := context.Background()

	if _, err := svc.HandleJoinRequest(ctx, joinReq(1200, -1012, "Kate"), false); err != nil {
		t.Fatalf("HandleJoinRequest: %v", err)
	}
	if _, err := svc.HandleJoinRequest(ctx, joinReq(1201, -1012, "Liam"), false); err != nil {
		t.Fatalf("HandleJoinRequest: %v", err)
	}

	if _, err := svc.ForceApprove(ctx, 1200); err != nil {
		t.Fatalf("ForceApprove: %v", err)
	}
	if svc.HasPending(1200) {
		t.Fatal("force-approved record should be gone")
	}

	approved, failed := svc.ApproveAllPending(ctx)
	if approved != 1 || failed != 0 {
		t.Fatalf("ApproveAllPending = (%d, %d), want (1, 0)", approved, failed)
	}
	if len(svc.Pending()) != 0 {
		t.Fatal("no pending records should remain")
	}
}

func TestLoadRestoresState(t *testing.T) {
	t.Parallel()
	store, err := storage.Open(storage.Config{Driver: "memory"}, logNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	gate := &fakeGate{}
	bus := eventbus.New()

	first := New(Config{}, gate, store, bus, logNop())
	first.newCode = func() string { return "SAVE01" }
	ctx := context.Background()
	if _, err := first.HandleJoinRequest(ctx, joinReq(1300, -1013, "Mia"), false); err != nil {
		t.Fatalf("HandleJoinRequest: %v", err)
	}
	if err := first.Block(ctx, 1301); err != nil {
		t.Fatalf("Block: %v", err)
	}

	second := New(Config{}, gate, store, bus, logNop())
	if err := second.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !second.HasPending(1300) {
		t.Fatal("pending verification not restored")
	}
	if !second.IsBlocked(1301) {
		t.Fatal("block list not restored")
	}

	sub, err := second.SubmitCode(ctx, 1300, "save01")
	if err != nil {
		t.Fatalf("SubmitCode after reload: %v", err)
	}
	if sub.Outcome != OutcomeApproved {
		t.Fatalf("Outcome = %v, want approved", sub.Outcome)
	}
}
