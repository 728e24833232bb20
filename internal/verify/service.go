package verify

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gatebot/internal/eventbus"
	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

// Service owns the join verification state machine.
//
// In-memory state is authoritative; every transition is written through to
// the store best-effort and reloaded on start. Platform calls (approve,
// decline) happen outside the lock.
type Service struct {
	cfg   Config
	gate  Gate
	store Store
	bus   *eventbus.Bus
	log   logx.Logger

	mu       sync.Mutex
	recs     map[int64]*Verification
	blocked  map[int64]struct{}
	verified map[int64]map[int64]struct{} // user id -> chats the user passed verification for

	approved     atomic.Uint64
	bulkApproved atomic.Uint64
	rejected     atomic.Uint64
	expired      atomic.Uint64
	blockedTotal atomic.Uint64

	// test seams
	now     func() time.Time
	newCode func() string
}

func New(cfg Config, gate Gate, store Store, bus *eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.normalized(),
		gate:     gate,
		store:    store,
		bus:      bus,
		log:      log,
		recs:     map[int64]*Verification{},
		blocked:  map[int64]struct{}{},
		verified: map[int64]map[int64]struct{}{},
		now:      time.Now,
		newCode:  newCode,
	}
}

// Load restores pending verifications, the block list and the verified-chats
// sets from the store.
func (s *Service) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	vers, err := s.store.ListVerifications(ctx)
	if err != nil {
		return wrapOp("load verifications", err)
	}
	blocks, err := s.store.ListBlocks(ctx)
	if err != nil {
		return wrapOp("load blocks", err)
	}
	verchats, err := s.store.ListVerifiedChats(ctx)
	if err != nil {
		return wrapOp("load verified chats", err)
	}

	s.mu.Lock()
	for _, r := range vers {
		s.recs[r.UserID] = &Verification{
			UserID:      r.UserID,
			ChatID:      r.ChatID,
			ChatName:    r.ChatName,
			FirstName:   r.FirstName,
			LastName:    r.LastName,
			Username:    r.Username,
			Code:        r.Code,
			IssuedAt:    r.IssuedAt,
			Attempts:    r.Attempts,
			MaxAttempts: s.cfg.MaxAttempts,
		}
	}
	for _, id := range blocks {
		s.blocked[id] = struct{}{}
	}
	for _, r := range verchats {
		set := s.verified[r.UserID]
		if set == nil {
			set = map[int64]struct{}{}
			s.verified[r.UserID] = set
		}
		set[r.ChatID] = struct{}{}
	}
	pending, blocked, verified := len(s.recs), len(s.blocked), len(s.verified)
	s.mu.Unlock()

	s.log.Info("verification state loaded",
		logx.Int("pending", pending), logx.Int("blocked", blocked), logx.Int("verified_users", verified))
	return nil
}

func (s *Service) publish(action string, v Verification, reason string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: EventType, Data: Event{
		Action:    action,
		UserID:    v.UserID,
		ChatID:    v.ChatID,
		ChatName:  v.ChatName,
		FirstName: v.FirstName,
		LastName:  v.LastName,
		Username:  v.Username,
		Reason:    reason,
	}})
}

func (s *Service) persistPut(ctx context.Context, v Verification) {
	if s.store == nil {
		return
	}
	if err := s.store.PutVerification(ctx, v.record()); err != nil {
		s.log.Warn("persist verification failed", logx.Int64("user_id", v.UserID), logx.Err(err))
	}
}

func (s *Service) persistDelete(ctx context.Context, userID int64) {
	if s.store == nil {
		return
	}
	if err := s.store.DeleteVerification(ctx, userID); err != nil {
		s.log.Warn("delete verification failed", logx.Int64("user_id", userID), logx.Err(err))
	}
}

// markVerified records that the user passed verification for the chat.
// The set feeds the stats surface and survives restarts.
func (s *Service) markVerified(ctx context.Context, userID, chatID int64) {
	if chatID == 0 {
		return
	}
	s.mu.Lock()
	set := s.verified[userID]
	if set == nil {
		set = map[int64]struct{}{}
		s.verified[userID] = set
	}
	_, seen := set[chatID]
	set[chatID] = struct{}{}
	s.mu.Unlock()

	if seen || s.store == nil {
		return
	}
	err := s.store.PutVerifiedChat(ctx, storage.VerifiedChatRecord{UserID: userID, ChatID: chatID, At: s.now()})
	if err != nil {
		s.log.Warn("persist verified chat failed",
			logx.Int64("user_id", userID), logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

// declineBestEffort completes the local transition even when the platform
// call fails; the join request then dies on the platform's own timeout.
func (s *Service) declineBestEffort(ctx context.Context, chatID, userID int64, why string) {
	if err := s.gate.DeclineJoinRequest(ctx, chatID, userID); err != nil {
		s.log.Error("decline join request failed",
			logx.Int64("user_id", userID), logx.Int64("chat_id", chatID),
			logx.String("why", why), logx.Err(err))
	}
}

// HandleJoinRequest screens a join request and either resolves it immediately
// (bulk mode, block list, failed legitimacy) or issues a verification code.
//
// The order matters: bulk approval and the block list short-circuit before
// the legitimacy check runs.
func (s *Service) HandleJoinRequest(ctx context.Context, req kit.JoinRequest, bulkApprove bool) (JoinResult, error) {
	userID := req.User.UserID
	base := Verification{
		UserID:    userID,
		ChatID:    req.ChatID,
		ChatName:  req.ChatTitle,
		FirstName: req.User.FirstName,
		LastName:  req.User.LastName,
		Username:  req.User.Username,
	}

	if bulkApprove {
		if err := s.gate.ApproveJoinRequest(ctx, req.ChatID, userID); err != nil {
			return JoinResult{Outcome: OutcomeNone}, platformErr("bulk approve", err)
		}
		s.bulkApproved.Add(1)
		s.publish(ActionBulkApproved, base, "")
		s.log.Info("join request bulk-approved", logx.Int64("user_id", userID), logx.Int64("chat_id", req.ChatID))
		return JoinResult{Outcome: OutcomeBulkApproved}, nil
	}

	s.mu.Lock()
	_, isBlocked := s.blocked[userID]
	s.mu.Unlock()
	if isBlocked {
		s.declineBestEffort(ctx, req.ChatID, userID, "blocked")
		s.log.Info("join request declined (blocked user)", logx.Int64("user_id", userID), logx.Int64("chat_id", req.ChatID))
		return JoinResult{Outcome: OutcomeBlocked}, nil
	}

	if ok, reason := CheckLegitimacy(req.User); !ok {
		s.declineBestEffort(ctx, req.ChatID, userID, reason)
		s.rejected.Add(1)
		s.publish(ActionRejected, base, reason)
		s.log.Info("join request rejected",
			logx.Int64("user_id", userID), logx.Int64("chat_id", req.ChatID), logx.String("reason", reason))
		return JoinResult{Outcome: OutcomeRejected, Reason: reason}, nil
	}

	v := base
	v.Code = s.newCode()
	v.IssuedAt = s.now()
	v.Attempts = 0
	v.MaxAttempts = s.cfg.MaxAttempts

	// A repeated join request replaces any previous record: fresh code,
	// fresh clock, attempts back to zero.
	s.mu.Lock()
	s.recs[userID] = &v
	s.mu.Unlock()
	s.persistPut(ctx, v)

	s.publish(ActionPending, v, "")
	s.log.Info("verification issued", logx.Int64("user_id", userID), logx.Int64("chat_id", req.ChatID))
	return JoinResult{Outcome: OutcomePending, Verification: v}, nil
}

// SubmitCode checks a code typed by the user against their pending record.
//
// Expiry is evaluated lazily before the attempt is counted. An attempt is
// consumed by every non-expired submission, right or wrong. When approval
// fails on the platform the record is kept so the user can retry.
func (s *Service) SubmitCode(ctx context.Context, userID int64, input string) (SubmitResult, error) {
	s.mu.Lock()
	rec, ok := s.recs[userID]
	if !ok {
		s.mu.Unlock()
		return SubmitResult{Outcome: OutcomeNone}, ErrNoVerification
	}

	if s.now().Sub(rec.IssuedAt) > s.cfg.CodeTTL {
		v := *rec
		delete(s.recs, userID)
		s.mu.Unlock()
		s.persistDelete(ctx, userID)
		s.declineBestEffort(ctx, v.ChatID, userID, "expired")
		s.expired.Add(1)
		s.publish(ActionExpired, v, "")
		s.log.Info("verification expired", logx.Int64("user_id", userID), logx.Int64("chat_id", v.ChatID))
		return SubmitResult{Outcome: OutcomeExpired, Verification: v}, nil
	}

	rec.Attempts++
	match := strings.EqualFold(strings.TrimSpace(input), rec.Code)
	v := *rec

	if !match && rec.Attempts >= rec.MaxAttempts {
		delete(s.recs, userID)
		s.blocked[userID] = struct{}{}
		s.mu.Unlock()
		s.persistDelete(ctx, userID)
		if s.store != nil {
			if err := s.store.PutBlock(ctx, userID); err != nil {
				s.log.Warn("persist block failed", logx.Int64("user_id", userID), logx.Err(err))
			}
		}
		s.declineBestEffort(ctx, v.ChatID, userID, "attempts exhausted")
		s.blockedTotal.Add(1)
		s.publish(ActionBlocked, v, "attempts exhausted")
		s.log.Warn("user blocked after failed attempts",
			logx.Int64("user_id", userID), logx.Int("attempts", v.Attempts))
		return SubmitResult{Outcome: OutcomeBlocked, Verification: v}, nil
	}
	s.mu.Unlock()
	s.persistPut(ctx, v)

	if !match {
		return SubmitResult{
			Outcome:      OutcomeWrongCode,
			Verification: v,
			Remaining:    v.MaxAttempts - v.Attempts,
		}, nil
	}

	if err := s.gate.ApproveJoinRequest(ctx, v.ChatID, userID); err != nil {
		// Record stays; the consumed attempt is not refunded.
		s.log.Error("approve join request failed", logx.Int64("user_id", userID), logx.Int64("chat_id", v.ChatID), logx.Err(err))
		return SubmitResult{Outcome: OutcomeNone, Verification: v}, platformErr("approve", err)
	}

	s.mu.Lock()
	delete(s.recs, userID)
	s.mu.Unlock()
	s.persistDelete(ctx, userID)
	s.markVerified(ctx, userID, v.ChatID)

	s.approved.Add(1)
	s.publish(ActionApproved, v, "")
	s.log.Info("user verified", logx.Int64("user_id", userID), logx.Int64("chat_id", v.ChatID))
	return SubmitResult{Outcome: OutcomeApproved, Verification: v}, nil
}

// Resend regenerates the code and restarts the expiry clock.
// The attempt counter is deliberately left alone; resending is free.
func (s *Service) Resend(ctx context.Context, userID int64) (Verification, error) {
	s.mu.Lock()
	if _, blocked := s.blocked[userID]; blocked {
		s.mu.Unlock()
		return Verification{}, ErrBlocked
	}
	rec, ok := s.recs[userID]
	if !ok {
		s.mu.Unlock()
		return Verification{}, ErrNoVerification
	}
	rec.Code = s.newCode()
	rec.IssuedAt = s.now()
	v := *rec
	s.mu.Unlock()
	s.persistPut(ctx, v)

	s.publish(ActionResend, v, "")
	s.log.Info("verification code resent", logx.Int64("user_id", userID))
	return v, nil
}

// ForceApprove resolves a pending verification without a code (operator path).
// Blocked users must be unblocked first.
func (s *Service) ForceApprove(ctx context.Context, userID int64) (Verification, error) {
	s.mu.Lock()
	if _, blocked := s.blocked[userID]; blocked {
		s.mu.Unlock()
		return Verification{}, ErrBlocked
	}
	rec, ok := s.recs[userID]
	if !ok {
		s.mu.Unlock()
		return Verification{}, ErrNoVerification
	}
	v := *rec
	s.mu.Unlock()

	if err := s.gate.ApproveJoinRequest(ctx, v.ChatID, userID); err != nil {
		return v, platformErr("approve", err)
	}

	s.mu.Lock()
	delete(s.recs, userID)
	s.mu.Unlock()
	s.persistDelete(ctx, userID)
	s.markVerified(ctx, userID, v.ChatID)

	s.approved.Add(1)
	s.publish(ActionApproved, v, "operator")
	s.log.Info("verification force-approved", logx.Int64("user_id", userID), logx.Int64("chat_id", v.ChatID))
	return v, nil
}

// ApproveAllPending force-approves every pending verification.
func (s *Service) ApproveAllPending(ctx context.Context) (approved, failed int) {
	for _, v := range s.Pending() {
		if _, err := s.ForceApprove(ctx, v.UserID); err != nil {
			failed++
			continue
		}
		approved++
	}
	return approved, failed
}

// ApproveUserIDs approves join requests for the given user ids on one chat.
// Users need not have pending records (bulk file import path).
func (s *Service) ApproveUserIDs(ctx context.Context, chatID int64, userIDs []int64) (approved, failed int) {
	for _, uid := range userIDs {
		if err := s.gate.ApproveJoinRequest(ctx, chatID, uid); err != nil {
			s.log.Warn("bulk approve failed", logx.Int64("user_id", uid), logx.Int64("chat_id", chatID), logx.Err(err))
			failed++
			continue
		}
		s.mu.Lock()
		delete(s.recs, uid)
		s.mu.Unlock()
		s.persistDelete(ctx, uid)
		s.markVerified(ctx, uid, chatID)
		s.approved.Add(1)
		s.publish(ActionApproved, Verification{UserID: uid, ChatID: chatID}, "bulk file")
		approved++
	}
	return approved, failed
}

// Block adds a user to the block list. A pending verification, if any, is
// declined and removed.
func (s *Service) Block(ctx context.Context, userID int64) error {
	s.mu.Lock()
	rec, hadPending := s.recs[userID]
	var v Verification
	if hadPending {
		v = *rec
		delete(s.recs, userID)
	}
	s.blocked[userID] = struct{}{}
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.PutBlock(ctx, userID); err != nil {
			s.log.Warn("persist block failed", logx.Int64("user_id", userID), logx.Err(err))
		}
	}
	if hadPending {
		s.persistDelete(ctx, userID)
		s.declineBestEffort(ctx, v.ChatID, userID, "blocked by operator")
	}
	s.blockedTotal.Add(1)
	s.publish(ActionBlocked, Verification{UserID: userID, ChatID: v.ChatID}, "operator")
	s.log.Info("user blocked", logx.Int64("user_id", userID))
	return nil
}

// Unblock removes a user from the block list.
// It reports false when the user was not blocked.
func (s *Service) Unblock(ctx context.Context, userID int64) (bool, error) {
	s.mu.Lock()
	_, ok := s.blocked[userID]
	delete(s.blocked, userID)
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if s.store != nil {
		if err := s.store.DeleteBlock(ctx, userID); err != nil {
			s.log.Warn("delete block failed", logx.Int64("user_id", userID), logx.Err(err))
		}
	}
	s.publish(ActionUnblocked, Verification{UserID: userID}, "operator")
	s.log.Info("user unblocked", logx.Int64("user_id", userID))
	return true, nil
}

func (s *Service) IsBlocked(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blocked[userID]
	return ok
}

// HasPending reports whether the user currently has a verification record.
func (s *Service) HasPending(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.recs[userID]
	return ok
}

// Pending returns pending verifications ordered by issue time.
func (s *Service) Pending() []Verification {
	s.mu.Lock()
	out := make([]Verification, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, *r)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out
}

// BlockedIDs returns the block list, ascending.
func (s *Service) BlockedIDs() []int64 {
	s.mu.Lock()
	out := make([]int64, 0, len(s.blocked))
	for id := range s.blocked {
		out = append(out, id)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// VerifiedChats returns the chats the user has passed verification for,
// ascending. Empty when the user never verified anywhere.
func (s *Service) VerifiedChats(userID int64) []int64 {
	s.mu.Lock()
	set := s.verified[userID]
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	pending := len(s.recs)
	blocked := len(s.blocked)
	verified := len(s.verified)
	s.mu.Unlock()
	return Stats{
		Pending:       pending,
		Blocked:       blocked,
		VerifiedUsers: verified,
		Approved:      s.approved.Load(),
		BulkApproved:  s.bulkApproved.Load(),
		Rejected:      s.rejected.Load(),
		Expired:       s.expired.Load(),
		BlockedTotal:  s.blockedTotal.Load(),
	}
}

// SweepExpired declines and removes every verification past its TTL.
// The same lazy check in SubmitCode makes this safe to run at any cadence.
func (s *Service) SweepExpired(ctx context.Context) int {
	cutoff := s.now().Add(-s.cfg.CodeTTL)

	s.mu.Lock()
	var stale []Verification
	for uid, rec := range s.recs {
		if rec.IssuedAt.Before(cutoff) {
			stale = append(stale, *rec)
			delete(s.recs, uid)
		}
	}
	s.mu.Unlock()

	for _, v := range stale {
		s.persistDelete(ctx, v.UserID)
		s.declineBestEffort(ctx, v.ChatID, v.UserID, "expired (sweep)")
		s.expired.Add(1)
		s.publish(ActionExpired, v, "sweep")
	}
	if len(stale) > 0 {
		s.log.Info("expired verifications swept", logx.Int("count", len(stale)))
	}
	return len(stale)
}
