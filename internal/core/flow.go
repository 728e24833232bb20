package core

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"gatebot/internal/session"
	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
	"gatebot/internal/verify"
	logx "gatebot/pkg/logx"
	"gatebot/pkg/tgui"
)

// Flow handles everything that is not a slash command: join requests, codes
// typed back in private chat, captured post content, bulk approval documents
// and forwarded channel posts.
type Flow struct {
	serv    *Services
	adapter kit.Adapter
	owners  func() []int64
	codeTTL time.Duration
	log     logx.Logger

	mu     sync.Mutex
	drafts map[int64]postDraft // keyed by operator user id
}

// postDraft is a captured /post payload waiting for a target channel.
type postDraft struct {
	Text        string
	PhotoFileID string
	Caption     string
}

func NewFlow(serv *Services, adapter kit.Adapter, owners func() []int64, codeTTL time.Duration, log logx.Logger) *Flow {
	if log.IsZero() {
		log = logx.Nop()
	}
	if codeTTL <= 0 {
		codeTTL = 5 * time.Minute
	}
	return &Flow{
		serv:    serv,
		adapter: adapter,
		owners:  owners,
		codeTTL: codeTTL,
		log:     log,
		drafts:  map[int64]postDraft{},
	}
}

func (f *Flow) isOwner(id int64) bool {
	return isOwner(id, f.owners())
}

// notifyOwners fans a notification out to every operator DM.
func (f *Flow) notifyOwners(ctx context.Context, priority int, text string) {
	if f.serv.Notifier == nil {
		return
	}
	for _, id := range f.owners() {
		err := f.serv.Notifier.Notify(ctx, kit.Notification{
			Channel:  "telegram",
			Priority: priority,
			Target:   kit.ChatTarget{ChatID: id},
			Text:     text,
		})
		if err != nil {
			f.log.Debug("owner notification skipped", logx.Int64("owner", id), logx.Err(err))
		}
	}
}

// OnJoinRequest screens one join request and, when a code is issued, delivers
// it to the requester in private chat.
func (f *Flow) OnJoinRequest(ctx context.Context, req kit.JoinRequest) {
	bulk := f.serv.Channels.BulkApprove(req.ChatID)
	res, err := f.serv.Verify.HandleJoinRequest(ctx, req, bulk)
	if err != nil {
		f.log.Error("join request handling failed",
			logx.Int64("user_id", req.User.UserID), logx.Int64("chat_id", req.ChatID), logx.Err(err))
		var pe *verify.PlatformError
		if errors.As(err, &pe) {
			f.notifyOwners(ctx, 7, fmt.Sprintf("⚠️ join request for user %d in %q failed: %v", req.User.UserID, req.ChatTitle, err))
		}
		return
	}

	switch res.Outcome {
	case verify.OutcomePending:
		f.serv.Sessions.Set(req.User.UserID, session.State{Mode: session.ModeAwaitingCode})
		f.sendCodePrompt(ctx, req.User.UserID, res.Verification, false)
		f.notifyOwners(ctx, 4, fmt.Sprintf("code %s issued to %s (id %d) for %q",
			res.Verification.Code, verify.DisplayName(req.User), req.User.UserID, req.ChatTitle))
	case verify.OutcomeRejected:
		f.notifyOwners(ctx, 5, fmt.Sprintf("join request from %q (id %d) to %q rejected: %s",
			verify.DisplayName(req.User), req.User.UserID, req.ChatTitle, res.Reason))
	case verify.OutcomeBulkApproved, verify.OutcomeBlocked:
		// already resolved, nothing to deliver
	}
}

// sendCodePrompt DMs the verification code. Delivery failure is non-fatal:
// the user may never have started the bot, and the record stays valid.
func (f *Flow) sendCodePrompt(ctx context.Context, userID int64, v verify.Verification, resent bool) {
	title := "Verification required"
	if resent {
		title = "New verification code"
	}
	kb := tgui.NewInline().Row(
		tgui.Btn("⌨️ Enter code", tgui.Data("verify", "enter", "")),
		tgui.Btn("🔁 Resend code", tgui.Data("verify", "resend", "")),
	)
	msg := tgui.New().
		Inline(kb).
		Title("🔐", title).
		Blank().
		Line(fmt.Sprintf("To join %s, reply with this code within %s:", v.ChatName, formatTTL(f.codeTTL))).
		Blank().
		Code(v.Code).
		Build()
	if _, err := msg.Send(ctx, f.adapter, kit.ChatTarget{ChatID: userID}); err != nil {
		f.log.Warn("code delivery failed", logx.Int64("user_id", userID), logx.Err(err))
	}
}

// OnMessage routes non-command messages by session mode.
func (f *Flow) OnMessage(ctx context.Context, msg *kit.Message) {
	if msg.IsGroup {
		return
	}
	to := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	// A forwarded channel post from an operator registers the channel.
	if msg.OriginChatID != 0 && f.isOwner(msg.FromID) {
		c := f.serv.Channels.Add(ctx, msg.OriginChatID, msg.OriginChatTitle, msg.OriginUsername)
		f.serv.Autopost.Sync()
		reply := tgui.New().
			Title("📡", "Channel registered").
			KV("title", c.Title).
			KV("id", strconv.FormatInt(c.ChatID, 10)).
			Build()
		_, _ = reply.Send(ctx, f.adapter, to)
		return
	}

	st := f.serv.Sessions.Get(msg.FromID)
	switch st.Mode {
	case session.ModeAwaitingCode:
		f.handleCode(ctx, msg, to)
	case session.ModeAwaitingPost:
		if f.isOwner(msg.FromID) {
			f.handlePostCapture(ctx, msg, to)
			return
		}
		f.serv.Sessions.Clear(msg.FromID)
	case session.ModeAwaitingBulkFile:
		if f.isOwner(msg.FromID) {
			f.handleBulkFile(ctx, msg, to, st.ChatID)
			return
		}
		f.serv.Sessions.Clear(msg.FromID)
	default:
		// Be forgiving: a user with a pending verification who types the code
		// without the session (e.g. after a bot restart) still gets checked.
		if strings.TrimSpace(msg.Text) != "" && f.serv.Verify.HasPending(msg.FromID) {
			f.handleCode(ctx, msg, to)
		}
	}
}

func (f *Flow) handleCode(ctx context.Context, msg *kit.Message, to kit.ChatTarget) {
	res, err := f.serv.Verify.SubmitCode(ctx, msg.FromID, msg.Text)
	if err != nil {
		if errors.Is(err, verify.ErrNoVerification) {
			f.serv.Sessions.Clear(msg.FromID)
			_, _ = f.adapter.SendText(ctx, to, "You have no pending verification. Request to join the chat first.", nil)
			return
		}
		var pe *verify.PlatformError
		if errors.As(err, &pe) {
			// The attempt is spent but the record survives; the user may retry.
			_, _ = f.adapter.SendText(ctx, to, "Telegram did not accept the approval, please send the code again in a moment.", nil)
			f.notifyOwners(ctx, 7, fmt.Sprintf("⚠️ approving user %d failed: %v", msg.FromID, err))
			return
		}
		f.log.Error("code submission failed", logx.Int64("user_id", msg.FromID), logx.Err(err))
		return
	}

	switch res.Outcome {
	case verify.OutcomeApproved:
		f.serv.Sessions.Clear(msg.FromID)
		out := tgui.New().Title("✅", "Verified").Line("Welcome to " + res.Verification.ChatName + "!").Build()
		_, _ = out.Send(ctx, f.adapter, to)
		f.notifyOwners(ctx, 4, fmt.Sprintf("user %d verified and approved for %q",
			msg.FromID, res.Verification.ChatName))
	case verify.OutcomeWrongCode:
		_, _ = f.adapter.SendText(ctx, to,
			fmt.Sprintf("Wrong code. %d attempt(s) left.", res.Remaining), nil)
	case verify.OutcomeExpired:
		f.serv.Sessions.Clear(msg.FromID)
		_, _ = f.adapter.SendText(ctx, to, "That code has expired. Request to join the chat again to get a new one.", nil)
	case verify.OutcomeBlocked:
		f.serv.Sessions.Clear(msg.FromID)
		_, _ = f.adapter.SendText(ctx, to, "Too many failed attempts. You are blocked from joining.", nil)
		f.notifyOwners(ctx, 6, fmt.Sprintf("user %d blocked after exhausting code attempts", msg.FromID))
	}
}

// handlePostCapture stores the draft and offers target channels.
func (f *Flow) handlePostCapture(ctx context.Context, msg *kit.Message, to kit.ChatTarget) {
	d := postDraft{Text: strings.TrimSpace(msg.Text)}
	if msg.PhotoFileID != "" {
		d = postDraft{PhotoFileID: msg.PhotoFileID, Caption: strings.TrimSpace(msg.Caption)}
	}
	if d.Text == "" && d.PhotoFileID == "" {
		_, _ = f.adapter.SendText(ctx, to, "Send text or a photo to post.", nil)
		return
	}

	f.mu.Lock()
	f.drafts[msg.FromID] = d
	f.mu.Unlock()
	f.serv.Sessions.Clear(msg.FromID)

	kb := tgui.NewInline()
	for _, c := range f.serv.Channels.List() {
		data := tgui.Data("post", "to", strconv.FormatInt(c.ChatID, 10))
		if len(data) > tgui.MaxCallbackDataLen {
			continue
		}
		kb.Row(tgui.Btn("📣 "+tgui.TruncRunes(c.Title, 32), data))
	}
	kb.Row(
		tgui.Btn("🌐 All channels", tgui.Data("post", "all", "")),
		tgui.Btn("➕ Rotation pool", tgui.Data("post", "pool", "")),
	)
	kb.Row(tgui.Btn("✖️ Cancel", tgui.Data("post", "cancel", "")))

	out := tgui.New().Inline(kb).Title("📮", "Where should this go?").Build()
	_, _ = out.Send(ctx, f.adapter, to)
}

// handleBulkFile downloads the user id document and approves every id on the
// target chat. Lines are "id" or "id,name"; anything unparsable is counted.
func (f *Flow) handleBulkFile(ctx context.Context, msg *kit.Message, to kit.ChatTarget, chatID int64) {
	if msg.DocFileID == "" {
		_, _ = f.adapter.SendText(ctx, to, "Send the user id list as a document (one id per line).", nil)
		return
	}
	f.serv.Sessions.Clear(msg.FromID)

	data, err := f.adapter.DownloadFile(ctx, msg.DocFileID)
	if err != nil {
		_, _ = f.adapter.SendText(ctx, to, "Could not download the document: "+err.Error(), nil)
		return
	}
	ids, invalid := parseUserIDLines(data)
	if len(ids) == 0 {
		_, _ = f.adapter.SendText(ctx, to, "No user ids found in the document.", nil)
		return
	}

	approved, failed := f.serv.Verify.ApproveUserIDs(ctx, chatID, ids)
	out := tgui.New().
		Title("📋", "Bulk approval done").
		KV("approved", strconv.Itoa(approved)).
		KV("failed", strconv.Itoa(failed)).
		KV("invalid lines", strconv.Itoa(invalid)).
		Build()
	_, _ = out.Send(ctx, f.adapter, to)
}

func formatTTL(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		m := int(d / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	}
	return d.String()
}

func parseUserIDLines(data []byte) (ids []int64, invalid int) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		field := line
		if i := strings.IndexByte(line, ','); i >= 0 {
			field = strings.TrimSpace(line[:i])
		}
		id, err := strconv.ParseInt(field, 10, 64)
		if err != nil || id <= 0 {
			invalid++
			continue
		}
		ids = append(ids, id)
	}
	return ids, invalid
}

func (f *Flow) takeDraft(userID int64) (postDraft, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.drafts[userID]
	delete(f.drafts, userID)
	return d, ok
}

func (f *Flow) sendDraft(ctx context.Context, d postDraft, chatID int64) error {
	to := kit.ChatTarget{ChatID: chatID}
	if d.PhotoFileID != "" {
		_, err := f.adapter.SendPhoto(ctx, to, d.PhotoFileID, d.Caption, nil)
		return err
	}
	_, err := f.adapter.SendText(ctx, to, d.Text, &kit.SendOptions{DisablePreview: true})
	return err
}

// Callbacks returns the inline callback routes owned by the flow.
func (f *Flow) Callbacks() []CallbackRoute {
	return []CallbackRoute{
		{
			Scope:       "verify",
			Action:      "enter",
			Description: "arm the code prompt",
			Timeout:     5 * time.Second,
			Handle: func(ctx context.Context, req *Request, _ string) error {
				if !f.serv.Verify.HasPending(req.FromID) {
					_, _ = req.Adapter.SendText(ctx, req.Chat, "You have no pending verification.", nil)
					return nil
				}
				f.serv.Sessions.Set(req.FromID, session.State{Mode: session.ModeAwaitingCode})
				_, _ = req.Adapter.SendText(ctx, req.Chat, "Type your code.", nil)
				return nil
			},
		},
		{
			Scope:       "verify",
			Action:      "resend",
			Description: "resend the verification code",
			Timeout:     10 * time.Second,
			Handle: func(ctx context.Context, req *Request, _ string) error {
				v, err := f.serv.Verify.Resend(ctx, req.FromID)
				if err != nil {
					if errors.Is(err, verify.ErrBlocked) {
						_, _ = req.Adapter.SendText(ctx, req.Chat, "You are blocked from joining.", nil)
						return nil
					}
					if errors.Is(err, verify.ErrNoVerification) {
						_, _ = req.Adapter.SendText(ctx, req.Chat, "Nothing to resend: no pending verification.", nil)
						return nil
					}
					return err
				}
				f.serv.Sessions.Set(req.FromID, session.State{Mode: session.ModeAwaitingCode})
				f.sendCodePrompt(ctx, req.FromID, v, true)
				return nil
			},
		},
		{
			Scope:       "post",
			Action:      "to",
			Description: "publish the draft to one channel",
			Timeout:     15 * time.Second,
			Handle: func(ctx context.Context, req *Request, payload string) error {
				chatID, err := strconv.ParseInt(payload, 10, 64)
				if err != nil {
					return fmt.Errorf("bad channel id %q: %w", payload, err)
				}
				d, ok := f.takeDraft(req.FromID)
				if !ok {
					_, _ = req.Adapter.SendText(ctx, req.Chat, "No draft to post. Use /post first.", nil)
					return nil
				}
				if err := f.sendDraft(ctx, d, chatID); err != nil {
					_, _ = req.Adapter.SendText(ctx, req.Chat, "Posting failed: "+err.Error(), nil)
					return err
				}
				_, _ = req.Adapter.SendText(ctx, req.Chat, "Posted ✅", nil)
				return nil
			},
		},
		{
			Scope:       "post",
			Action:      "all",
			Description: "publish the draft to every channel",
			Timeout:     30 * time.Second,
			Handle: func(ctx context.Context, req *Request, _ string) error {
				d, ok := f.takeDraft(req.FromID)
				if !ok {
					_, _ = req.Adapter.SendText(ctx, req.Chat, "No draft to post. Use /post first.", nil)
					return nil
				}
				sent, failed := 0, 0
				for _, c := range f.serv.Channels.List() {
					if err := f.sendDraft(ctx, d, c.ChatID); err != nil {
						f.log.Warn("broadcast post failed", logx.Int64("chat_id", c.ChatID), logx.Err(err))
						failed++
						continue
					}
					sent++
				}
				_, _ = req.Adapter.SendText(ctx, req.Chat,
					fmt.Sprintf("Posted to %d channel(s), %d failed.", sent, failed), nil)
				return nil
			},
		},
		{
			Scope:       "post",
			Action:      "pool",
			Description: "add the draft to the autopost rotation",
			Timeout:     10 * time.Second,
			Handle: func(ctx context.Context, req *Request, _ string) error {
				d, ok := f.takeDraft(req.FromID)
				if !ok {
					_, _ = req.Adapter.SendText(ctx, req.Chat, "No draft to add. Use /post first.", nil)
					return nil
				}
				id, err := f.serv.Store.AppendPost(ctx, storage.PostRecord{
					Text:        d.Text,
					PhotoFileID: d.PhotoFileID,
					Caption:     d.Caption,
					AddedAt:     time.Now(),
				})
				if err != nil {
					return fmt.Errorf("append post: %w", err)
				}
				_, _ = req.Adapter.SendText(ctx, req.Chat, fmt.Sprintf("Added to the rotation pool (entry %d).", id), nil)
				return nil
			},
		},
		{
			Scope:   "post",
			Action:  "cancel",
			Timeout: 5 * time.Second,
			Handle: func(ctx context.Context, req *Request, _ string) error {
				f.takeDraft(req.FromID)
				_, _ = req.Adapter.SendText(ctx, req.Chat, "Draft discarded.", nil)
				return nil
			},
		},
	}
}
