package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gatebot/internal/config"
	"gatebot/internal/report"
	"gatebot/internal/session"
	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
	"gatebot/internal/verify"
	"gatebot/pkg/tgui"
)

const pendingPageSize = 10

// BuildRegistry assembles the operator command surface and its inline
// callbacks. The flow contributes the verification and post-draft callbacks.
func BuildRegistry(flow *Flow) ([]Command, []CallbackRoute) {
	cmds := []Command{
		{
			Route:       "start",
			Description: "what this bot does",
			Access:      AccessEveryone,
			Handle:      handleStart,
		},
		{
			Route:       "channels",
			Description: "list managed channels",
			Usage:       "/channels  (forward a channel post to register one)",
			Access:      AccessOwnerOnly,
			Handle:      handleChannelsList,
		},
		{
			Route:       "channels remove",
			Description: "unregister a channel",
			Usage:       "/channels remove <chatID>",
			Access:      AccessOwnerOnly,
			Handle:      handleChannelsRemove,
		},
		{
			Route:       "channels bulk",
			Description: "toggle bulk approval for a chat",
			Usage:       "/channels bulk <chatID>",
			Access:      AccessOwnerOnly,
			Handle:      handleChannelsBulk,
		},
		{
			Route:       "pending",
			Aliases:     []string{"p"},
			Description: "list pending verifications",
			Access:      AccessOwnerOnly,
			Handle:      handlePending,
		},
		{
			Route:       "approve",
			Description: "approve a pending user",
			Usage:       "/approve <userID>",
			Access:      AccessOwnerOnly,
			Timeout:     15 * time.Second,
			Handle:      handleApprove,
		},
		{
			Route:       "approve all",
			Description: "approve every pending verification",
			Access:      AccessOwnerOnly,
			Handle:      handleApproveAll,
		},
		{
			Route:       "approve bulk",
			Description: "approve user ids from a document",
			Usage:       "/approve bulk <chatID>  (then send the id list as a document)",
			Access:      AccessOwnerOnly,
			Handle:      handleApproveBulk,
		},
		{
			Route:       "block",
			Description: "block a user from joining",
			Usage:       "/block <userID>",
			Access:      AccessOwnerOnly,
			Handle:      handleBlock,
		},
		{
			Route:       "unblock",
			Description: "remove a user from the block list",
			Usage:       "/unblock <userID>",
			Access:      AccessOwnerOnly,
			Handle:      handleUnblock,
		},
		{
			Route:       "blocked",
			Description: "show the block list",
			Access:      AccessOwnerOnly,
			Handle:      handleBlocked,
		},
		{
			Route:       "verify resend",
			Description: "resend a user's verification code",
			Usage:       "/verify resend <userID>",
			Access:      AccessOwnerOnly,
			Handle:      makeVerifyResend(flow),
		},
		{
			Route:       "post",
			Description: "post text or a photo to a channel",
			Access:      AccessOwnerOnly,
			Handle:      handlePost,
		},
		{
			Route:       "autopost status",
			Description: "autopost channels and pool size",
			Access:      AccessOwnerOnly,
			Handle:      handleAutopostStatus,
		},
		{
			Route:       "autopost enable",
			Description: "enable autoposting for a channel",
			Usage:       "/autopost enable <chatID> <interval, e.g. 6h>",
			Access:      AccessOwnerOnly,
			Handle:      handleAutopostEnable,
		},
		{
			Route:       "autopost disable",
			Description: "disable autoposting for a channel",
			Usage:       "/autopost disable <chatID>",
			Access:      AccessOwnerOnly,
			Handle:      handleAutopostDisable,
		},
		{
			Route:       "autopost add",
			Description: "add a text entry to the rotation pool",
			Usage:       "/autopost add <text>  (use /post for photos)",
			Access:      AccessOwnerOnly,
			Handle:      handleAutopostAdd,
		},
		{
			Route:       "report",
			Description: "activity report as CSV",
			Usage:       "/report [chatID]",
			Access:      AccessOwnerOnly,
			Timeout:     30 * time.Second,
			Handle:      handleReport,
		},
		{
			Route:       "stats",
			Description: "verification counters",
			Access:      AccessOwnerOnly,
			Handle:      handleStats,
		},
		{
			Route:       "settings",
			Description: "active configuration summary",
			Access:      AccessOwnerOnly,
			Handle:      handleSettings,
		},
	}

	cbs := append(flow.Callbacks(),
		CallbackRoute{
			Scope:   "pending",
			Action:  "page",
			Timeout: 10 * time.Second,
			Handle:  handlePendingPage,
		},
		CallbackRoute{
			Scope:   "approveall",
			Action:  "yes",
			Timeout: 60 * time.Second,
			Handle:  handleApproveAllYes,
		},
		CallbackRoute{
			Scope:   "approveall",
			Action:  "no",
			Timeout: 5 * time.Second,
			Handle:  handleApproveAllNo,
		},
	)
	return cmds, cbs
}

func argInt64(req *Request, idx int) (int64, error) {
	if idx >= len(req.Args) {
		return 0, errors.New("missing argument")
	}
	v, err := strconv.ParseInt(req.Args[idx], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", req.Args[idx])
	}
	return v, nil
}

func reply(ctx context.Context, req *Request, text string) error {
	_, err := req.Adapter.SendText(ctx, req.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

func usageReply(ctx context.Context, req *Request, usage string) error {
	return reply(ctx, req, "Usage: "+usage)
}

func handleStart(ctx context.Context, req *Request) error {
	b := tgui.New().
		Title("🛂", "Join gatekeeper").
		Line("I verify join requests for the channels I guard.").
		Line("Request to join a protected chat and I will send you a code here.")
	if req.Services.Verify.HasPending(req.FromID) {
		b.Blank().Line("You have a pending verification. Reply with your code.")
		req.Services.Sessions.Set(req.FromID, session.State{Mode: session.ModeAwaitingCode})
	}
	msg := b.Build()
	_, err := msg.Send(ctx, req.Adapter, req.Chat)
	return err
}

func handleChannelsList(ctx context.Context, req *Request) error {
	chans := req.Services.Channels.List()
	b := tgui.New().Title("📡", "Managed channels")
	if len(chans) == 0 {
		b.Line("None yet. Forward any post from a channel to register it.")
	}
	for _, c := range chans {
		knobs := []string{}
		if c.BulkApprove {
			knobs = append(knobs, "bulk")
		}
		if c.AutopostEvery > 0 {
			knobs = append(knobs, "autopost "+c.AutopostEvery.String())
		}
		extra := ""
		if len(knobs) > 0 {
			extra = " [" + strings.Join(knobs, ", ") + "]"
		}
		b.Line(fmt.Sprintf("%d — %s%s", c.ChatID, c.Title, extra))
	}
	msg := b.Build()
	_, err := msg.Send(ctx, req.Adapter, req.Chat)
	return err
}

func handleChannelsRemove(ctx context.Context, req *Request) error {
	id, err := argInt64(req, 0)
	if err != nil {
		return usageReply(ctx, req, "/channels remove <chatID>")
	}
	if !req.Services.Channels.Remove(ctx, id) {
		return reply(ctx, req, "Unknown channel id.")
	}
	req.Services.Autopost.Sync()
	return reply(ctx, req, "Channel removed.")
}

func handleChannelsBulk(ctx context.Context, req *Request) error {
	id, err := argInt64(req, 0)
	if err != nil {
		return usageReply(ctx, req, "/channels bulk <chatID>")
	}
	on, ok := req.Services.Channels.ToggleBulk(ctx, id)
	if !ok {
		return reply(ctx, req, "Unknown channel id.")
	}
	if on {
		return reply(ctx, req, "Bulk approval enabled: join requests are approved without verification.")
	}
	return reply(ctx, req, "Bulk approval disabled.")
}

func renderPending(req *Request, page int) tgui.Message {
	ttl, _ := config.ParseDurationOrDefault("verification.code_ttl", req.Config.Verification.CodeTTL, 5*time.Minute)
	items := req.Services.Verify.Pending()
	sub, page, size, _, _, hasPrev, hasNext := tgui.PaginateSlice(items, page, pendingPageSize)

	b := tgui.New().Title("⏳", "Pending verifications")
	if len(items) == 0 {
		b.Line("None.")
	}
	for _, v := range sub {
		left := time.Until(v.IssuedAt.Add(ttl)).Round(time.Second)
		state := left.String() + " left"
		if left <= 0 {
			state = "expired"
		}
		b.Line(fmt.Sprintf("%d — %s (%d/%d attempts, %s)", v.UserID, v.ChatName, v.Attempts, v.MaxAttempts, state))
	}
	if len(items) > size {
		b.Blank().Line(tgui.PageLabel(page, size, len(items)))
		kb := tgui.NewInline()
		prev := tgui.Btn("◀️", tgui.Data("pending", "page", strconv.Itoa(page-1)))
		next := tgui.Btn("▶️", tgui.Data("pending", "page", strconv.Itoa(page+1)))
		switch {
		case hasPrev && hasNext:
			kb.Row(prev, next)
		case hasPrev:
			kb.Row(prev)
		case hasNext:
			kb.Row(next)
		}
		b.Inline(kb)
	}
	return b.Build()
}

func handlePending(ctx context.Context, req *Request) error {
	msg := renderPending(req, 0)
	_, err := msg.Send(ctx, req.Adapter, req.Chat)
	return err
}

func handlePendingPage(ctx context.Context, req *Request, payload string) error {
	if !isOwner(req.FromID, req.OwnerUserID) {
		return nil
	}
	page, err := strconv.Atoi(payload)
	if err != nil {
		return fmt.Errorf("bad page %q: %w", payload, err)
	}
	cb := req.Update.Callback
	if cb == nil {
		return nil
	}
	msg := renderPending(req, page)
	ref := kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
	return msg.Edit(ctx, req.Adapter, ref, req.Chat)
}

func handleApprove(ctx context.Context, req *Request) error {
	id, err := argInt64(req, 0)
	if err != nil {
		return usageReply(ctx, req, "/approve <userID> | /approve all | /approve bulk <chatID>")
	}
	v, err := req.Services.Verify.ForceApprove(ctx, id)
	if err != nil {
		if errors.Is(err, verify.ErrBlocked) {
			return reply(ctx, req, "That user is blocked. /unblock them first.")
		}
		if errors.Is(err, verify.ErrNoVerification) {
			return reply(ctx, req, "No pending verification for that user.")
		}
		_ = reply(ctx, req, "Approval failed: "+err.Error())
		return err
	}
	return reply(ctx, req, fmt.Sprintf("Approved %d for %s.", v.UserID, v.ChatName))
}

func handleApproveAll(ctx context.Context, req *Request) error {
	n := len(req.Services.Verify.Pending())
	if n == 0 {
		return reply(ctx, req, "Nothing pending.")
	}
	kb := tgui.ConfirmInline(
		tgui.Btn("✅ Approve all", tgui.Data("approveall", "yes", "")),
		tgui.Btn("✖️ Cancel", tgui.Data("approveall", "no", "")),
	)
	msg := tgui.New().
		Inline(kb).
		Title("⚠️", "Approve all pending?").
		Line(fmt.Sprintf("%d verification(s) will be approved without a code.", n)).
		Build()
	_, err := msg.Send(ctx, req.Adapter, req.Chat)
	return err
}

func handleApproveAllYes(ctx context.Context, req *Request, _ string) error {
	if !isOwner(req.FromID, req.OwnerUserID) {
		return nil
	}
	approved, failed := req.Services.Verify.ApproveAllPending(ctx)
	return editCallbackMessage(ctx, req, fmt.Sprintf("Approved %d, failed %d.", approved, failed))
}

func handleApproveAllNo(ctx context.Context, req *Request, _ string) error {
	if !isOwner(req.FromID, req.OwnerUserID) {
		return nil
	}
	return editCallbackMessage(ctx, req, "Cancelled.")
}

func editCallbackMessage(ctx context.Context, req *Request, text string) error {
	cb := req.Update.Callback
	if cb == nil {
		return reply(ctx, req, text)
	}
	ref := kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
	return req.Adapter.EditText(ctx, ref, text, nil)
}

func handleApproveBulk(ctx context.Context, req *Request) error {
	id, err := argInt64(req, 0)
	if err != nil {
		return usageReply(ctx, req, "/approve bulk <chatID>")
	}
	req.Services.Sessions.Set(req.FromID, session.State{Mode: session.ModeAwaitingBulkFile, ChatID: id})
	return reply(ctx, req, "Send the user id list as a document: one id per line, \"id,name\" rows also work.")
}

func handleBlock(ctx context.Context, req *Request) error {
	id, err := argInt64(req, 0)
	if err != nil {
		return usageReply(ctx, req, "/block <userID>")
	}
	if err := req.Services.Verify.Block(ctx, id); err != nil {
		return err
	}
	return reply(ctx, req, fmt.Sprintf("Blocked %d.", id))
}

func handleUnblock(ctx context.Context, req *Request) error {
	id, err := argInt64(req, 0)
	if err != nil {
		return usageReply(ctx, req, "/unblock <userID>")
	}
	ok, err := req.Services.Verify.Unblock(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return reply(ctx, req, "That user is not blocked.")
	}
	return reply(ctx, req, fmt.Sprintf("Unblocked %d.", id))
}

func handleBlocked(ctx context.Context, req *Request) error {
	ids := req.Services.Verify.BlockedIDs()
	if len(ids) == 0 {
		return reply(ctx, req, "Block list is empty.")
	}
	b := tgui.New().Title("🚫", fmt.Sprintf("Blocked users (%d)", len(ids)))
	for _, id := range ids {
		b.Line(strconv.FormatInt(id, 10))
	}
	msg := b.Build()
	_, err := msg.Send(ctx, req.Adapter, req.Chat)
	return err
}

func makeVerifyResend(flow *Flow) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		id, err := argInt64(req, 0)
		if err != nil {
			return usageReply(ctx, req, "/verify resend <userID>")
		}
		v, err := req.Services.Verify.Resend(ctx, id)
		if err != nil {
			if errors.Is(err, verify.ErrBlocked) {
				return reply(ctx, req, "That user is blocked.")
			}
			if errors.Is(err, verify.ErrNoVerification) {
				return reply(ctx, req, "No pending verification for that user.")
			}
			return err
		}
		flow.sendCodePrompt(ctx, id, v, true)
		return reply(ctx, req, fmt.Sprintf("New code sent to %d.", id))
	}
}

func handlePost(ctx context.Context, req *Request) error {
	if len(req.Services.Channels.List()) == 0 {
		return reply(ctx, req, "No channels registered. Forward a channel post to me first.")
	}
	req.Services.Sessions.Set(req.FromID, session.State{Mode: session.ModeAwaitingPost})
	return reply(ctx, req, "Send me the post: plain text or a photo with a caption.")
}

func handleAutopostStatus(ctx context.Context, req *Request) error {
	posts, err := req.Services.Store.ListPosts(ctx)
	if err != nil && !errors.Is(err, storage.ErrDisabled) {
		return err
	}
	b := tgui.New().Title("🔄", "Autopost").
		KV("pool entries", strconv.Itoa(len(posts)))
	any := false
	for _, c := range req.Services.Channels.List() {
		if c.AutopostEvery <= 0 {
			continue
		}
		any = true
		b.Line(fmt.Sprintf("%d — %s every %s", c.ChatID, c.Title, c.AutopostEvery))
	}
	if !any {
		b.Line("No channel has autoposting enabled.")
	}
	msg := b.Build()
	_, err = msg.Send(ctx, req.Adapter, req.Chat)
	return err
}

func handleAutopostEnable(ctx context.Context, req *Request) error {
	id, err := argInt64(req, 0)
	if err != nil || len(req.Args) < 2 {
		return usageReply(ctx, req, "/autopost enable <chatID> <interval, e.g. 6h>")
	}
	every, err := time.ParseDuration(req.Args[1])
	if err != nil || every < time.Minute {
		return reply(ctx, req, "Interval must be a duration of at least 1m, e.g. 30m, 6h.")
	}
	if !req.Services.Channels.SetAutopost(ctx, id, every) {
		return reply(ctx, req, "Unknown channel id.")
	}
	req.Services.Autopost.Sync()
	return reply(ctx, req, fmt.Sprintf("Autoposting every %s enabled.", every))
}

func handleAutopostDisable(ctx context.Context, req *Request) error {
	id, err := argInt64(req, 0)
	if err != nil {
		return usageReply(ctx, req, "/autopost disable <chatID>")
	}
	if !req.Services.Channels.SetAutopost(ctx, id, 0) {
		return reply(ctx, req, "Unknown channel id.")
	}
	req.Services.Autopost.Sync()
	return reply(ctx, req, "Autoposting disabled.")
}

func handleAutopostAdd(ctx context.Context, req *Request) error {
	text := strings.TrimSpace(strings.Join(req.RawArgs, " "))
	if text == "" {
		return usageReply(ctx, req, "/autopost add <text>")
	}
	id, err := req.Services.Store.AppendPost(ctx, storage.PostRecord{Text: text, AddedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("append post: %w", err)
	}
	return reply(ctx, req, fmt.Sprintf("Added to the rotation pool (entry %d).", id))
}

func handleReport(ctx context.Context, req *Request) error {
	var chatID int64
	if len(req.Args) > 0 {
		id, err := argInt64(req, 0)
		if err != nil {
			return usageReply(ctx, req, "/report [chatID]")
		}
		chatID = id
	}
	now := time.Now()
	since := now.Add(-req.Services.Reports.Window())
	csvData, rows, err := req.Services.Reports.BuildCSV(ctx, chatID, since)
	if err != nil {
		return err
	}
	if rows == 0 {
		return reply(ctx, req, "No activity in the report window.")
	}
	caption := fmt.Sprintf("%d event(s) since %s", rows, since.UTC().Format("2006-01-02"))
	_, err = req.Adapter.SendDocument(ctx, req.Chat, report.FileName(now), csvData, caption)
	return err
}

func handleStats(ctx context.Context, req *Request) error {
	st := req.Services.Verify.Stats()
	b := tgui.New().Title("📊", "Verification stats").
		KV("pending", strconv.Itoa(st.Pending)).
		KV("blocked", strconv.Itoa(st.Blocked)).
		KV("verified users", strconv.Itoa(st.VerifiedUsers)).
		KV("approved", strconv.FormatUint(st.Approved, 10)).
		KV("bulk approved", strconv.FormatUint(st.BulkApproved, 10)).
		KV("rejected", strconv.FormatUint(st.Rejected, 10)).
		KV("expired", strconv.FormatUint(st.Expired, 10)).
		KV("blocked total", strconv.FormatUint(st.BlockedTotal, 10))

	if req.Services.Sched != nil {
		snap := req.Services.Sched.Snapshot()
		b.Blank().Section("Scheduler")
		b.KV("enabled", strconv.FormatBool(snap.Enabled)).
			KV("jobs", strconv.Itoa(len(snap.Schedules))).
			KV("queue", strconv.Itoa(snap.QueueLen))
	}

	driver := "memory"
	if req.Config.Storage != nil && strings.TrimSpace(req.Config.Storage.Driver) != "" {
		driver = req.Config.Storage.Driver
	}
	b.Blank().Section("Storage").KV("driver", driver)

	msg := b.Build()
	_, err := msg.Send(ctx, req.Adapter, req.Chat)
	return err
}

func handleSettings(ctx context.Context, req *Request) error {
	cfg := req.Config
	ttl, _ := config.ParseDurationOrDefault("verification.code_ttl", cfg.Verification.CodeTTL, 5*time.Minute)
	sweep, _ := config.ParseDurationOrDefault("verification.sweep_interval", cfg.Verification.SweepInterval, time.Minute)
	attempts := cfg.Verification.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	driver := "memory"
	if cfg.Storage != nil && strings.TrimSpace(cfg.Storage.Driver) != "" {
		driver = cfg.Storage.Driver
	}

	b := tgui.New().Title("⚙️", "Settings").
		Section("Verification").
		KV("code ttl", ttl.String()).
		KV("max attempts", strconv.Itoa(attempts)).
		KV("sweep interval", sweep.String()).
		Blank().
		Section("System").
		KV("storage", driver).
		KV("owners", strconv.Itoa(len(cfg.Telegram.OwnerUserIDs))).
		KV("channels", strconv.Itoa(len(req.Services.Channels.List()))).
		KV("scheduler", strconv.FormatBool(cfg.Scheduler.Enabled)).
		KV("report window", req.Services.Reports.Window().String())

	msg := b.Build()
	_, err := msg.Send(ctx, req.Adapter, req.Chat)
	return err
}
