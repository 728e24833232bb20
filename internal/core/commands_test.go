package core

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"gatebot/internal/config"
	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

type sentMsg struct {
	Chat kit.ChatTarget
	Text string
}

// fakeAdapter records outbound traffic; join gate calls can be made to fail.
type fakeAdapter struct {
	mu        sync.Mutex
	texts     []sentMsg
	photos    []sentMsg
	documents []sentMsg
	edits     []sentMsg
	answered  []string
	approved  [][2]int64 // chatID, userID
	declined  [][2]int64

	approveErr error
	files      map[string][]byte
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{files: map[string][]byte{}}
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, sentMsg{Chat: to, Text: text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.texts)}, nil
}

func (f *fakeAdapter) SendPhoto(_ context.Context, to kit.ChatTarget, fileID, caption string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.photos = append(f.photos, sentMsg{Chat: to, Text: fileID + "|" + caption})
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeAdapter) SendDocument(_ context.Context, to kit.ChatTarget, name string, _ []byte, caption string) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.documents = append(f.documents, sentMsg{Chat: to, Text: name + "|" + caption})
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeAdapter) EditText(_ context.Context, ref kit.MessageRef, text string, _ *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, sentMsg{Chat: kit.ChatTarget{ChatID: ref.ChatID}, Text: text})
	return nil
}

func (f *fakeAdapter) AnswerCallback(_ context.Context, id string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, id)
	return nil
}

func (f *fakeAdapter) ApproveJoinRequest(_ context.Context, chatID, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.approveErr != nil {
		return f.approveErr
	}
	f.approved = append(f.approved, [2]int64{chatID, userID})
	return nil
}

func (f *fakeAdapter) DeclineJoinRequest(_ context.Context, chatID, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declined = append(f.declined, [2]int64{chatID, userID})
	return nil
}

func (f *fakeAdapter) UserProfile(_ context.Context, userID int64) (kit.UserProfile, error) {
	return kit.UserProfile{UserID: userID}, nil
}

func (f *fakeAdapter) DownloadFile(_ context.Context, fileID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files[fileID], nil
}

func (f *fakeAdapter) sentTexts() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.texts...)
}

func (f *fakeAdapter) hasText(substr string) bool {
	for _, s := range f.sentTexts() {
		if strings.Contains(s.Text, substr) {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func testManager(t *testing.T, fa *fakeAdapter, owners []int64) (*CommandManager, chan kit.Update, context.CancelFunc) {
	t.Helper()
	cfgm := config.NewConfigManager("")
	cfgm.Commit(&config.Config{})
	cm := NewCommandManager(logx.Nop(), fa, cfgm, &Services{}, owners)

	updates := make(chan kit.Update, 16)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = cm.DispatchLoop(ctx, updates) }()
	t.Cleanup(cancel)
	return cm, updates, cancel
}

func msgUpdate(chatID, fromID int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: chatID, FromID: fromID, Text: text}}
}

func TestRouteCommandWithArgsAndFlags(t *testing.T) {
	t.Parallel()

	fa := newFakeAdapter()
	cm, updates, _ := testManager(t, fa, nil)

	var (
		mu  sync.Mutex
		got *Request
	)
	cm.SetRegistry([]Command{{
		Route: "ping",
		Handle: func(_ context.Context, req *Request) error {
			mu.Lock()
			got = req
			mu.Unlock()
			return nil
		},
	}}, nil)

	updates <- msgUpdate(10, 20, `/ping hello "a b" --k=v --force`)
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return got != nil })

	mu.Lock()
	defer mu.Unlock()
	if got.Args[0] != "hello" || got.Args[1] != "a b" {
		t.Fatalf("args = %v", got.Args)
	}
	if got.Flags["k"] != "v" || !got.BoolFlags["force"] {
		t.Fatalf("flags = %v bools = %v", got.Flags, got.BoolFlags)
	}
	if got.ReqID == "" {
		t.Fatal("missing request id")
	}
}

func TestRouteUnknownCommand(t *testing.T) {
	t.Parallel()

	fa := newFakeAdapter()
	cm, updates, _ := testManager(t, fa, nil)
	cm.SetRegistry(nil, nil)

	updates <- msgUpdate(10, 20, "/nope")
	waitFor(t, func() bool { return fa.hasText("unknown command") })
}

func TestOwnerOnlyCommandRejectsStrangers(t *testing.T) {
	t.Parallel()

	fa := newFakeAdapter()
	cm, updates, _ := testManager(t, fa, []int64{42})

	called := make(chan struct{}, 1)
	cm.SetRegistry([]Command{{
		Route:  "secret",
		Access: AccessOwnerOnly,
		Handle: func(context.Context, *Request) error {
			called <- struct{}{}
			return nil
		},
	}}, nil)

	updates <- msgUpdate(10, 20, "/secret")
	waitFor(t, func() bool { return fa.hasText("unauthorized") })

	updates <- msgUpdate(10, 42, "/secret")
	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("owner was not allowed through")
	}
}

func TestContainerNodeShowsHelp(t *testing.T) {
	t.Parallel()

	fa := newFakeAdapter()
	cm, updates, _ := testManager(t, fa, nil)
	cm.SetRegistry([]Command{{
		Route:       "channels remove",
		Description: "unregister a channel",
		Handle:      func(context.Context, *Request) error { return nil },
	}}, nil)

	updates <- msgUpdate(10, 20, "/channels")
	waitFor(t, func() bool { return fa.hasText("subcommands") })
}

func TestAutoAliasForMultiTokenRoute(t *testing.T) {
	t.Parallel()

	fa := newFakeAdapter()
	cm, updates, _ := testManager(t, fa, nil)

	called := make(chan struct{}, 1)
	cm.SetRegistry([]Command{{
		Route: "autopost status",
		Handle: func(context.Context, *Request) error {
			called <- struct{}{}
			return nil
		},
	}}, nil)

	updates <- msgUpdate(10, 20, "/autopost_status")
	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("auto alias did not route")
	}
}

func TestRouteCallback(t *testing.T) {
	t.Parallel()

	fa := newFakeAdapter()
	cm, updates, _ := testManager(t, fa, nil)

	var (
		mu      sync.Mutex
		payload string
	)
	cm.SetRegistry(nil, []CallbackRoute{{
		Scope:  "pick",
		Action: "go",
		Handle: func(_ context.Context, _ *Request, p string) error {
			mu.Lock()
			payload = p
			mu.Unlock()
			return nil
		},
	}})

	updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb1", FromID: 20, ChatID: 10, Data: "pick:go:42"}}
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return payload == "42" })

	// callback is answered best-effort after the handler
	waitFor(t, func() bool {
		fa.mu.Lock()
		defer fa.mu.Unlock()
		return len(fa.answered) == 1 && fa.answered[0] == "cb1"
	})
}

func TestMenuCommandsListsRoots(t *testing.T) {
	t.Parallel()

	fa := newFakeAdapter()
	cfgm := config.NewConfigManager("")
	cfgm.Commit(&config.Config{})
	cm := NewCommandManager(logx.Nop(), fa, cfgm, &Services{}, nil)
	cm.SetRegistry([]Command{
		{Route: "pending", Description: "list pending", Handle: func(context.Context, *Request) error { return nil }},
		{Route: "channels remove", Handle: func(context.Context, *Request) error { return nil }},
	}, nil)

	cmds := cm.MenuCommands()
	names := map[string]bool{}
	for _, c := range cmds {
		names[c.Command] = true
	}
	if !names["pending"] || !names["channels"] || !names["help"] {
		t.Fatalf("menu = %v", cmds)
	}
}
