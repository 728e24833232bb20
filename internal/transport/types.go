package transport

import "context"

type UpdateKind string

const (
	UpdateMessage     UpdateKind = "message"
	UpdateCallback    UpdateKind = "callback"
	UpdateJoinRequest UpdateKind = "join_request"
)

type Update struct {
	Kind        UpdateKind
	Message     *Message
	Callback    *Callback
	JoinRequest *JoinRequest
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	Caption      string
	IsGroup      bool

	// Attachment file ids (empty when the message carries none).
	PhotoFileID string
	DocFileID   string
	DocFileName string

	// Forward origin, set when the message was forwarded from a channel.
	OriginChatID    int64
	OriginChatTitle string
	OriginUsername  string
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
}

// JoinRequest is a pending request to join a chat, carried with the
// requester's profile as reported by the platform.
type JoinRequest struct {
	ChatID    int64
	ChatTitle string
	User      UserProfile
}

type UserProfile struct {
	UserID    int64
	FirstName string
	LastName  string
	Username  string
	IsBot     bool
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

type Notification struct {
	Channel  string // "telegram" now
	Priority int    // 0 low.. 10 high
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendPhoto(ctx context.Context, to ChatTarget, fileID, caption string, opt *SendOptions) (MessageRef, error)
	SendDocument(ctx context.Context, to ChatTarget, name string, data []byte, caption string) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error

	ApproveJoinRequest(ctx context.Context, chatID, userID int64) error
	DeclineJoinRequest(ctx context.Context, chatID, userID int64) error
	UserProfile(ctx context.Context, userID int64) (UserProfile, error)
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
