package transport

import "context"

// Update is one incoming chat event. Only text messages are relayed today.
type Update struct {
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	FromName     string
	Text         string
	// Private is true for one-to-one chats with the bot.
	Private bool
}

// Target returns where replies to m should go.
func (m *Message) Target() ChatTarget {
	return ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
}

// DisplayName is the name used to address the sender in a shared chat.
func (m *Message) DisplayName() string {
	switch {
	case m.FromUsername != "":
		return m.FromUsername
	case m.FromName != "":
		return m.FromName
	default:
		return "someone"
	}
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

func (t ChatTarget) IsZero() bool { return t.ChatID == 0 }

type SendOptions struct {
	DisablePreview bool
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
	// IsOperator reports whether user may run privileged commands in chat.
	IsOperator(ctx context.Context, chatID, userID int64) (bool, error)
}

// BotCommand is a single entry of a platform command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
