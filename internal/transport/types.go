package transport

import "context"

// ChatTarget addresses one delivery channel (a chat, optionally a forum thread).
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
	ParseMode      string
	DisablePreview bool
}

// Notification is one line handed to the delivery pipeline.
type Notification struct {
	Channel string // feed name; also scopes dedup
	Target  ChatTarget
	Text    string
	Options *SendOptions
}

// Sender delivers text to a chat. Implementations must be safe for concurrent use.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Adapter is a Sender with a lifecycle.
type Adapter interface {
	Sender
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
