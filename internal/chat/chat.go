// Package chat defines what the broker needs from a chat platform. The
// Telegram implementation lives in the telegram subpackage.
package chat

import (
	"context"
	"errors"
	"time"
)

// ErrThreadNotFound is returned when a send targets a sub-thread that no
// longer exists, which means the operator deleted it.
var ErrThreadNotFound = errors.New("chat thread not found")

// Button is one tappable action under a message.
type Button struct {
	Label string
	Data  string
}

// Message is an outbound text message. Text is HTML.
type Message struct {
	ThreadID int64
	Text     string
	Buttons  [][]Button
}

// Ref identifies a sent message so it can be edited later.
type Ref struct {
	ThreadID  int64
	MessageID int64
}

// Callback is an operator tap on a Button.
type Callback struct {
	ID        string
	Data      string
	MessageID int64
}

// Update is one inbound item from the long-poll stream. Exactly one of Text
// or Callback is set.
type Update struct {
	ID       int64
	ChatID   string
	ThreadID int64
	Text     string
	Callback *Callback
}

// Platform is the chat client used by the broker.
type Platform interface {
	Send(ctx context.Context, msg Message) (Ref, error)
	Edit(ctx context.Context, ref Ref, text string) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
	// Updates long-polls for at most timeout and returns whatever arrived.
	Updates(ctx context.Context, timeout time.Duration) ([]Update, error)
	CreateThread(ctx context.Context, name string) (int64, error)
	DeleteThread(ctx context.Context, threadID int64) error
	Typing(ctx context.Context, threadID int64) error
}
