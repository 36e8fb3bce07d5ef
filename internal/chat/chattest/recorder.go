// Package chattest provides an in-memory chat.Platform for tests.
package chattest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/fakeyudi/afkbridge/internal/chat"
)

// Sent is a message the recorder accepted.
type Sent struct {
	chat.Message
	Ref chat.Ref
}

// Edit is a recorded message edit.
type Edit struct {
	Ref  chat.Ref
	Text string
}

// Recorder records every call. The zero value is not usable; call New.
type Recorder struct {
	mu sync.Mutex

	Sent      []Sent
	Edits     []Edit
	Answers   map[string]string
	Created   []int64
	Deleted   []int64
	Typings   []int64
	queue     [][]chat.Update
	missing   map[int64]bool
	failSends []error
	nextMsg   int64
	nextTopic int64
}

// New returns an empty Recorder.
func New() *Recorder {
	return &Recorder{
		Answers:   map[string]string{},
		missing:   map[int64]bool{},
		nextMsg:   100,
		nextTopic: 500,
	}
}

// RemoveThread makes later sends to threadID fail with chat.ErrThreadNotFound.
func (r *Recorder) RemoveThread(threadID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.missing[threadID] = true
}

// Push queues updates for the next Updates call.
func (r *Recorder) Push(updates ...chat.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = append(r.queue, updates)
}

// FailSends makes the next len(errs) sends fail with errs, in order. Failed
// sends are not recorded.
func (r *Recorder) FailSends(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failSends = append(r.failSends, errs...)
}

func (r *Recorder) Send(_ context.Context, msg chat.Message) (chat.Ref, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.missing[msg.ThreadID] {
		return chat.Ref{}, chat.ErrThreadNotFound
	}
	if len(r.failSends) > 0 {
		err := r.failSends[0]
		r.failSends = r.failSends[1:]
		return chat.Ref{}, err
	}
	r.nextMsg++
	ref := chat.Ref{ThreadID: msg.ThreadID, MessageID: r.nextMsg}
	r.Sent = append(r.Sent, Sent{Message: msg, Ref: ref})
	return ref, nil
}

func (r *Recorder) Edit(_ context.Context, ref chat.Ref, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Edits = append(r.Edits, Edit{Ref: ref, Text: text})
	return nil
}

func (r *Recorder) AnswerCallback(_ context.Context, id, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Answers[id] = text
	return nil
}

func (r *Recorder) Updates(ctx context.Context, timeout time.Duration) ([]chat.Update, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		next := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return next, nil
	}
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(min(timeout, 10*time.Millisecond)):
		return nil, nil
	}
}

func (r *Recorder) CreateThread(_ context.Context, name string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextTopic++
	r.Created = append(r.Created, r.nextTopic)
	return r.nextTopic, nil
}

func (r *Recorder) DeleteThread(_ context.Context, threadID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Deleted = append(r.Deleted, threadID)
	r.missing[threadID] = true
	return nil
}

func (r *Recorder) Typing(_ context.Context, threadID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Typings = append(r.Typings, threadID)
	return nil
}

// Messages returns a copy of everything sent so far.
func (r *Recorder) Messages() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.Sent...)
}

// Containing returns the sent messages whose text contains substr.
func (r *Recorder) Containing(substr string) []Sent {
	var out []Sent
	for _, s := range r.Messages() {
		if strings.Contains(s.Text, substr) {
			out = append(out, s)
		}
	}
	return out
}

// EditsOf returns the edits applied to message id.
func (r *Recorder) EditsOf(messageID int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.Edits {
		if e.Ref.MessageID == messageID {
			out = append(out, e.Text)
		}
	}
	return out
}

var _ chat.Platform = (*Recorder)(nil)
