// Package telegram implements chat.Platform on the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fakeyudi/afkbridge/internal/chat"
)

const (
	defaultBaseURL = "https://api.telegram.org"
	requestTimeout = 15 * time.Second
)

// APIError is a failed Bot API call.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s (%d): %s", e.Method, e.Code, e.Description)
}

// Options configures a Client.
type Options struct {
	Token   string
	ChatID  string
	BaseURL string
	HTTP    *http.Client
	Logger  *slog.Logger
}

// Client talks to one bot and one chat.
type Client struct {
	token   string
	chatID  any
	baseURL string
	http    *http.Client
	logger  *slog.Logger

	mu     sync.Mutex
	offset int64
}

// New returns a Client.
func New(opts Options) *Client {
	c := &Client{
		token:   opts.Token,
		chatID:  chatRef(opts.ChatID),
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    opts.HTTP,
		logger:  opts.Logger,
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// chatRef sends numeric ids as numbers and anything else (an @channel
// name) as a string.
func chatRef(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

type envelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (c *Client) call(ctx context.Context, method string, body any, out any, timeout time.Duration) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/bot"+c.token+"/"+method, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// The URL carries the token; keep it out of logs.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("telegram %s: decode response (status %d): %w", method, resp.StatusCode, err)
	}
	if !env.OK {
		apiErr := &APIError{
			Method:      method,
			Code:        env.ErrorCode,
			Description: env.Description,
			RetryAfter:  time.Duration(env.Parameters.RetryAfter) * time.Second,
		}
		if threadGone(env.Description) {
			return fmt.Errorf("%w: %w", chat.ErrThreadNotFound, apiErr)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(env.Result, out)
}

func threadGone(desc string) bool {
	d := strings.ToLower(desc)
	return strings.Contains(d, "thread not found") || strings.Contains(d, "topic_deleted") || strings.Contains(d, "topic_id_invalid")
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type replyMarkup struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

func markup(rows [][]chat.Button) *replyMarkup {
	if len(rows) == 0 {
		return nil
	}
	m := &replyMarkup{}
	for _, row := range rows {
		var r []inlineButton
		for _, b := range row {
			r = append(r, inlineButton{Text: b.Label, CallbackData: b.Data})
		}
		m.InlineKeyboard = append(m.InlineKeyboard, r)
	}
	return m
}

type sendMessageRequest struct {
	ChatID         any          `json:"chat_id"`
	ThreadID       int64        `json:"message_thread_id,omitempty"`
	Text           string       `json:"text"`
	ParseMode      string       `json:"parse_mode"`
	DisablePreview bool         `json:"disable_web_page_preview"`
	ReplyMarkup    *replyMarkup `json:"reply_markup,omitempty"`
}

type message struct {
	MessageID int64  `json:"message_id"`
	ThreadID  int64  `json:"message_thread_id"`
	Text      string `json:"text"`
	Chat      struct {
		ID    int64  `json:"id"`
		Type  string `json:"type"`
		Title string `json:"title"`
	} `json:"chat"`
}

func (c *Client) Send(ctx context.Context, msg chat.Message) (chat.Ref, error) {
	var sent message
	err := c.call(ctx, "sendMessage", sendMessageRequest{
		ChatID:         c.chatID,
		ThreadID:       msg.ThreadID,
		Text:           msg.Text,
		ParseMode:      "HTML",
		DisablePreview: true,
		ReplyMarkup:    markup(msg.Buttons),
	}, &sent, requestTimeout)
	if err != nil {
		return chat.Ref{}, err
	}
	return chat.Ref{ThreadID: msg.ThreadID, MessageID: sent.MessageID}, nil
}

func (c *Client) Edit(ctx context.Context, ref chat.Ref, text string) error {
	err := c.call(ctx, "editMessageText", map[string]any{
		"chat_id":                  c.chatID,
		"message_id":               ref.MessageID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}, nil, requestTimeout)
	var apiErr *APIError
	if errors.As(err, &apiErr) && strings.Contains(apiErr.Description, "message is not modified") {
		return nil
	}
	return err
}

func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return c.call(ctx, "answerCallbackQuery", map[string]any{
		"callback_query_id": callbackID,
		"text":              text,
	}, nil, requestTimeout)
}

type update struct {
	UpdateID      int64    `json:"update_id"`
	Message       *message `json:"message"`
	CallbackQuery *struct {
		ID      string   `json:"id"`
		Data    string   `json:"data"`
		Message *message `json:"message"`
	} `json:"callback_query"`
}

// Updates long-polls getUpdates. Each call acknowledges everything returned
// by the previous one.
func (c *Client) Updates(ctx context.Context, timeout time.Duration) ([]chat.Update, error) {
	c.mu.Lock()
	offset := c.offset
	c.mu.Unlock()

	var raw []update
	err := c.call(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         int(timeout / time.Second),
		"allowed_updates": []string{"message", "callback_query"},
	}, &raw, timeout+requestTimeout)
	if err != nil {
		return nil, err
	}

	var out []chat.Update
	for _, u := range raw {
		c.mu.Lock()
		if u.UpdateID >= c.offset {
			c.offset = u.UpdateID + 1
		}
		c.mu.Unlock()

		switch {
		case u.CallbackQuery != nil:
			cb := u.CallbackQuery
			up := chat.Update{ID: u.UpdateID, Callback: &chat.Callback{ID: cb.ID, Data: cb.Data}}
			if cb.Message != nil {
				up.ChatID = strconv.FormatInt(cb.Message.Chat.ID, 10)
				up.ThreadID = cb.Message.ThreadID
				up.Callback.MessageID = cb.Message.MessageID
			}
			out = append(out, up)
		case u.Message != nil && u.Message.Text != "":
			out = append(out, chat.Update{
				ID:       u.UpdateID,
				ChatID:   strconv.FormatInt(u.Message.Chat.ID, 10),
				ThreadID: u.Message.ThreadID,
				Text:     u.Message.Text,
			})
		}
	}
	return out, nil
}

func (c *Client) CreateThread(ctx context.Context, name string) (int64, error) {
	var topic struct {
		ThreadID int64 `json:"message_thread_id"`
	}
	err := c.call(ctx, "createForumTopic", map[string]any{
		"chat_id": c.chatID,
		"name":    truncateName(name),
	}, &topic, requestTimeout)
	if err != nil {
		return 0, err
	}
	return topic.ThreadID, nil
}

// Topic names are limited to 128 characters.
func truncateName(name string) string {
	r := []rune(name)
	if len(r) > 128 {
		return string(r[:128])
	}
	return name
}

func (c *Client) DeleteThread(ctx context.Context, threadID int64) error {
	return c.call(ctx, "deleteForumTopic", map[string]any{
		"chat_id":           c.chatID,
		"message_thread_id": threadID,
	}, nil, requestTimeout)
}

func (c *Client) Typing(ctx context.Context, threadID int64) error {
	body := map[string]any{"chat_id": c.chatID, "action": "typing"}
	if threadID != 0 {
		body["message_thread_id"] = threadID
	}
	return c.call(ctx, "sendChatAction", body, nil, requestTimeout)
}

// Me returns the bot's username, which also proves the token works.
func (c *Client) Me(ctx context.Context) (string, error) {
	var me struct {
		Username string `json:"username"`
	}
	if err := c.call(ctx, "getMe", map[string]any{}, &me, requestTimeout); err != nil {
		return "", err
	}
	return me.Username, nil
}

// Chat describes a chat the bot has seen, for setup.
type Chat struct {
	ID    string
	Title string
	Type  string
}

// RecentChats lists the distinct chats in pending updates without
// acknowledging them.
func (c *Client) RecentChats(ctx context.Context) ([]Chat, error) {
	var raw []update
	if err := c.call(ctx, "getUpdates", map[string]any{"timeout": 0}, &raw, requestTimeout); err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []Chat
	for _, u := range raw {
		if u.Message == nil {
			continue
		}
		id := strconv.FormatInt(u.Message.Chat.ID, 10)
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, Chat{ID: id, Title: u.Message.Chat.Title, Type: u.Message.Chat.Type})
	}
	return out, nil
}

var _ chat.Platform = (*Client)(nil)
