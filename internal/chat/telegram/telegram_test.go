package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fakeyudi/afkbridge/internal/chat"
	"github.com/fakeyudi/afkbridge/internal/logging"
)

// fakeAPI answers Bot API calls from a per-method table and records the
// request bodies.
type fakeAPI struct {
	mu       sync.Mutex
	replies  map[string]string
	requests map[string][]map[string]any
}

func newFakeAPI(t *testing.T) (*fakeAPI, *Client) {
	return newFakeAPIFor(t, "-1001")
}

func newFakeAPIFor(t *testing.T, chatID string) (*fakeAPI, *Client) {
	t.Helper()
	api := &fakeAPI{replies: map[string]string{}, requests: map[string][]map[string]any{}}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	c := New(Options{Token: "123:abc", ChatID: chatID, BaseURL: srv.URL, Logger: logging.Discard()})
	return api, c
}

func (a *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	if !strings.HasPrefix(r.URL.Path, "/bot123:abc/") {
		http.Error(w, "bad token", http.StatusUnauthorized)
		return
	}
	data, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(data, &body)

	a.mu.Lock()
	a.requests[method] = append(a.requests[method], body)
	reply, ok := a.replies[method]
	a.mu.Unlock()
	if !ok {
		reply = `{"ok":true,"result":true}`
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, reply)
}

func (a *fakeAPI) set(method, reply string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.replies[method] = reply
}

func (a *fakeAPI) last(t *testing.T, method string) map[string]any {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	reqs := a.requests[method]
	require.NotEmpty(t, reqs, "no %s call", method)
	return reqs[len(reqs)-1]
}

func TestSendWithButtons(t *testing.T) {
	api, c := newFakeAPI(t)
	api.set("sendMessage", `{"ok":true,"result":{"message_id":77,"message_thread_id":9}}`)

	ref, err := c.Send(context.Background(), chat.Message{
		ThreadID: 9,
		Text:     "<b>hi</b>",
		Buttons:  [][]chat.Button{{{Label: "Approve", Data: "allow:e1"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, chat.Ref{ThreadID: 9, MessageID: 77}, ref)

	body := api.last(t, "sendMessage")
	assert.Equal(t, float64(-1001), body["chat_id"])
	assert.Equal(t, float64(9), body["message_thread_id"])
	assert.Equal(t, "HTML", body["parse_mode"])
	kb := body["reply_markup"].(map[string]any)["inline_keyboard"].([]any)
	btn := kb[0].([]any)[0].(map[string]any)
	assert.Equal(t, "allow:e1", btn["callback_data"])
}

func TestSendMainChatOmitsThread(t *testing.T) {
	api, c := newFakeAPI(t)
	api.set("sendMessage", `{"ok":true,"result":{"message_id":1}}`)
	_, err := c.Send(context.Background(), chat.Message{Text: "hello"})
	require.NoError(t, err)

	body := api.last(t, "sendMessage")
	assert.NotContains(t, body, "message_thread_id")
	assert.NotContains(t, body, "reply_markup")
}

func TestThreadNotFound(t *testing.T) {
	api, c := newFakeAPI(t)
	api.set("sendMessage", `{"ok":false,"error_code":400,"description":"Bad Request: message thread not found"}`)

	_, err := c.Send(context.Background(), chat.Message{ThreadID: 5, Text: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, chat.ErrThreadNotFound))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 400, apiErr.Code)
}

func TestAPIErrorRetryAfter(t *testing.T) {
	api, c := newFakeAPI(t)
	api.set("sendMessage", `{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":7}}`)

	_, err := c.Send(context.Background(), chat.Message{Text: "x"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 7*time.Second, apiErr.RetryAfter)
	assert.False(t, errors.Is(err, chat.ErrThreadNotFound))
	assert.NotContains(t, err.Error(), "123:abc")
}

func TestEditIgnoresNotModified(t *testing.T) {
	api, c := newFakeAPI(t)
	api.set("editMessageText", `{"ok":false,"error_code":400,"description":"Bad Request: message is not modified"}`)
	assert.NoError(t, c.Edit(context.Background(), chat.Ref{MessageID: 3}, "same"))
}

func TestUpdatesAdvanceOffset(t *testing.T) {
	api, c := newFakeAPI(t)
	api.set("getUpdates", `{"ok":true,"result":[
		{"update_id":10,"message":{"message_id":1,"message_thread_id":4,"chat":{"id":-1001},"text":"S1: go"}},
		{"update_id":11,"callback_query":{"id":"cb","data":"allow:e1","message":{"message_id":55,"message_thread_id":4,"chat":{"id":-1001}}}},
		{"update_id":12,"message":{"message_id":2,"chat":{"id":-1001}}}
	]}`)

	got, err := c.Updates(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, chat.Update{ID: 10, ChatID: "-1001", ThreadID: 4, Text: "S1: go"}, got[0])
	require.NotNil(t, got[1].Callback)
	assert.Equal(t, chat.Callback{ID: "cb", Data: "allow:e1", MessageID: 55}, *got[1].Callback)
	assert.Equal(t, "-1001", got[1].ChatID)

	api.set("getUpdates", `{"ok":true,"result":[]}`)
	_, err = c.Updates(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, float64(13), api.last(t, "getUpdates")["offset"])
}

func TestCreateAndDeleteThread(t *testing.T) {
	api, c := newFakeAPI(t)
	api.set("createForumTopic", `{"ok":true,"result":{"message_thread_id":321,"name":"S1 api"}}`)

	id, err := c.CreateThread(context.Background(), "S1 "+strings.Repeat("n", 200))
	require.NoError(t, err)
	assert.Equal(t, int64(321), id)
	assert.Len(t, []rune(api.last(t, "createForumTopic")["name"].(string)), 128)

	require.NoError(t, c.DeleteThread(context.Background(), 321))
	assert.Equal(t, float64(321), api.last(t, "deleteForumTopic")["message_thread_id"])
}

func TestTypingAndCallbackAnswer(t *testing.T) {
	api, c := newFakeAPI(t)
	require.NoError(t, c.Typing(context.Background(), 0))
	assert.NotContains(t, api.last(t, "sendChatAction"), "message_thread_id")
	assert.Equal(t, "typing", api.last(t, "sendChatAction")["action"])

	require.NoError(t, c.AnswerCallback(context.Background(), "cb1", "Approved"))
	assert.Equal(t, "cb1", api.last(t, "answerCallbackQuery")["callback_query_id"])
}

func TestMeAndRecentChats(t *testing.T) {
	api, c := newFakeAPI(t)
	api.set("getMe", `{"ok":true,"result":{"id":1,"is_bot":true,"username":"afk_bot"}}`)
	api.set("getUpdates", `{"ok":true,"result":[
		{"update_id":1,"message":{"message_id":1,"chat":{"id":-1001,"type":"supergroup","title":"Agents"},"text":"hi"}},
		{"update_id":2,"message":{"message_id":2,"chat":{"id":-1001,"type":"supergroup","title":"Agents"},"text":"again"}}
	]}`)

	name, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "afk_bot", name)

	chats, err := c.RecentChats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Chat{{ID: "-1001", Title: "Agents", Type: "supergroup"}}, chats)
}

func TestStringChatID(t *testing.T) {
	api, c := newFakeAPIFor(t, "@afk_channel")
	api.set("sendMessage", `{"ok":true,"result":{"message_id":1}}`)
	_, err := c.Send(context.Background(), chat.Message{Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, "@afk_channel", api.last(t, "sendMessage")["chat_id"])
}
