package setup

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fakeyudi/afkbridge/internal/chat/telegram"
	"github.com/fakeyudi/afkbridge/internal/config"
)

type fakeBot struct {
	token string
	chats []telegram.Chat
	meErr error
}

func (b *fakeBot) Me(context.Context) (string, error) { return "afk_bot", b.meErr }

func (b *fakeBot) RecentChats(context.Context) ([]telegram.Chat, error) { return b.chats, nil }

func run(t *testing.T, input string, existing config.Config, bot *fakeBot) (config.Config, string, error) {
	t.Helper()
	var out bytes.Buffer
	w := &Wizard{
		In:  strings.NewReader(input),
		Out: &out,
		Connect: func(token string) Bot {
			bot.token = token
			return bot
		},
	}
	cfg, err := w.Run(context.Background(), existing)
	return cfg, out.String(), err
}

func TestSingleGroupPickedAutomatically(t *testing.T) {
	bot := &fakeBot{chats: []telegram.Chat{
		{ID: "7", Type: "private", Title: ""},
		{ID: "-100", Type: "supergroup", Title: "Agents"},
	}}
	cfg, out, err := run(t, "123:abc\n\n\n\n", config.Defaults(), bot)
	require.NoError(t, err)
	assert.Equal(t, "123:abc", bot.token)
	assert.Equal(t, "123:abc", cfg.BotToken)
	assert.Equal(t, "-100", cfg.ChatID)
	assert.True(t, cfg.UseTopics)
	assert.Equal(t, 4, cfg.MaxSlots)
	assert.Contains(t, out, "Connected as @afk_bot")
}

func TestChooseAmongGroups(t *testing.T) {
	bot := &fakeBot{chats: []telegram.Chat{
		{ID: "-1", Type: "group", Title: "Old"},
		{ID: "-2", Type: "group", Title: "New"},
	}}
	cfg, out, err := run(t, "tok\n\n9\n2\nn\n2\n", config.Defaults(), bot)
	require.NoError(t, err)
	assert.Equal(t, "-2", cfg.ChatID)
	assert.False(t, cfg.UseTopics)
	assert.Equal(t, 2, cfg.MaxSlots)
	assert.Contains(t, out, "Invalid selection")
}

func TestKeepExistingTokenAndManualChat(t *testing.T) {
	existing := config.Defaults()
	existing.BotToken = "999:secret-token"
	existing.ChatID = "-55"
	cfg, _, err := run(t, "\n\n\ny\n\n", existing, &fakeBot{})
	require.NoError(t, err)
	assert.Equal(t, "999:secret-token", cfg.BotToken)
	assert.Equal(t, "-55", cfg.ChatID)
}

func TestEmptyTokenCancels(t *testing.T) {
	_, _, err := run(t, "\n", config.Defaults(), &fakeBot{})
	assert.True(t, errors.Is(err, ErrCancelled))
}

func TestBadToken(t *testing.T) {
	_, _, err := run(t, "tok\n", config.Defaults(), &fakeBot{meErr: errors.New("401 Unauthorized")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checking bot token")
}
