// Package setup runs the interactive first-run wizard that collects the bot
// token and finds the chat to supervise from.
package setup

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fakeyudi/afkbridge/internal/chat/telegram"
	"github.com/fakeyudi/afkbridge/internal/config"
)

// ErrCancelled is returned when the operator leaves a required answer empty.
var ErrCancelled = errors.New("setup cancelled")

// Bot is what the wizard needs from the chat platform.
type Bot interface {
	Me(ctx context.Context) (string, error)
	RecentChats(ctx context.Context) ([]telegram.Chat, error)
}

// Wizard prompts on Out and reads answers from In.
type Wizard struct {
	In  io.Reader
	Out io.Writer
	// Connect returns a client for token.
	Connect func(token string) Bot
}

// Run walks through the setup steps, starting from existing values, and
// returns the updated configuration. It does not save.
func (w *Wizard) Run(ctx context.Context, existing config.Config) (config.Config, error) {
	r := bufio.NewReader(w.In)
	cfg := existing

	ask := func(prompt, defaultVal string) (string, error) {
		if defaultVal != "" {
			fmt.Fprintf(w.Out, "%s [%s]: ", prompt, defaultVal)
		} else {
			fmt.Fprintf(w.Out, "%s: ", prompt)
		}
		line, err := r.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return "", err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			return defaultVal, nil
		}
		return line, nil
	}

	askBool := func(prompt string, defaultVal bool) (bool, error) {
		def := "n"
		if defaultVal {
			def = "y"
		}
		ans, err := ask(prompt+" (y/n)", def)
		if err != nil {
			return false, err
		}
		ans = strings.ToLower(ans)
		return ans == "y" || ans == "yes", nil
	}

	fmt.Fprintln(w.Out)
	fmt.Fprintln(w.Out, "  ┌─────────────────────────────────┐")
	fmt.Fprintln(w.Out, "  │   afkbridge — chat setup        │")
	fmt.Fprintln(w.Out, "  └─────────────────────────────────┘")
	fmt.Fprintln(w.Out)

	fmt.Fprintln(w.Out, "  Step 1: bot token")
	fmt.Fprintln(w.Out, "    Open Telegram, talk to @BotFather, send /newbot and copy the token.")
	fmt.Fprintln(w.Out)
	defToken := ""
	if cfg.BotToken != "" {
		defToken = "keep ..." + tail(cfg.BotToken, 6)
	}
	token, err := ask("  Bot token", defToken)
	if err != nil {
		return cfg, err
	}
	if token != defToken {
		cfg.BotToken = token
	}
	if cfg.BotToken == "" {
		return cfg, ErrCancelled
	}

	bot := w.Connect(cfg.BotToken)
	name, err := bot.Me(ctx)
	if err != nil {
		return cfg, fmt.Errorf("checking bot token: %w", err)
	}
	fmt.Fprintf(w.Out, "  ✓ Connected as @%s\n\n", name)

	fmt.Fprintln(w.Out, "  Step 2: group")
	fmt.Fprintln(w.Out, "    Create a group, add the bot as an admin, turn on Topics in the")
	fmt.Fprintln(w.Out, "    group settings and send any message there.")
	if _, err := ask("  Press Enter when done", ""); err != nil {
		return cfg, err
	}

	chats, err := bot.RecentChats(ctx)
	if err != nil {
		return cfg, fmt.Errorf("listing chats: %w", err)
	}
	var groups []telegram.Chat
	for _, c := range chats {
		if c.Type == "group" || c.Type == "supergroup" {
			groups = append(groups, c)
		}
	}

	var picked telegram.Chat
	switch len(groups) {
	case 0:
		fmt.Fprintln(w.Out, "  No group messages found. Enter the chat id by hand.")
		id, err := ask("  Chat id", cfg.ChatID)
		if err != nil {
			return cfg, err
		}
		if id == "" {
			return cfg, ErrCancelled
		}
		picked = telegram.Chat{ID: id}
	case 1:
		picked = groups[0]
		fmt.Fprintf(w.Out, "  ✓ Found %s (%s)\n", picked.Title, picked.ID)
	default:
		fmt.Fprintln(w.Out, "  Groups the bot has seen:")
		for i, g := range groups {
			fmt.Fprintf(w.Out, "    %d. %s (%s)\n", i+1, g.Title, g.ID)
		}
		for {
			ans, err := ask("  Select group", "1")
			if err != nil {
				return cfg, err
			}
			n, convErr := strconv.Atoi(ans)
			if convErr == nil && n >= 1 && n <= len(groups) {
				picked = groups[n-1]
				break
			}
			fmt.Fprintln(w.Out, "  Invalid selection, try again.")
		}
	}
	cfg.ChatID = picked.ID

	cfg.UseTopics, err = askBool("  One topic per session", picked.Type != "group")
	if err != nil {
		return cfg, err
	}
	slots, err := ask("  Maximum concurrent sessions", strconv.Itoa(max(cfg.MaxSlots, 1)))
	if err != nil {
		return cfg, err
	}
	if n, convErr := strconv.Atoi(slots); convErr == nil && n > 0 {
		cfg.MaxSlots = n
	}

	fmt.Fprintln(w.Out)
	return cfg, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
