// Package render turns mailbox events into the HTML messages and button
// rows the broker sends to the chat.
package render

import (
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"github.com/fakeyudi/afkbridge/internal/chat"
	"github.com/fakeyudi/afkbridge/internal/mailbox"
)

// MaxMessageLen is the longest text sent in a single chat message.
const MaxMessageLen = 4000

// Escape escapes text for HTML parse mode.
func Escape(s string) string {
	return html.EscapeString(s)
}

// Truncate shortens s to at most n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// Split breaks text into chunks no longer than limit, preferring line
// boundaries.
func Split(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	var cur strings.Builder
	for _, line := range strings.SplitAfter(text, "\n") {
		for len(line) > limit {
			if cur.Len() > 0 {
				chunks = append(chunks, cur.String())
				cur.Reset()
			}
			cut := limit
			for cut > 0 && !isRuneStart(line[cut]) {
				cut--
			}
			chunks = append(chunks, line[:cut])
			line = line[cut:]
		}
		if cur.Len() > 0 && cur.Len()+len(line) > limit {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		cur.WriteString(line)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// DescribeTool summarizes a tool call for a permission prompt.
func DescribeTool(tool string, input json.RawMessage) string {
	var args map[string]any
	_ = json.Unmarshal(input, &args)
	str := func(key string) string {
		v, _ := args[key].(string)
		return v
	}

	switch tool {
	case "Bash":
		cmd := str("command")
		if desc := str("description"); desc != "" {
			return fmt.Sprintf("Bash: %s\n`%s`", desc, Truncate(cmd, 200))
		}
		return fmt.Sprintf("Bash: `%s`", Truncate(cmd, 300))
	case "Write":
		path := str("file_path")
		if path == "" {
			path = "?"
		}
		if content := str("content"); content != "" {
			return fmt.Sprintf("Write: %s\n%s", path, Truncate(content, 120))
		}
		return "Write: " + path
	case "Edit", "MultiEdit":
		path := str("file_path")
		if path == "" {
			path = "?"
		}
		out := fmt.Sprintf("%s: %s\n`%s`", tool, path, Truncate(str("old_string"), 80))
		if repl := str("new_string"); repl != "" {
			out += fmt.Sprintf("\n→ `%s`", Truncate(repl, 80))
		}
		return out
	case "NotebookEdit":
		path := str("notebook_path")
		if path == "" {
			path = "?"
		}
		return "NotebookEdit: " + path
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := []string{tool + ":"}
	for i, k := range keys {
		if i == 2 {
			break
		}
		parts = append(parts, fmt.Sprintf("  %s: %s", k, Truncate(fmt.Sprint(args[k]), 100)))
	}
	return strings.Join(parts, "\n")
}

// Path returns the file path a tool call targets, if it has one.
func Path(input json.RawMessage) string {
	var args map[string]any
	if err := json.Unmarshal(input, &args); err != nil {
		return ""
	}
	for _, key := range []string{"file_path", "notebook_path", "path"} {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func describe(req mailbox.PermissionRequest) string {
	if req.Description != "" {
		return req.Description
	}
	return DescribeTool(req.ToolName, req.ToolInput)
}

// Permission is the prompt for a single tool call.
func Permission(label string, req mailbox.PermissionRequest) string {
	return fmt.Sprintf("🔐 <b>%s — Permission Request</b>\n\n<b>Tool:</b> %s\n<pre>%s</pre>",
		label, Escape(req.ToolName), Escape(Truncate(describe(req), 1500)))
}

// PermissionBatch is the combined prompt for several tool calls.
func PermissionBatch(label string, reqs []mailbox.PermissionRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "🔐 <b>%s — %d Permission Requests</b>\n", label, len(reqs))
	for i, req := range reqs {
		fmt.Fprintf(&sb, "\n<b>%d. %s</b>\n<pre>%s</pre>", i+1, Escape(req.ToolName), Escape(Truncate(describe(req), 400)))
	}
	return sb.String()
}

// AutoApproved notes a permission that was approved without asking.
func AutoApproved(label string, req mailbox.PermissionRequest) string {
	return fmt.Sprintf("🤝 <b>%s</b> — auto-approved %s\n<pre>%s</pre>",
		label, Escape(req.ToolName), Escape(Truncate(describe(req), 300)))
}

// Stop is the "task complete" prompt. When forwarded is set the agent's
// reply has already been sent on its own and is not repeated.
func Stop(label string, stop mailbox.Stop, forwarded bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "✅ <b>%s — Task Complete</b>\n\n", label)
	if !forwarded && stop.LastMessage != "" {
		sb.WriteString(Escape(Truncate(stop.LastMessage, 600)))
		sb.WriteString("\n\n")
	}
	sb.WriteString("<i>Reply with the next instruction, or let it stop.</i>")
	return sb.String()
}

// AgentReply forwards the agent's full reply to an operator instruction.
func AgentReply(label, text string) string {
	return fmt.Sprintf("💬 <b>%s</b>\n\n%s", label, Escape(text))
}

// Continuing confirms an instruction was delivered.
func Continuing(label, instruction string) string {
	return fmt.Sprintf("▶️ <b>%s</b> — Continuing:\n<i>%s</i>", label, Escape(Truncate(instruction, 200)))
}

// AutoContinue reports that a queued instruction resumed the agent.
func AutoContinue(label, instruction string) string {
	return fmt.Sprintf("⏩ <b>%s</b> — Auto-continuing with queued instruction:\n<i>%s</i>", label, Escape(Truncate(instruction, 200)))
}

// Queued confirms an instruction was queued while the agent is busy.
func Queued(label, merged string) string {
	return fmt.Sprintf("⏳ <b>%s</b> — Agent is busy, queued:\n<i>%s</i>", label, Escape(Truncate(merged, 300)))
}

// Forced confirms a session command that runs at the agent's next stop.
func Forced(label, action string) string {
	return fmt.Sprintf("⏭ <b>%s</b> — %s will run when the agent next stops", label, Escape(action))
}

// Notification formats a host notification.
func Notification(label string, n mailbox.Notification) string {
	emoji := "📢"
	switch n.NotificationType {
	case "permission_prompt":
		emoji = "🔔"
	case "idle_prompt":
		emoji = "💤"
	}
	title := n.Title
	if title == "" {
		title = "Notification"
	}
	return fmt.Sprintf("%s <b>%s</b> — %s\n%s", emoji, label, Escape(title), Escape(n.Message))
}

// Activated is the welcome notice.
func Activated(label, project string) string {
	if project == "" {
		project = "unknown"
	}
	return fmt.Sprintf("📡 <b>%s — AFK Activated</b>\nProject: %s", label, Escape(project))
}

// Deactivated is the farewell notice.
func Deactivated(label, reason string) string {
	if reason == "" {
		return fmt.Sprintf("👋 <b>%s — AFK Deactivated</b>", label)
	}
	return fmt.Sprintf("👋 <b>%s — AFK Deactivated</b>\n<i>%s</i>", label, Escape(reason))
}

// Idle tells the operator a session is alive but has been waiting.
func Idle(label string, waiting time.Duration) string {
	return fmt.Sprintf("💤 <b>%s</b> — still waiting for an instruction (%s)", label, waiting.Round(time.Minute))
}

// Stale warns that a prompt has gone unanswered for too long.
func Stale(label string, age time.Duration) string {
	return fmt.Sprintf("⚠️ <b>%s</b> — no answer for %s, the agent may be unresponsive", label, age.Round(time.Second))
}

// TrustOffer asks whether to auto-approve the rest of a session.
func TrustOffer(label string, approvals int) string {
	return fmt.Sprintf("🛡 <b>%s</b> — %d approvals so far. Trust this session and auto-approve from now on?", label, approvals)
}

// Trusted confirms a session is trusted.
func Trusted(label string) string {
	return fmt.Sprintf("🛡 <b>%s</b> — trusted, permissions are auto-approved until /clear or /untrust", label)
}

// Untrusted confirms trust was withdrawn.
func Untrusted(label string) string {
	return fmt.Sprintf("🔒 <b>%s</b> — permissions need approval again", label)
}

// Outcome appends a resolution line to a prompt that was answered.
func Outcome(prompt, outcome string) string {
	return prompt + "\n\n" + outcome
}

// Pong answers /ping.
func Pong(label string, lastEvent time.Time, pending, interactions int, now time.Time) string {
	ago := "never"
	if !lastEvent.IsZero() {
		ago = now.Sub(lastEvent).Round(time.Second).String() + " ago"
	}
	return fmt.Sprintf("🏓 <b>%s</b> alive — last event %s, %d pending, %d interactions", label, ago, pending, interactions)
}

// PermissionButtons is the approve/deny row for one event.
func PermissionButtons(eventID string) [][]chat.Button {
	return [][]chat.Button{{
		{Label: "✅ Approve", Data: "allow:" + eventID},
		{Label: "❌ Deny", Data: "deny:" + eventID},
	}}
}

// BatchButtons is the approve all/deny all row for a batch.
func BatchButtons(batchID string) [][]chat.Button {
	return [][]chat.Button{{
		{Label: "✅ Approve all", Data: "allowall:" + batchID},
		{Label: "❌ Deny all", Data: "denyall:" + batchID},
	}}
}

// StopButtons lets the operator accept the stop.
func StopButtons(eventID string) [][]chat.Button {
	return [][]chat.Button{{
		{Label: "🛑 Let it stop", Data: "stop:" + eventID},
	}}
}

// TrustButtons offers trust for a session.
func TrustButtons(sessionID string) [][]chat.Button {
	return [][]chat.Button{{
		{Label: "🛡 Trust this session", Data: "trust:" + sessionID},
	}}
}
