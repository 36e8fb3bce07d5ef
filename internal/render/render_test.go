package render

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/fakeyudi/afkbridge/internal/mailbox"
)

func TestDescribeTool(t *testing.T) {
	cases := []struct {
		tool  string
		input string
		want  []string
	}{
		{"Bash", `{"command":"go test ./...","description":"Run tests"}`, []string{"Bash: Run tests", "`go test ./...`"}},
		{"Bash", `{"command":"ls -la"}`, []string{"Bash: `ls -la`"}},
		{"Write", `{"file_path":"/tmp/x.go","content":"package x"}`, []string{"Write: /tmp/x.go", "package x"}},
		{"Edit", `{"file_path":"main.go","old_string":"foo","new_string":"bar"}`, []string{"Edit: main.go", "`foo`", "→ `bar`"}},
		{"NotebookEdit", `{"notebook_path":"a.ipynb"}`, []string{"NotebookEdit: a.ipynb"}},
		{"WebFetch", `{"url":"https://example.com","prompt":"summarize","zzz":"hidden"}`, []string{"WebFetch:", "prompt: summarize", "url: https://example.com"}},
	}
	for _, tc := range cases {
		got := DescribeTool(tc.tool, json.RawMessage(tc.input))
		for _, w := range tc.want {
			assert.Contains(t, got, w, "tool %s", tc.tool)
		}
	}
	assert.NotContains(t, DescribeTool("WebFetch", json.RawMessage(`{"a":"1","b":"2","zzz":"hidden"}`)), "hidden")
}

func TestPath(t *testing.T) {
	assert.Equal(t, "/a/b.go", Path(json.RawMessage(`{"file_path":"/a/b.go"}`)))
	assert.Equal(t, "n.ipynb", Path(json.RawMessage(`{"notebook_path":"n.ipynb"}`)))
	assert.Equal(t, "", Path(json.RawMessage(`{"command":"ls"}`)))
	assert.Equal(t, "", Path(nil))
}

func TestPermissionEscapesHTML(t *testing.T) {
	msg := Permission("S1", mailbox.PermissionRequest{ToolName: "Bash", Description: "echo <b>&</b>"})
	assert.Contains(t, msg, "echo &lt;b&gt;&amp;&lt;/b&gt;")
	assert.True(t, strings.HasPrefix(msg, "🔐 <b>S1"))
}

func TestStopSkipsForwardedReply(t *testing.T) {
	stop := mailbox.Stop{LastMessage: "all tests pass"}
	assert.Contains(t, Stop("S2", stop, false), "all tests pass")
	assert.NotContains(t, Stop("S2", stop, true), "all tests pass")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 3))
	assert.Equal(t, "ab...", Truncate("abc", 2))
	assert.Equal(t, "日本...", Truncate("日本語", 2))
}

func TestSplitRespectsLimit(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(8, 64).Draw(t, "limit")
		text := rapid.StringMatching(`[a-z\n日]{0,400}`).Draw(t, "text")

		chunks := Split(text, limit)
		if strings.Join(chunks, "") != text {
			t.Fatalf("chunks do not reassemble the text")
		}
		for _, c := range chunks {
			if len(c) > limit {
				t.Fatalf("chunk of %d bytes exceeds limit %d", len(c), limit)
			}
		}
	})
}

func TestIdleAndPong(t *testing.T) {
	assert.Contains(t, Idle("S1", 31*time.Minute), "31m")
	now := time.Date(2026, 1, 1, 0, 10, 0, 0, time.UTC)
	assert.Contains(t, Pong("S1", now.Add(-2*time.Minute), 1, 7, now), "2m0s ago, 1 pending, 7 interactions")
	assert.Contains(t, Pong("S1", time.Time{}, 0, 0, now), "never")
}

func TestButtons(t *testing.T) {
	assert.Equal(t, "allow:e1", PermissionButtons("e1")[0][0].Data)
	assert.Equal(t, "deny:e1", PermissionButtons("e1")[0][1].Data)
	assert.Equal(t, "allowall:b1", BatchButtons("b1")[0][0].Data)
	assert.Equal(t, "stop:e2", StopButtons("e2")[0][0].Data)
	assert.Equal(t, "trust:s", TrustButtons("s")[0][0].Data)
}
