package adapter

import (
	"encoding/json"
	"fmt"
	"io"
)

// Host lifecycle event names.
const (
	EventPermissionRequest = "PermissionRequest"
	EventStop              = "Stop"
	EventNotification      = "Notification"
)

// Input is the JSON object the host runtime writes to the hook's stdin.
type Input struct {
	SessionID            string          `json:"session_id"`
	HookEventName        string          `json:"hook_event_name"`
	Cwd                  string          `json:"cwd,omitempty"`
	ToolName             string          `json:"tool_name,omitempty"`
	ToolInput            json.RawMessage `json:"tool_input,omitempty"`
	LastAssistantMessage string          `json:"last_assistant_message,omitempty"`
	StopHookActive       bool            `json:"stop_hook_active,omitempty"`
	NotificationType     string          `json:"notification_type,omitempty"`
	Title                string          `json:"title,omitempty"`
	Message              string          `json:"message,omitempty"`
}

// ReadInput decodes the hook input from r.
func ReadInput(r io.Reader) (Input, error) {
	var in Input
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return Input{}, fmt.Errorf("decode hook input: %w", err)
	}
	return in, nil
}

// Decision is the permission verdict inside HookSpecificOutput.
type Decision struct {
	Behavior string `json:"behavior"`
	Message  string `json:"message,omitempty"`
}

// HookSpecificOutput carries a permission verdict back to the host.
type HookSpecificOutput struct {
	HookEventName string   `json:"hookEventName"`
	Decision      Decision `json:"decision"`
}

// Output is written to stdout. Only one of its shapes is used per call.
type Output struct {
	HookSpecificOutput *HookSpecificOutput `json:"hookSpecificOutput,omitempty"`
	// Decision "block" with Reason resumes a stopping agent with Reason as
	// its next instruction.
	Decision string `json:"decision,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Result is what the adapter hands back to the hook command. A nil Output
// means print nothing and let the host carry on unattended.
type Result struct {
	Output *Output
	// Notice is shown to the local console on stderr.
	Notice string
}

func allow() Result {
	return Result{Output: &Output{HookSpecificOutput: &HookSpecificOutput{
		HookEventName: EventPermissionRequest,
		Decision:      Decision{Behavior: "allow"},
	}}}
}

func deny(message string) Result {
	return Result{Output: &Output{HookSpecificOutput: &HookSpecificOutput{
		HookEventName: EventPermissionRequest,
		Decision:      Decision{Behavior: "deny", Message: message},
	}}}
}

func resume(instruction string) Result {
	return Result{Output: &Output{Decision: "block", Reason: instruction}}
}

// Write prints the result's output, if any, as a single JSON object.
func (r Result) Write(w io.Writer) error {
	if r.Output == nil {
		return nil
	}
	return json.NewEncoder(w).Encode(r.Output)
}
