package mailbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind is the wire value of an event's "type" field.
type Kind string

const (
	KindActivation        Kind = "activation"
	KindDeactivation      Kind = "deactivation"
	KindPermissionRequest Kind = "permission_request"
	KindStop              Kind = "stop"
	KindNotification      Kind = "notification"
	KindResponse          Kind = "response"
	KindKeepAlive         Kind = "keep_alive"
)

// Payload is the type-specific part of an Event. The set of implementations
// is closed: only the types in this file satisfy it.
type Payload interface {
	Kind() Kind
	isPayload()
}

// Activation is written when a session is put under supervision.
type Activation struct {
	Slot      int    `json:"slot"`
	Project   string `json:"project"`
	TopicName string `json:"topic_name,omitempty"`
}

// Deactivation is written when supervision ends.
type Deactivation struct {
	Slot   int    `json:"slot"`
	Reason string `json:"reason,omitempty"`
}

// PermissionRequest asks the operator to approve a tool call.
type PermissionRequest struct {
	ToolName    string          `json:"tool_name"`
	ToolInput   json.RawMessage `json:"tool_input,omitempty"`
	Description string          `json:"description,omitempty"`
	// AutoApproved is set when the adapter allowed the call from its
	// allow-list and is only recording it.
	AutoApproved bool `json:"auto_approved,omitempty"`
}

// Stop is written when the agent pauses and waits for its next instruction.
type Stop struct {
	LastMessage string `json:"last_message,omitempty"`
	// Responding is set when the agent is answering an instruction the
	// operator sent, so its reply is forwarded before the prompt.
	Responding bool `json:"responding,omitempty"`
}

// Notification types written by the adapter itself.
const (
	NotifyPermissionTimeout = "permission_timeout"
	// NotifyForcedResume reports that a stop was resumed by a force marker.
	// Message carries the instruction the agent got.
	NotifyForcedResume = "forced_resume"
)

// Notification is a fire-and-forget message from the host runtime.
type Notification struct {
	NotificationType string `json:"notification_type,omitempty"`
	Title            string `json:"title,omitempty"`
	Message          string `json:"message"`
	// EventID names an earlier event this notification resolves, such as a
	// permission request that timed out.
	EventID string `json:"event_id,omitempty"`
}

// Response is an agent-initiated message for the operator.
type Response struct {
	Text string `json:"text"`
}

// KeepAlive is appended by a blocked stop poll each time its interval passes.
type KeepAlive struct {
	WaitingOn string `json:"waiting_on"`
}

func (Activation) Kind() Kind        { return KindActivation }
func (Deactivation) Kind() Kind      { return KindDeactivation }
func (PermissionRequest) Kind() Kind { return KindPermissionRequest }
func (Stop) Kind() Kind              { return KindStop }
func (Notification) Kind() Kind      { return KindNotification }
func (Response) Kind() Kind          { return KindResponse }
func (KeepAlive) Kind() Kind         { return KindKeepAlive }

func (Activation) isPayload()        {}
func (Deactivation) isPayload()      {}
func (PermissionRequest) isPayload() {}
func (Stop) isPayload()              {}
func (Notification) isPayload()      {}
func (Response) isPayload()          {}
func (KeepAlive) isPayload()         {}

// Event is one immutable line of a mailbox's event log.
type Event struct {
	ID        string
	SessionID string
	Timestamp time.Time
	Payload   Payload
}

// NewID returns a short random identifier used for events and batches.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// NewEvent stamps p with a fresh id and the given time.
func NewEvent(sessionID string, p Payload, now time.Time) Event {
	return Event{ID: NewID(), SessionID: sessionID, Timestamp: now, Payload: p}
}

// Kind returns the kind of the payload, or "" for an empty event.
func (e Event) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

type header struct {
	ID        string    `json:"id"`
	Type      Kind      `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// MarshalJSON flattens the header and payload into a single object.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, errors.New("event has no payload")
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	head, err := json.Marshal(header{ID: e.ID, Type: e.Payload.Kind(), SessionID: e.SessionID, Timestamp: e.Timestamp})
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(head, &fields); err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

// UnmarshalJSON decodes the header and then the payload selected by "type".
func (e *Event) UnmarshalJSON(data []byte) error {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return err
	}
	if h.ID == "" {
		return errors.New("event has no id")
	}

	var p Payload
	switch h.Type {
	case KindActivation:
		var v Activation
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		p = v
	case KindDeactivation:
		var v Deactivation
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		p = v
	case KindPermissionRequest:
		var v PermissionRequest
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		p = v
	case KindStop:
		var v Stop
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		p = v
	case KindNotification:
		var v Notification
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		p = v
	case KindResponse:
		var v Response
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		p = v
	case KindKeepAlive:
		var v KeepAlive
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		p = v
	default:
		return fmt.Errorf("unknown event type %q", h.Type)
	}

	*e = Event{ID: h.ID, SessionID: h.SessionID, Timestamp: h.Timestamp, Payload: p}
	return nil
}
