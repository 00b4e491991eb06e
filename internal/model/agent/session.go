package agent

import "time"

// Session mirrors the agent service's view of a conversation: a state blob plus the
// ordered event history. The bridge only reads it.
type Session struct {
	ID             string         `json:"id"`
	AppName        string         `json:"app_name"`
	UserID         string         `json:"user_id"`
	State          map[string]any `json:"state"`
	Events         []Event        `json:"events"`
	LastUpdateTime float64        `json:"last_update_time"`
}

// LastUpdated converts the agent's fractional unix seconds.
func (s Session) LastUpdated() time.Time {
	if s.LastUpdateTime == 0 {
		return time.Time{}
	}
	sec := int64(s.LastUpdateTime)
	nsec := int64((s.LastUpdateTime - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

// Event is one entry of the session history.
type Event struct {
	ID           string   `json:"id"`
	Author       string   `json:"author"`
	InvocationID string   `json:"invocation_id,omitempty"`
	Timestamp    float64  `json:"timestamp"`
	Content      *Content `json:"content,omitempty"`
	Partial      bool     `json:"partial,omitempty"`
	TurnComplete bool     `json:"turn_complete,omitempty"`
}

// Content is the role-tagged payload of an event.
type Content struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Part is a single piece of content. Only text parts are projected into messages.
type Part struct {
	Text             string         `json:"text,omitempty"`
	FunctionCall     map[string]any `json:"function_call,omitempty"`
	FunctionResponse map[string]any `json:"function_response,omitempty"`
}

// Text joins the text parts of the event.
func (e Event) Text() string {
	if e.Content == nil {
		return ""
	}
	var out string
	for _, part := range e.Content.Parts {
		out += part.Text
	}
	return out
}

// CreateSessionRequest seeds a new external session.
type CreateSessionRequest struct {
	AppName string
	UserID  string
	State   map[string]any
}
