package agent

import (
	model "github.com/ovara-labs/ovara/backend/internal/model/agent"
)

// WireSession is the session document exchanged with the agent service REST API.
type WireSession struct {
	ID             string         `json:"id"`
	AppName        string         `json:"appName"`
	UserID         string         `json:"userId"`
	State          map[string]any `json:"state"`
	Events         []WireEvent    `json:"events"`
	LastUpdateTime float64        `json:"lastUpdateTime"`
}

type WireEvent struct {
	ID           string       `json:"id"`
	Author       string       `json:"author"`
	InvocationID string       `json:"invocationId,omitempty"`
	Timestamp    float64      `json:"timestamp"`
	Content      *WireContent `json:"content,omitempty"`
	Partial      bool         `json:"partial,omitempty"`
	TurnComplete bool         `json:"turnComplete,omitempty"`
}

type WireContent struct {
	Role  string     `json:"role"`
	Parts []WirePart `json:"parts"`
}

type WirePart struct {
	Text             string         `json:"text,omitempty"`
	FunctionCall     map[string]any `json:"functionCall,omitempty"`
	FunctionResponse map[string]any `json:"functionResponse,omitempty"`
}

// CreateBody is the POST body for session creation.
type CreateBody struct {
	State map[string]any `json:"state"`
}

// ToModel converts the wire document into the internal session view.
func (w WireSession) ToModel() model.Session {
	s := model.Session{
		ID:             w.ID,
		AppName:        w.AppName,
		UserID:         w.UserID,
		State:          w.State,
		Events:         make([]model.Event, 0, len(w.Events)),
		LastUpdateTime: w.LastUpdateTime,
	}
	if s.State == nil {
		s.State = map[string]any{}
	}
	for _, e := range w.Events {
		ev := model.Event{
			ID:           e.ID,
			Author:       e.Author,
			InvocationID: e.InvocationID,
			Timestamp:    e.Timestamp,
			Partial:      e.Partial,
			TurnComplete: e.TurnComplete,
		}
		if e.Content != nil {
			content := &model.Content{Role: e.Content.Role, Parts: make([]model.Part, 0, len(e.Content.Parts))}
			for _, p := range e.Content.Parts {
				content.Parts = append(content.Parts, model.Part{
					Text:             p.Text,
					FunctionCall:     p.FunctionCall,
					FunctionResponse: p.FunctionResponse,
				})
			}
			ev.Content = content
		}
		s.Events = append(s.Events, ev)
	}
	return s
}

// FromModel is the inverse of ToModel; the local agent emulator serves sessions with it.
func FromModel(s model.Session) WireSession {
	w := WireSession{
		ID:             s.ID,
		AppName:        s.AppName,
		UserID:         s.UserID,
		State:          s.State,
		Events:         make([]WireEvent, 0, len(s.Events)),
		LastUpdateTime: s.LastUpdateTime,
	}
	for _, e := range s.Events {
		ev := WireEvent{
			ID:           e.ID,
			Author:       e.Author,
			InvocationID: e.InvocationID,
			Timestamp:    e.Timestamp,
			Partial:      e.Partial,
			TurnComplete: e.TurnComplete,
		}
		if e.Content != nil {
			content := &WireContent{Role: e.Content.Role, Parts: make([]WirePart, 0, len(e.Content.Parts))}
			for _, p := range e.Content.Parts {
				content.Parts = append(content.Parts, WirePart{
					Text:             p.Text,
					FunctionCall:     p.FunctionCall,
					FunctionResponse: p.FunctionResponse,
				})
			}
			ev.Content = content
		}
		w.Events = append(w.Events, ev)
	}
	return w
}
