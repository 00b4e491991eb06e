package bridge

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ErrInvalidTarget reports a target that cannot be turned into a socket URL.
var ErrInvalidTarget = errors.New("invalid target")

// Conversation identifies the chat a connection belongs to.
type Conversation struct {
	ConversationID string
	SessionID      string
	UserID         string
}

// Target describes where and as whom to connect.
type Target struct {
	// Endpoint is the agent's WebSocket base, e.g. "wss://agent.example.com".
	Endpoint     string
	AuthToken    string
	Conversation Conversation
}

// URL builds {endpoint}/ws/{user_id}?conversation_id=&session_id=&user_id=.
func (t Target) URL() (string, error) {
	base, err := url.Parse(strings.TrimRight(t.Endpoint, "/"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if base.Scheme != "ws" && base.Scheme != "wss" {
		return "", fmt.Errorf("%w: scheme %q, want ws or wss", ErrInvalidTarget, base.Scheme)
	}
	if t.Conversation.UserID == "" {
		return "", fmt.Errorf("%w: user id is required", ErrInvalidTarget)
	}
	if t.Conversation.ConversationID == "" {
		return "", fmt.Errorf("%w: conversation id is required", ErrInvalidTarget)
	}

	base.RawPath = base.EscapedPath() + "/ws/" + url.PathEscape(t.Conversation.UserID)
	base.Path = base.Path + "/ws/" + t.Conversation.UserID
	q := base.Query()
	q.Set("conversation_id", t.Conversation.ConversationID)
	q.Set("user_id", t.Conversation.UserID)
	if t.Conversation.SessionID != "" {
		q.Set("session_id", t.Conversation.SessionID)
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// Header returns the handshake headers.
func (t Target) Header() http.Header {
	h := http.Header{}
	if t.AuthToken != "" {
		h.Set("Authorization", "Bearer "+t.AuthToken)
	}
	return h
}
