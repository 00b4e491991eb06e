package conversation

import "time"

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusArchived
}

// DefaultTitle is used when a conversation is started without one.
const DefaultTitle = "New conversation"

// Conversation is the persisted chat record owned by a client inside an organization.
// The Adk* fields hold the external agent session bound to it, empty until the first
// successful session creation.
type Conversation struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"clientId"`
	OrganizationID string    `json:"organizationId"`
	Title          string    `json:"title"`
	Status         Status    `json:"status"`
	LastActivityAt time.Time `json:"lastActivity"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	AdkSessionID   string    `json:"adkSessionId,omitempty"`
	AdkUserID      string    `json:"adkUserId,omitempty"`
	AdkAppName     string    `json:"adkAppName"`
}

// HasSession reports whether an external session is bound.
func (c Conversation) HasSession() bool {
	return c.AdkSessionID != ""
}

// ExternalSession returns the bound session triple.
func (c Conversation) ExternalSession() ExternalSession {
	return ExternalSession{SessionID: c.AdkSessionID, UserID: c.AdkUserID, AppName: c.AdkAppName}
}

// OwnedBy reports whether the conversation belongs to the client and organization.
func (c Conversation) OwnedBy(clientID, organizationID string) bool {
	return c.ClientID == clientID && c.OrganizationID == organizationID
}

// ExternalSession identifies a session held by the agent service.
type ExternalSession struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	AppName   string `json:"appName"`
}
