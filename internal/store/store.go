package store

import (
	"context"
	"errors"
	"time"

	"github.com/ovara-labs/ovara/backend/internal/model/conversation"
)

var (
	ErrNotFound        = errors.New("conversation not found")
	ErrAlreadyExists   = errors.New("conversation already exists")
	ErrSessionConflict = errors.New("external session already bound to another conversation")
	ErrEmptySessionID  = errors.New("external session id is empty")
)

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	ClientID       string
	OrganizationID string
	Status         conversation.Status
	Limit          int
}

// Store persists conversation records.
type Store interface {
	Create(ctx context.Context, c conversation.Conversation) error
	Get(ctx context.Context, id string) (conversation.Conversation, error)
	List(ctx context.Context, filter Filter) ([]conversation.Conversation, error)
	UpdateStatus(ctx context.Context, id string, status conversation.Status, at time.Time) (conversation.Conversation, error)
	Touch(ctx context.Context, id string, at time.Time) error
	// AttachSession binds ext to the conversation only if it has no session yet. It
	// returns the stored record and whether this call performed the attach.
	AttachSession(ctx context.Context, id string, ext conversation.ExternalSession, at time.Time) (conversation.Conversation, bool, error)
	Close() error
}

const defaultListLimit = 100

func listLimit(limit int) int {
	if limit <= 0 || limit > defaultListLimit {
		return defaultListLimit
	}
	return limit
}
