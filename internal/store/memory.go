package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ovara-labs/ovara/backend/internal/model/conversation"
)

// MemoryStore keeps conversations in process memory, suitable for tests and local runs.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]conversation.Conversation
	bySession     map[string]string
}

// NewMemoryStore bootstraps an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]conversation.Conversation),
		bySession:     make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, c conversation.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[c.ID]; ok {
		return ErrAlreadyExists
	}
	if c.AdkSessionID != "" {
		if _, taken := s.bySession[c.AdkSessionID]; taken {
			return ErrSessionConflict
		}
		s.bySession[c.AdkSessionID] = c.ID
	}
	s.conversations[c.ID] = c
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return conversation.Conversation{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]conversation.Conversation, error) {
	s.mu.RLock()
	out := make([]conversation.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		if filter.ClientID != "" && c.ClientID != filter.ClientID {
			continue
		}
		if filter.OrganizationID != "" && c.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		out = append(out, c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})

	if limit := listLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status conversation.Status, at time.Time) (conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return conversation.Conversation{}, ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = at
	s.conversations[id] = c
	return c, nil
}

func (s *MemoryStore) Touch(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.LastActivityAt = at
	c.UpdatedAt = at
	s.conversations[id] = c
	return nil
}

func (s *MemoryStore) AttachSession(_ context.Context, id string, ext conversation.ExternalSession, at time.Time) (conversation.Conversation, bool, error) {
	if ext.SessionID == "" {
		return conversation.Conversation{}, false, ErrEmptySessionID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return conversation.Conversation{}, false, ErrNotFound
	}
	if c.HasSession() {
		return c, false, nil
	}
	if owner, taken := s.bySession[ext.SessionID]; taken && owner != id {
		return conversation.Conversation{}, false, ErrSessionConflict
	}

	c.AdkSessionID = ext.SessionID
	c.AdkUserID = ext.UserID
	if ext.AppName != "" {
		c.AdkAppName = ext.AppName
	}
	c.LastActivityAt = at
	c.UpdatedAt = at
	s.conversations[id] = c
	s.bySession[ext.SessionID] = id
	return c, true, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
