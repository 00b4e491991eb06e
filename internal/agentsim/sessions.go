package agentsim

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	model "github.com/ovara-labs/ovara/backend/internal/model/agent"
)

var errSessionNotFound = errors.New("session not found")

type sessionKey struct {
	app, user, id string
}

// SessionStore keeps emulated agent sessions in memory.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[sessionKey]model.Session
	now      func() time.Time
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[sessionKey]model.Session),
		now:      time.Now,
	}
}

// Create starts a session for the user with the given state.
func (s *SessionStore) Create(app, user string, state map[string]any) model.Session {
	if state == nil {
		state = map[string]any{}
	}
	sess := model.Session{
		ID:             uuid.NewString(),
		AppName:        app,
		UserID:         user,
		State:          state,
		Events:         []model.Event{},
		LastUpdateTime: unixSeconds(s.now()),
	}

	s.mu.Lock()
	s.sessions[sessionKey{app, user, sess.ID}] = sess
	s.mu.Unlock()
	return sess
}

func (s *SessionStore) Get(app, user, id string) (model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionKey{app, user, id}]
	if !ok {
		return model.Session{}, errSessionNotFound
	}
	copied := sess
	copied.Events = append([]model.Event(nil), sess.Events...)
	return copied, nil
}

// Append records a finished text event authored by author.
func (s *SessionStore) Append(app, user, id, author, role, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey{app, user, id}
	sess, ok := s.sessions[key]
	if !ok {
		return errSessionNotFound
	}

	now := unixSeconds(s.now())
	sess.Events = append(sess.Events, model.Event{
		ID:           uuid.NewString(),
		Author:       author,
		Timestamp:    now,
		Content:      &model.Content{Role: role, Parts: []model.Part{{Text: text}}},
		TurnComplete: role != "user",
	})
	sess.LastUpdateTime = now
	s.sessions[key] = sess
	return nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
