package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	model "github.com/ovara-labs/ovara/backend/internal/model/conversation"
	"github.com/ovara-labs/ovara/backend/internal/store"
)

var (
	ErrClientRequired       = errors.New("client id is required")
	ErrOrganizationRequired = errors.New("organization id is required")
	ErrNotFound             = errors.New("conversation not found")
	ErrInvalidStatus        = errors.New("invalid conversation status")
)

// CreateInput carries the fields a client supplies when starting a chat.
type CreateInput struct {
	ClientID       string `json:"clientId"`
	OrganizationID string `json:"organizationId"`
	Title          string `json:"title"`
}

// Service manages conversation records on top of a Store.
type Service struct {
	store   store.Store
	appName string
	logger  *zap.Logger
	now     func() time.Time
}

// NewService wires the conversation service. appName is recorded on every new conversation.
func NewService(st store.Store, appName string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:   st,
		appName: appName,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create provisions a new active conversation without an external session.
func (s *Service) Create(ctx context.Context, in CreateInput) (model.Conversation, error) {
	clientID := strings.TrimSpace(in.ClientID)
	orgID := strings.TrimSpace(in.OrganizationID)
	if clientID == "" {
		return model.Conversation{}, ErrClientRequired
	}
	if orgID == "" {
		return model.Conversation{}, ErrOrganizationRequired
	}

	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = model.DefaultTitle
	}

	now := s.now()
	c := model.Conversation{
		ID:             uuid.NewString(),
		ClientID:       clientID,
		OrganizationID: orgID,
		Title:          title,
		Status:         model.StatusActive,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
		AdkAppName:     s.appName,
	}
	if err := s.store.Create(ctx, c); err != nil {
		return model.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}

	s.logger.Info("conversation created",
		zap.String("conversation_id", c.ID),
		zap.String("client_id", clientID),
		zap.String("organization_id", orgID),
	)
	return c, nil
}

// Get retrieves a conversation by identifier.
func (s *Service) Get(ctx context.Context, id string) (model.Conversation, error) {
	c, err := s.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Conversation{}, ErrNotFound
	}
	return c, err
}

// List returns conversations matching the filter, most recently active first.
func (s *Service) List(ctx context.Context, filter store.Filter) ([]model.Conversation, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, ErrInvalidStatus
	}
	return s.store.List(ctx, filter)
}

// Archive marks the conversation archived. The bound session, if any, is kept.
func (s *Service) Archive(ctx context.Context, id string) (model.Conversation, error) {
	c, err := s.store.UpdateStatus(ctx, id, model.StatusArchived, s.now())
	if errors.Is(err, store.ErrNotFound) {
		return model.Conversation{}, ErrNotFound
	}
	return c, err
}

// Touch bumps the conversation's last activity timestamp.
func (s *Service) Touch(ctx context.Context, id string) error {
	err := s.store.Touch(ctx, id, s.now())
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
