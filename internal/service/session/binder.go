package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ovara-labs/ovara/backend/internal/bridge"
	agentmodel "github.com/ovara-labs/ovara/backend/internal/model/agent"
	"github.com/ovara-labs/ovara/backend/internal/model/conversation"
	"github.com/ovara-labs/ovara/backend/internal/service/agent"
	"github.com/ovara-labs/ovara/backend/internal/store"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrOwnershipMismatch    = errors.New("conversation does not belong to client")
	ErrHandshakeMismatch    = errors.New("handshake names a different conversation")

	// ErrAgentUnavailable wraps every agent service failure. It is recoverable: callers may
	// offer to create a new session.
	ErrAgentUnavailable = errors.New("agent service unavailable")
)

// AgentClient is the subset of the agent service API the binder needs.
type AgentClient interface {
	CreateSession(ctx context.Context, req agentmodel.CreateSessionRequest) (agentmodel.Session, error)
	GetSession(ctx context.Context, appName, userID, sessionID string) (agentmodel.Session, error)
}

// EnsureResult describes the session bound to a conversation.
type EnsureResult struct {
	SessionID      string
	UserID         string
	AppName        string
	ConversationID string
	// Created is true when this call created the external session.
	Created bool
	// AgentResponse is the agent's creation response; nil when an existing binding was reused.
	AgentResponse *agentmodel.Session
}

// FetchResult is the resume view of a conversation.
type FetchResult struct {
	Conversation         conversation.Conversation
	Session              *agentmodel.Session
	Messages             []*schema.Message
	NeedsSessionCreation bool
}

// Binder maps conversation records to external agent sessions.
type Binder struct {
	store   store.Store
	agent   AgentClient
	appName string
	logger  *zap.Logger
	group   singleflight.Group
	now     func() time.Time
}

// NewBinder wires a binder. Sessions are created under appName.
func NewBinder(st store.Store, client AgentClient, appName string, logger *zap.Logger) *Binder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Binder{
		store:   st,
		agent:   client,
		appName: appName,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// EnsureSession returns the session bound to the conversation, creating and attaching one
// when the conversation has none yet.
func (b *Binder) EnsureSession(ctx context.Context, conversationID, clientID, organizationID string) (EnsureResult, error) {
	conversationID = strings.TrimSpace(conversationID)
	clientID = strings.TrimSpace(clientID)
	organizationID = strings.TrimSpace(organizationID)
	if conversationID == "" || clientID == "" || organizationID == "" {
		return EnsureResult{}, fmt.Errorf("%w: conversationId, clientId and organizationId are required", ErrInvalidArgument)
	}

	c, err := b.load(ctx, conversationID)
	if err != nil {
		return EnsureResult{}, err
	}
	if !c.OwnedBy(clientID, organizationID) {
		return EnsureResult{}, ErrOwnershipMismatch
	}
	if c.HasSession() {
		return existing(c), nil
	}

	// The flight is shared, so one caller going away must not fail the others. The agent
	// client's timeout still bounds it.
	flightCtx := context.WithoutCancel(ctx)
	ch := b.group.DoChan(conversationID, func() (any, error) {
		return b.create(flightCtx, conversationID, clientID, organizationID)
	})

	select {
	case <-ctx.Done():
		return EnsureResult{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return EnsureResult{}, res.Err
		}
		if res.Shared {
			b.logger.Debug("session creation collapsed", zap.String("conversation_id", conversationID))
		}
		return res.Val.(EnsureResult), nil
	}
}

func (b *Binder) create(ctx context.Context, conversationID, clientID, organizationID string) (EnsureResult, error) {
	// Another caller may have attached while this one waited for the flight slot.
	c, err := b.load(ctx, conversationID)
	if err != nil {
		return EnsureResult{}, err
	}
	if c.HasSession() {
		return existing(c), nil
	}

	appName := c.AdkAppName
	if appName == "" {
		appName = b.appName
	}

	created, err := b.agent.CreateSession(ctx, agentmodel.CreateSessionRequest{
		AppName: appName,
		UserID:  clientID,
		State:   seedState(clientID, organizationID, conversationID),
	})
	if err != nil {
		b.logger.Warn("agent session creation failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		return EnsureResult{}, fmt.Errorf("%w: %w", ErrAgentUnavailable, err)
	}
	if created.ID == "" {
		b.logger.Warn("agent created a session without an id", zap.String("conversation_id", conversationID))
		return EnsureResult{}, fmt.Errorf("%w: %w", ErrAgentUnavailable, agent.ErrMissingSessionID)
	}

	userID := created.UserID
	if userID == "" {
		userID = clientID
	}
	if created.AppName != "" {
		appName = created.AppName
	}

	ext := conversation.ExternalSession{SessionID: created.ID, UserID: userID, AppName: appName}
	bound, attached, err := b.store.AttachSession(ctx, conversationID, ext, b.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return EnsureResult{}, ErrConversationNotFound
		}
		return EnsureResult{}, fmt.Errorf("attach session: %w", err)
	}
	if !attached {
		b.logger.Warn("session attach lost race, reusing existing binding",
			zap.String("conversation_id", conversationID),
			zap.String("orphaned_session_id", created.ID),
			zap.String("session_id", bound.AdkSessionID),
		)
		return existing(bound), nil
	}

	b.logger.Info("session bound",
		zap.String("conversation_id", conversationID),
		zap.String("session_id", ext.SessionID),
		zap.String("user_id", ext.UserID),
	)
	return EnsureResult{
		SessionID:      ext.SessionID,
		UserID:         ext.UserID,
		AppName:        ext.AppName,
		ConversationID: conversationID,
		Created:        true,
		AgentResponse:  &created,
	}, nil
}

// FetchSession loads the conversation and, when bound, the agent session with its transcript.
// An unbound conversation or one whose session the agent has forgotten reports
// NeedsSessionCreation instead of an error.
func (b *Binder) FetchSession(ctx context.Context, conversationID string) (FetchResult, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return FetchResult{}, fmt.Errorf("%w: conversationId is required", ErrInvalidArgument)
	}

	c, err := b.load(ctx, conversationID)
	if err != nil {
		return FetchResult{}, err
	}
	if !c.HasSession() {
		return FetchResult{Conversation: c, NeedsSessionCreation: true}, nil
	}

	appName := c.AdkAppName
	if appName == "" {
		appName = b.appName
	}
	userID := c.AdkUserID
	if userID == "" {
		userID = c.ClientID
	}

	s, err := b.agent.GetSession(ctx, appName, userID, c.AdkSessionID)
	if errors.Is(err, agent.ErrSessionNotFound) {
		b.logger.Info("bound session missing on agent",
			zap.String("conversation_id", conversationID),
			zap.String("session_id", c.AdkSessionID),
		)
		return FetchResult{Conversation: c, NeedsSessionCreation: true}, nil
	}
	if err != nil {
		return FetchResult{}, fmt.Errorf("%w: %w", ErrAgentUnavailable, err)
	}

	return FetchResult{
		Conversation: c,
		Session:      &s,
		Messages:     agent.Messages(s),
	}, nil
}

// BindHandshake attaches the session announced in a connection handshake to an unbound
// conversation. A conversation that is already bound keeps its session.
func (b *Binder) BindHandshake(ctx context.Context, conversationID string, hs bridge.Handshake) (conversation.Conversation, error) {
	if hs.ConversationID != "" && hs.ConversationID != conversationID {
		return conversation.Conversation{}, fmt.Errorf("%w: got %q, want %q", ErrHandshakeMismatch, hs.ConversationID, conversationID)
	}

	c, err := b.load(ctx, conversationID)
	if err != nil {
		return conversation.Conversation{}, err
	}
	if hs.SessionID == "" {
		return c, nil
	}
	if c.HasSession() {
		if c.AdkSessionID != hs.SessionID {
			b.logger.Warn("handshake announced a different session",
				zap.String("conversation_id", conversationID),
				zap.String("session_id", c.AdkSessionID),
				zap.String("handshake_session_id", hs.SessionID),
			)
		}
		return c, nil
	}

	userID := hs.UserID
	if userID == "" {
		userID = c.ClientID
	}
	appName := c.AdkAppName
	if appName == "" {
		appName = b.appName
	}

	bound, attached, err := b.store.AttachSession(ctx, conversationID,
		conversation.ExternalSession{SessionID: hs.SessionID, UserID: userID, AppName: appName}, b.now())
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("attach handshake session: %w", err)
	}
	if attached {
		b.logger.Info("session bound from handshake",
			zap.String("conversation_id", conversationID),
			zap.String("session_id", hs.SessionID),
			zap.String("connection_id", hs.ConnectionID),
		)
	}
	return bound, nil
}

func (b *Binder) load(ctx context.Context, conversationID string) (conversation.Conversation, error) {
	c, err := b.store.Get(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return conversation.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	return c, nil
}

func existing(c conversation.Conversation) EnsureResult {
	return EnsureResult{
		SessionID:      c.AdkSessionID,
		UserID:         c.AdkUserID,
		AppName:        c.AdkAppName,
		ConversationID: c.ID,
	}
}

// seedState is the initial agent state every onboarding session starts with.
func seedState(clientID, organizationID, conversationID string) map[string]any {
	return map[string]any{
		"client_id":       clientID,
		"organization_id": organizationID,
		"conversation_id": conversationID,
		"onboarding":      map[string]any{},
		"scheduling":      map[string]any{},
	}
}
