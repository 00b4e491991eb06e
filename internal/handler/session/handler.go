package session

import (
	"errors"
	"net/http"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	agentmodel "github.com/ovara-labs/ovara/backend/internal/model/agent"
	"github.com/ovara-labs/ovara/backend/internal/model/conversation"
	sessionService "github.com/ovara-labs/ovara/backend/internal/service/session"
	"github.com/ovara-labs/ovara/backend/pkg/utils"
)

// Handler 暴露 agent 会话的创建与恢复接口。
type Handler struct {
	binder *sessionService.Binder
	logger *zap.Logger
}

func New(binder *sessionService.Binder, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{binder: binder, logger: logger}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/sessions", h.handleEnsure)
	r.Get("/sessions/{conversationID}", h.handleFetch)
}

type ensureRequest struct {
	ConversationID string `json:"conversationId"`
	ClientID       string `json:"clientId"`
	OrganizationID string `json:"organizationId"`
}

type ensureResponse struct {
	SessionID      string              `json:"sessionId"`
	UserID         string              `json:"userId"`
	AppName        string              `json:"appName"`
	ConversationID string              `json:"conversationId"`
	AdkResponse    *agentmodel.Session `json:"adkResponse,omitempty"`
}

type fetchResponse struct {
	Conversation         conversation.Conversation `json:"conversation"`
	Session              *agentmodel.Session       `json:"session,omitempty"`
	Messages             []*schema.Message         `json:"messages,omitempty"`
	NeedsSessionCreation bool                      `json:"needsSessionCreation,omitempty"`
}

func (h *Handler) handleEnsure(w http.ResponseWriter, r *http.Request) {
	var payload ensureRequest
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.binder.EnsureSession(r.Context(), payload.ConversationID, payload.ClientID, payload.OrganizationID)
	if err != nil {
		h.respondBinderError(w, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	utils.RespondJSON(w, status, ensureResponse{
		SessionID:      res.SessionID,
		UserID:         res.UserID,
		AppName:        res.AppName,
		ConversationID: res.ConversationID,
		AdkResponse:    res.AgentResponse,
	})
}

func (h *Handler) handleFetch(w http.ResponseWriter, r *http.Request) {
	res, err := h.binder.FetchSession(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		h.respondBinderError(w, err)
		return
	}

	messages := res.Messages
	if res.Session != nil && messages == nil {
		messages = []*schema.Message{}
	}
	utils.RespondJSON(w, http.StatusOK, fetchResponse{
		Conversation:         res.Conversation,
		Session:              res.Session,
		Messages:             messages,
		NeedsSessionCreation: res.NeedsSessionCreation,
	})
}

func (h *Handler) respondBinderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sessionService.ErrInvalidArgument):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, sessionService.ErrConversationNotFound):
		utils.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, sessionService.ErrOwnershipMismatch):
		utils.RespondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, sessionService.ErrAgentUnavailable):
		h.logger.Warn("agent unavailable", zap.Error(err))
		utils.RespondError(w, http.StatusBadGateway, "agent service unavailable")
	default:
		h.logger.Error("session request failed", zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}
