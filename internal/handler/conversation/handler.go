package conversation

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	model "github.com/ovara-labs/ovara/backend/internal/model/conversation"
	conversationService "github.com/ovara-labs/ovara/backend/internal/service/conversation"
	"github.com/ovara-labs/ovara/backend/internal/store"
	"github.com/ovara-labs/ovara/backend/pkg/utils"
)

// Handler 会话记录的HTTP处理器
type Handler struct {
	svc    *conversationService.Service
	logger *zap.Logger
}

// New 创建会话记录处理器
func New(svc *conversationService.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes 注册会话记录相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/conversations", h.handleCreate)
	r.Get("/conversations", h.handleList)
	r.Get("/conversations/{id}", h.handleGet)
	r.Post("/conversations/{id}/archive", h.handleArchive)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var payload conversationService.CreateInput
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	c, err := h.svc.Create(r.Context(), payload)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, c)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.Filter{
		ClientID:       q.Get("clientId"),
		OrganizationID: q.Get("organizationId"),
		Status:         model.Status(q.Get("status")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			utils.RespondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	list, err := h.svc.List(r.Context(), filter)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"conversations": list})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, c)
}

func (h *Handler) handleArchive(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Archive(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, c)
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conversationService.ErrClientRequired),
		errors.Is(err, conversationService.ErrOrganizationRequired),
		errors.Is(err, conversationService.ErrInvalidStatus):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, conversationService.ErrNotFound):
		utils.RespondError(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Error("conversation request failed", zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}
