package stream

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ovara-labs/ovara/backend/internal/bridge"
	conversationService "github.com/ovara-labs/ovara/backend/internal/service/conversation"
	sessionService "github.com/ovara-labs/ovara/backend/internal/service/session"
	"github.com/ovara-labs/ovara/backend/pkg/utils"
)

// eventBuffer bounds how far a slow SSE client may fall behind the relay. Superseded turn
// updates do not count against it.
const eventBuffer = 256

// Config describes how live relays reach the agent socket.
type Config struct {
	Endpoint  string
	AuthToken string
	Relay     bridge.Options
}

// Handler 通过 Server-Sent Events 向浏览器推送 agent 会话的实时回合。
// 每个会话同一时间只允许一条实时流，消息通过 POST 发送到这条流的 relay。
type Handler struct {
	binder        *sessionService.Binder
	conversations *conversationService.Service
	cfg           Config
	logger        *zap.Logger

	mu   sync.Mutex
	live map[string]*bridge.Relay
}

// New creates a new stream handler
func New(binder *sessionService.Binder, conversations *conversationService.Service, cfg Config, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		binder:        binder,
		conversations: conversations,
		cfg:           cfg,
		logger:        logger,
		live:          make(map[string]*bridge.Relay),
	}
}

// RegisterRoutes 注册实时流相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions/{conversationID}/stream", h.handleStream)
	r.Post("/sessions/{conversationID}/messages", h.handleSend)
}

// Event is one SSE payload.
type Event struct {
	Kind    string          `json:"kind,omitempty"`
	TurnID  string          `json:"turnId,omitempty"`
	Role    string          `json:"role,omitempty"`
	Content string          `json:"content,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	State   string          `json:"state,omitempty"`
	Attempt int             `json:"attempt,omitempty"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type namedEvent struct {
	name string
	data Event
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	ctx := r.Context()

	fetched, err := h.binder.FetchSession(ctx, conversationID)
	if err != nil {
		respondBinderError(w, err)
		return
	}
	if fetched.NeedsSessionCreation {
		utils.RespondError(w, http.StatusConflict, "conversation has no active agent session")
		return
	}
	c := fetched.Conversation
	userID := c.AdkUserID
	if userID == "" {
		userID = c.ClientID
	}

	queue := newEventQueue(eventBuffer)
	push := func(ev namedEvent) {
		if !queue.push(ev) {
			h.logger.Debug("stream queue overflowed, refusing event",
				zap.String("conversation_id", conversationID),
				zap.String("event", ev.name),
			)
		}
	}

	relay := bridge.NewRelay(h.cfg.Relay, bridge.Hooks{
		OnStatus: func(s bridge.Status) {
			ev := Event{State: s.State.String(), Attempt: s.Attempt}
			if s.Err != nil {
				ev.Error = s.Err.Error()
			}
			push(namedEvent{name: "status", data: ev})
		},
		OnTurn: func(t bridge.TurnEvent) {
			push(namedEvent{name: "turn", data: Event{
				Kind:    t.Kind.String(),
				TurnID:  t.TurnID,
				Role:    string(t.Role),
				Content: t.Text,
				Reason:  t.Reason,
			}})
		},
		OnStructured: func(payload json.RawMessage, role bridge.Role) {
			push(namedEvent{name: "structured", data: Event{Role: string(role), Payload: payload}})
		},
		OnDecodeError: func(err error) {
			push(namedEvent{name: "error", data: Event{Error: err.Error()}})
		},
	}, h.logger.Named("relay").With(zap.String("conversation_id", conversationID)))

	if !h.register(conversationID, relay) {
		utils.RespondError(w, http.StatusConflict, "a live stream is already open for this conversation")
		return
	}
	defer h.unregister(conversationID, relay)
	defer relay.Close()

	flusher, err := utils.SetupSSEHeaders(w)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	err = relay.Connect(ctx, bridge.Target{
		Endpoint:  h.cfg.Endpoint,
		AuthToken: h.cfg.AuthToken,
		Conversation: bridge.Conversation{
			ConversationID: c.ID,
			SessionID:      c.AdkSessionID,
			UserID:         userID,
		},
	})
	if err != nil {
		h.logger.Error("relay connect failed", zap.String("conversation_id", conversationID), zap.Error(err))
		_ = utils.SendSSEEvent(w, flusher, "error", Event{Error: err.Error()})
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-queue.Ready():
			if !h.flush(w, flusher, queue) {
				return
			}
		case <-queue.Overflow():
			// The client fell too far behind to be given a consistent transcript.
			h.logger.Warn("stream client too slow, ending stream", zap.String("conversation_id", conversationID))
			if h.flush(w, flusher, queue) {
				_ = utils.SendSSEEvent(w, flusher, "error", Event{Error: "stream overflow, reconnect to resume"})
			}
			return
		case <-relay.Done():
			// Includes the final status.
			h.flush(w, flusher, queue)
			return
		}
	}
}

// flush writes every queued event. It reports false once the client is gone.
func (h *Handler) flush(w http.ResponseWriter, flusher http.Flusher, queue *eventQueue) bool {
	for _, ev := range queue.take() {
		if err := utils.SendSSEEvent(w, flusher, ev.name, ev.data); err != nil {
			h.logger.Debug("stream client gone", zap.Error(err))
			return false
		}
	}
	return true
}

type sendRequest struct {
	Text string `json:"text"`
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	var payload sendRequest
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	text := strings.TrimSpace(payload.Text)
	if text == "" {
		utils.RespondError(w, http.StatusBadRequest, "text is required")
		return
	}

	h.mu.Lock()
	relay := h.live[conversationID]
	h.mu.Unlock()
	if relay == nil {
		utils.RespondError(w, http.StatusConflict, "no live stream for this conversation")
		return
	}

	if err := relay.SendText(r.Context(), text); err != nil {
		if bridge.IsNotConnected(err) {
			utils.RespondError(w, http.StatusServiceUnavailable, "not connected: "+relay.Status().String())
			return
		}
		h.logger.Error("send failed", zap.String("conversation_id", conversationID), zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := h.conversations.Touch(r.Context(), conversationID); err != nil {
		h.logger.Warn("touch conversation failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (h *Handler) register(conversationID string, relay *bridge.Relay) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.live[conversationID]; ok {
		return false
	}
	h.live[conversationID] = relay
	return true
}

func (h *Handler) unregister(conversationID string, relay *bridge.Relay) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.live[conversationID] == relay {
		delete(h.live, conversationID)
	}
}

func respondBinderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sessionService.ErrConversationNotFound):
		utils.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, sessionService.ErrAgentUnavailable):
		utils.RespondError(w, http.StatusBadGateway, "agent service unavailable")
	default:
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}
