package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ovara-labs/ovara/backend/internal/handler/conversation"
	"github.com/ovara-labs/ovara/backend/internal/handler/session"
	"github.com/ovara-labs/ovara/backend/internal/handler/stream"
	"github.com/ovara-labs/ovara/backend/internal/logging"
	middlewarePkg "github.com/ovara-labs/ovara/backend/internal/middleware"
	conversationService "github.com/ovara-labs/ovara/backend/internal/service/conversation"
	sessionService "github.com/ovara-labs/ovara/backend/internal/service/session"
	"github.com/ovara-labs/ovara/backend/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(conversations *conversationService.Service, binder *sessionService.Binder, live stream.Config, logger *zap.Logger) http.Handler {
	logger = logging.OrNop(logger)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(logger.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	conversationHandler := conversation.New(conversations, logger.Named("conversation"))
	sessionHandler := session.New(binder, logger.Named("session"))
	streamHandler := stream.New(binder, conversations, live, logger.Named("stream"))

	r.Route("/api", func(api chi.Router) {
		conversationHandler.RegisterRoutes(api)
		sessionHandler.RegisterRoutes(api)
		streamHandler.RegisterRoutes(api)
	})

	return r
}
