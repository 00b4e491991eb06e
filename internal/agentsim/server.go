package agentsim

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/ovara-labs/ovara/backend/internal/bridge"
	"github.com/ovara-labs/ovara/backend/internal/service/agent"
	"github.com/ovara-labs/ovara/backend/pkg/utils"
)

const writeTimeout = 10 * time.Second

// Options configures the emulator.
type Options struct {
	// AppName is the author recorded on agent events.
	AppName string
	// Token, when set, must be presented as a bearer token on every request.
	Token     string
	Responder Responder
	Logger    *zap.Logger
}

// Server emulates the agent service: session REST API plus the streaming socket.
type Server struct {
	sessions  *SessionStore
	responder Responder
	appName   string
	token     string
	logger    *zap.Logger
	upgrader  websocket.Upgrader

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
	wg     conc.WaitGroup
}

// New creates an emulator. A nil responder echoes.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	responder := opts.Responder
	if responder == nil {
		responder = EchoResponder{}
	}
	appName := opts.AppName
	if appName == "" {
		appName = "ovara_agent"
	}

	return &Server{
		sessions:  NewSessionStore(),
		responder: responder,
		appName:   appName,
		token:     opts.Token,
		logger:    logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// Sessions exposes the backing session store.
func (s *Server) Sessions() *SessionStore {
	return s.sessions
}

// Routes returns the emulator's HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.authenticate)

	r.Post("/apps/{app}/users/{user}/sessions", s.handleCreateSession)
	r.Get("/apps/{app}/users/{user}/sessions/{sessionID}", s.handleGetSession)
	r.Get("/ws/{user}", s.handleSocket)
	return r
}

// Close drops every open socket and waits for their handlers to finish.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
			utils.RespondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body agent.CreateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		utils.RespondError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	sess := s.sessions.Create(chi.URLParam(r, "app"), chi.URLParam(r, "user"), body.State)
	s.logger.Info("session created", zap.String("session_id", sess.ID), zap.String("user_id", sess.UserID))
	utils.RespondJSON(w, http.StatusOK, agent.FromModel(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "app"), chi.URLParam(r, "user"), chi.URLParam(r, "sessionID"))
	if err != nil {
		utils.RespondJSON(w, http.StatusNotFound, map[string]string{"detail": "Session not found"})
		return
	}
	utils.RespondJSON(w, http.StatusOK, agent.FromModel(sess))
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user")
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		utils.RespondError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID != "" {
		if _, err := s.sessions.Get(s.appName, userID, sessionID); err != nil {
			utils.RespondError(w, http.StatusNotFound, "session not found")
			return
		}
	} else {
		sessionID = s.sessions.Create(s.appName, userID, map[string]any{
			"client_id":       userID,
			"conversation_id": conversationID,
		}).ID
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	logger := s.logger.With(zap.String("conversation_id", conversationID), zap.String("session_id", sessionID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames := make(chan []byte)
	tracked := s.track(conn, func() {
		defer cancel()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Debug("read error", zap.Error(err))
				}
				return
			}
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			}
		}
	})
	if !tracked {
		conn.Close()
		return
	}
	defer s.untrack(conn)
	logger.Info("socket connected")

	hs, _ := bridge.EncodeHandshake(bridge.Handshake{
		ConnectionID:   uuid.NewString(),
		ConversationID: conversationID,
		SessionID:      sessionID,
		UserID:         userID,
	})
	if err := write(conn, hs); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("socket closed")
			return
		case data := <-frames:
			frame, err := bridge.Decode(data)
			if err != nil {
				logger.Warn("dropping undecodable frame", zap.Error(err))
				continue
			}
			if frame.Envelope == nil || frame.Envelope.Role != bridge.RoleUser {
				continue
			}
			if frame.Envelope.MimeType != bridge.MimeText {
				logger.Debug("ignoring non-text input", zap.String("mime_type", frame.Envelope.MimeType))
				continue
			}
			if err := s.reply(ctx, conn, s.appName, userID, sessionID, frame.Envelope.Data); err != nil {
				logger.Warn("reply failed", zap.Error(err))
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// reply records the user message, streams the responder's answer as partial fragments and
// closes the turn.
func (s *Server) reply(ctx context.Context, conn *websocket.Conn, app, user, sessionID, text string) error {
	if err := s.sessions.Append(app, user, sessionID, agent.UserAuthor, "user", text); err != nil {
		return err
	}

	current, err := s.sessions.Get(app, user, sessionID)
	if err != nil {
		return err
	}
	history := agent.Messages(current)
	if n := len(history); n > 0 {
		history = history[:n-1]
	}

	stream, err := s.responder.Respond(ctx, current.State, history, text)
	if err != nil {
		return err
	}
	defer stream.Close()

	chunks := make([]*schema.Message, 0, 8)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		chunks = append(chunks, chunk)

		frame, _ := bridge.EncodeEnvelope(bridge.Envelope{
			MimeType: bridge.MimeText,
			Data:     chunk.Content,
			Role:     bridge.RoleModel,
			Partial:  true,
		})
		if err := write(conn, frame); err != nil {
			return err
		}
	}

	done, _ := bridge.EncodeEnvelope(bridge.Envelope{Role: bridge.RoleModel, TurnComplete: true})
	if err := write(conn, done); err != nil {
		return err
	}

	if len(chunks) == 0 {
		return nil
	}
	full, err := schema.ConcatMessages(chunks)
	if err != nil {
		return err
	}
	return s.sessions.Append(app, user, sessionID, s.appName, "model", full.Content)
}

// track registers conn and starts its read pump, unless the server is closing.
func (s *Server) track(conn *websocket.Conn, readPump func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Go(readPump)
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

func write(conn *websocket.Conn, data []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}
