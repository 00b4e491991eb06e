package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ovara-labs/ovara/backend/internal/agentsim"
	"github.com/ovara-labs/ovara/backend/internal/handler/stream"
	"github.com/ovara-labs/ovara/backend/internal/model/conversation"
	"github.com/ovara-labs/ovara/backend/internal/service/agent"
	conversationService "github.com/ovara-labs/ovara/backend/internal/service/conversation"
	sessionService "github.com/ovara-labs/ovara/backend/internal/service/session"
	"github.com/ovara-labs/ovara/backend/internal/store"
)

func setupRouter(t *testing.T, agentURL string) http.Handler {
	t.Helper()
	logger := zaptest.NewLogger(t)
	st := store.NewMemoryStore()

	client, err := agent.NewClient(agent.Config{BaseURL: agentURL, Logger: logger})
	require.NoError(t, err)

	conversations := conversationService.NewService(st, "ovara_agent", logger)
	binder := sessionService.NewBinder(st, client, "ovara_agent", logger)
	live := stream.Config{Endpoint: "ws" + strings.TrimPrefix(agentURL, "http")}
	return NewRouter(conversations, binder, live, logger)
}

func setupWithEmulator(t *testing.T) http.Handler {
	sim := agentsim.New(agentsim.Options{Logger: zaptest.NewLogger(t)})
	srv := httptest.NewServer(sim.Routes())
	t.Cleanup(func() {
		sim.Close()
		srv.Close()
	})
	return setupRouter(t, srv.URL)
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

func createConversation(t *testing.T, h http.Handler) conversation.Conversation {
	t.Helper()
	resp := do(t, h, http.MethodPost, "/api/conversations", map[string]string{"clientId": "C1", "organizationId": "O1"})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	var c conversation.Conversation
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &c))
	return c
}

func TestHealthz(t *testing.T) {
	h := setupRouter(t, "http://127.0.0.1:1")
	resp := do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestConversationLifecycle(t *testing.T) {
	h := setupRouter(t, "http://127.0.0.1:1")
	c := createConversation(t, h)
	assert.Equal(t, conversation.DefaultTitle, c.Title)

	resp := do(t, h, http.MethodGet, "/api/conversations/"+c.ID, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = do(t, h, http.MethodGet, "/api/conversations?clientId=C1&status=active", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var list struct {
		Conversations []conversation.Conversation `json:"conversations"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &list))
	assert.Len(t, list.Conversations, 1)

	resp = do(t, h, http.MethodPost, "/api/conversations/"+c.ID+"/archive", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = do(t, h, http.MethodGet, "/api/conversations/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = do(t, h, http.MethodPost, "/api/conversations", map[string]string{"clientId": "C1"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = do(t, h, http.MethodGet, "/api/conversations?status=deleted", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestEnsureAndFetchSession(t *testing.T) {
	h := setupWithEmulator(t)
	c := createConversation(t, h)

	resp := do(t, h, http.MethodGet, "/api/sessions/"+c.ID, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var unbound map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &unbound))
	assert.Equal(t, true, unbound["needsSessionCreation"])

	body := map[string]string{"conversationId": c.ID, "clientId": "C1", "organizationId": "O1"}
	resp = do(t, h, http.MethodPost, "/api/sessions", body)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	var created struct {
		SessionID      string         `json:"sessionId"`
		UserID         string         `json:"userId"`
		AppName        string         `json:"appName"`
		ConversationID string         `json:"conversationId"`
		AdkResponse    map[string]any `json:"adkResponse"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))
	assert.NotEmpty(t, created.SessionID)
	assert.Equal(t, "C1", created.UserID)
	assert.Equal(t, "ovara_agent", created.AppName)
	assert.Equal(t, c.ID, created.ConversationID)
	assert.Equal(t, created.SessionID, created.AdkResponse["id"])

	resp = do(t, h, http.MethodPost, "/api/sessions", body)
	require.Equal(t, http.StatusOK, resp.Code)
	var reused struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &reused))
	assert.Equal(t, created.SessionID, reused.SessionID)

	resp = do(t, h, http.MethodGet, "/api/sessions/"+c.ID, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var fetched struct {
		Conversation conversation.Conversation `json:"conversation"`
		Session      struct {
			ID      string         `json:"id"`
			AppName string         `json:"app_name"`
			UserID  string         `json:"user_id"`
			State   map[string]any `json:"state"`
		} `json:"session"`
		Messages             []map[string]any `json:"messages"`
		NeedsSessionCreation bool             `json:"needsSessionCreation"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &fetched))
	assert.False(t, fetched.NeedsSessionCreation)
	assert.Equal(t, created.SessionID, fetched.Conversation.AdkSessionID)
	assert.Equal(t, created.SessionID, fetched.Session.ID)
	assert.Equal(t, "O1", fetched.Session.State["organization_id"])
	assert.NotNil(t, fetched.Messages)
}

func TestEnsureSessionErrors(t *testing.T) {
	h := setupRouter(t, "http://127.0.0.1:1")
	c := createConversation(t, h)

	resp := do(t, h, http.MethodPost, "/api/sessions", map[string]string{"conversationId": c.ID})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = do(t, h, http.MethodPost, "/api/sessions", map[string]string{"conversationId": "missing", "clientId": "C1", "organizationId": "O1"})
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = do(t, h, http.MethodPost, "/api/sessions", map[string]string{"conversationId": c.ID, "clientId": "C2", "organizationId": "O1"})
	assert.Equal(t, http.StatusForbidden, resp.Code)

	resp = do(t, h, http.MethodPost, "/api/sessions", map[string]string{"conversationId": c.ID, "clientId": "C1", "organizationId": "O1"})
	assert.Equal(t, http.StatusBadGateway, resp.Code)
}
