package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	model "github.com/ovara-labs/ovara/backend/internal/model/agent"
	"github.com/ovara-labs/ovara/backend/internal/service/agent"
)

func TestClientCreateSession(t *testing.T) {
	var gotBody agent.CreateBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/apps/ovara_agent/users/C1/sessions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"s-1","appName":"ovara_agent","userId":"C1","state":{"client_id":"C1"},"events":[],"lastUpdateTime":1700000000.5}`))
	}))
	defer srv.Close()

	client, err := agent.NewClient(agent.Config{BaseURL: srv.URL, Token: "secret", Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	session, err := client.CreateSession(context.Background(), model.CreateSessionRequest{
		AppName: "ovara_agent",
		UserID:  "C1",
		State:   map[string]any{"client_id": "C1", "organization_id": "O1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "s-1", session.ID)
	assert.Equal(t, "C1", session.UserID)
	assert.Equal(t, "O1", gotBody.State["organization_id"])
	assert.Equal(t, int64(1700000000), session.LastUpdated().Unix())
}

func TestClientCreateSessionWithoutID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"appName":"ovara_agent","userId":"C1","state":{}}`))
	}))
	defer srv.Close()

	client, err := agent.NewClient(agent.Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.CreateSession(context.Background(), model.CreateSessionRequest{AppName: "ovara_agent", UserID: "C1"})
	assert.ErrorIs(t, err, agent.ErrMissingSessionID)
}

func TestClientGetSessionNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"Session not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	client, err := agent.NewClient(agent.Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.GetSession(context.Background(), "ovara_agent", "C1", "gone")
	assert.ErrorIs(t, err, agent.ErrSessionNotFound)
}

func TestClientStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := agent.NewClient(agent.Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.GetSession(context.Background(), "ovara_agent", "C1", "s-1")
	var statusErr *agent.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusInternalServerError, statusErr.Status)
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := agent.NewClient(agent.Config{})
	assert.Error(t, err)
}

func TestMessagesProjection(t *testing.T) {
	session := agent.WireSession{
		ID: "s-1",
		Events: []agent.WireEvent{
			{Author: "user", Content: &agent.WireContent{Role: "user", Parts: []agent.WirePart{{Text: "hi"}}}},
			{Author: "ovara_agent", Partial: true, Content: &agent.WireContent{Role: "model", Parts: []agent.WirePart{{Text: "Hel"}}}},
			{Author: "ovara_agent", Content: &agent.WireContent{Role: "model", Parts: []agent.WirePart{{Text: "Hello"}, {Text: " there"}}}},
			{Author: "ovara_agent", Content: &agent.WireContent{Role: "model", Parts: []agent.WirePart{{FunctionCall: map[string]any{"name": "lookup"}}}}},
		},
	}.ToModel()

	msgs := agent.Messages(session)
	require.Len(t, msgs, 2)
	assert.Equal(t, schema.User, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, schema.Assistant, msgs[1].Role)
	assert.Equal(t, "Hello there", msgs[1].Content)
}
