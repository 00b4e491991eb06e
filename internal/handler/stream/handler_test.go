package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ovara-labs/ovara/backend/internal/agentsim"
	"github.com/ovara-labs/ovara/backend/internal/bridge"
	"github.com/ovara-labs/ovara/backend/internal/service/agent"
	conversationService "github.com/ovara-labs/ovara/backend/internal/service/conversation"
	sessionService "github.com/ovara-labs/ovara/backend/internal/service/session"
	"github.com/ovara-labs/ovara/backend/internal/store"
)

type fixture struct {
	api           *httptest.Server
	conversations *conversationService.Service
	binder        *sessionService.Binder
	handler       *Handler
}

func setup(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	sim := agentsim.New(agentsim.Options{Logger: logger.Named("sim")})
	agentSrv := httptest.NewServer(sim.Routes())

	client, err := agent.NewClient(agent.Config{BaseURL: agentSrv.URL, Logger: logger})
	require.NoError(t, err)

	st := store.NewMemoryStore()
	conversations := conversationService.NewService(st, "ovara_agent", logger)
	binder := sessionService.NewBinder(st, client, "ovara_agent", logger)

	h := New(binder, conversations, Config{
		Endpoint: "ws" + strings.TrimPrefix(agentSrv.URL, "http"),
		Relay:    bridge.Options{BaseDelay: 10 * time.Millisecond, MaxAttempts: 1},
	}, logger)

	r := chi.NewRouter()
	h.RegisterRoutes(r)
	api := httptest.NewServer(r)

	t.Cleanup(func() {
		api.Close()
		sim.Close()
		agentSrv.Close()
	})
	return &fixture{api: api, conversations: conversations, binder: binder, handler: h}
}

func (f *fixture) boundConversation(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	c, err := f.conversations.Create(ctx, conversationService.CreateInput{ClientID: "C1", OrganizationID: "O1"})
	require.NoError(t, err)
	_, err = f.binder.EnsureSession(ctx, c.ID, "C1", "O1")
	require.NoError(t, err)
	return c.ID
}

type sseEvent struct {
	name string
	data Event
}

func readEvents(t *testing.T, resp *http.Response) <-chan sseEvent {
	t.Helper()
	out := make(chan sseEvent, 64)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(resp.Body)
		var name string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				var ev Event
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err == nil {
					out <- sseEvent{name: name, data: ev}
				}
			}
		}
	}()
	return out
}

func waitFor(t *testing.T, events <-chan sseEvent, match func(sseEvent) bool) sseEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "stream ended early")
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
		}
	}
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStreamRelaysTurns(t *testing.T) {
	f := setup(t)
	id := f.boundConversation(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.api.URL+"/sessions/"+id+"/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readEvents(t, resp)
	waitFor(t, events, func(ev sseEvent) bool { return ev.name == "status" && ev.data.State == "connected" })

	sent := post(t, f.api.URL+"/sessions/"+id+"/messages", `{"text":"hi there"}`)
	assert.Equal(t, http.StatusAccepted, sent.StatusCode)

	user := waitFor(t, events, func(ev sseEvent) bool { return ev.name == "turn" && ev.data.Kind == "user" })
	assert.Equal(t, "hi there", user.data.Content)

	final := waitFor(t, events, func(ev sseEvent) bool { return ev.name == "turn" && ev.data.Kind == "finalized" })
	assert.Equal(t, "You said: hi there", final.data.Content)
	assert.Equal(t, string(bridge.RoleModel), final.data.Role)

	// one live stream per conversation
	dup, err := http.Get(f.api.URL + "/sessions/" + id + "/stream")
	require.NoError(t, err)
	dup.Body.Close()
	assert.Equal(t, http.StatusConflict, dup.StatusCode)

	cancel()
	assert.Eventually(t, func() bool {
		f.handler.mu.Lock()
		defer f.handler.mu.Unlock()
		return len(f.handler.live) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamRequiresBoundSession(t *testing.T) {
	f := setup(t)
	c, err := f.conversations.Create(context.Background(), conversationService.CreateInput{ClientID: "C1", OrganizationID: "O1"})
	require.NoError(t, err)

	resp, err := http.Get(f.api.URL + "/sessions/" + c.ID + "/stream")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Get(f.api.URL + "/sessions/missing/stream")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSendWithoutLiveStream(t *testing.T) {
	f := setup(t)
	id := f.boundConversation(t)

	resp := post(t, f.api.URL+"/sessions/"+id+"/messages", `{"text":"hello"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = post(t, f.api.URL+"/sessions/"+id+"/messages", `{"text":"  "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
