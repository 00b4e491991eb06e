package bridge_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ovara-labs/ovara/backend/internal/agentsim"
	"github.com/ovara-labs/ovara/backend/internal/bridge"
)

type events struct {
	mu         sync.Mutex
	turns      []bridge.TurnEvent
	handshakes []bridge.Handshake
	notify     chan struct{}
}

func newEvents() *events {
	return &events{notify: make(chan struct{}, 64)}
}

func (e *events) poke() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *events) hooks() bridge.Hooks {
	return bridge.Hooks{
		OnTurn: func(ev bridge.TurnEvent) {
			e.mu.Lock()
			e.turns = append(e.turns, ev)
			e.mu.Unlock()
			e.poke()
		},
		OnHandshake: func(hs bridge.Handshake) {
			e.mu.Lock()
			e.handshakes = append(e.handshakes, hs)
			e.mu.Unlock()
			e.poke()
		},
		OnStatus: func(bridge.Status) { e.poke() },
	}
}

func (e *events) snapshot() ([]bridge.TurnEvent, []bridge.Handshake) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]bridge.TurnEvent(nil), e.turns...), append([]bridge.Handshake(nil), e.handshakes...)
}

func (e *events) waitFor(t *testing.T, cond func(turns []bridge.TurnEvent, hs []bridge.Handshake) bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if cond(e.snapshot()) {
			return
		}
		select {
		case <-e.notify:
		case <-deadline:
			turns, _ := e.snapshot()
			t.Fatalf("condition not met, turn events so far: %v", turns)
		}
	}
}

func startEmulator(t *testing.T, responder agentsim.Responder) (*agentsim.Server, string) {
	t.Helper()
	sim := agentsim.New(agentsim.Options{Responder: responder, Logger: zaptest.NewLogger(t)})
	srv := httptest.NewServer(sim.Routes())
	t.Cleanup(func() {
		sim.Close()
		srv.Close()
	})
	return sim, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func kinds(turns []bridge.TurnEvent) []bridge.TurnEventKind {
	out := make([]bridge.TurnEventKind, 0, len(turns))
	for _, ev := range turns {
		out = append(out, ev.Kind)
	}
	return out
}

func TestRelayEndToEnd(t *testing.T) {
	sim, endpoint := startEmulator(t, nil)
	session := sim.Sessions().Create("ovara_agent", "C1", nil)

	ev := newEvents()
	relay := bridge.NewRelay(bridge.Options{BaseDelay: 10 * time.Millisecond}, ev.hooks(), zaptest.NewLogger(t))
	defer relay.Close()

	ctx := context.Background()
	err := relay.SendText(ctx, "too early")
	assert.ErrorIs(t, err, bridge.ErrNotConnected)

	require.NoError(t, relay.Connect(ctx, bridge.Target{
		Endpoint:     endpoint,
		Conversation: bridge.Conversation{ConversationID: "K1", SessionID: session.ID, UserID: "C1"},
	}))

	ev.waitFor(t, func(_ []bridge.TurnEvent, hs []bridge.Handshake) bool { return len(hs) == 1 })
	_, hs := ev.snapshot()
	assert.Equal(t, session.ID, hs[0].SessionID)
	assert.Equal(t, bridge.StateConnected, relay.Status().State)

	require.NoError(t, relay.SendText(ctx, "hi there"))
	ev.waitFor(t, func(turns []bridge.TurnEvent, _ []bridge.Handshake) bool {
		return len(turns) > 0 && turns[len(turns)-1].Kind == bridge.TurnFinalized
	})

	turns, _ := ev.snapshot()
	require.GreaterOrEqual(t, len(turns), 4)
	assert.Equal(t, bridge.UserMessage, turns[0].Kind)
	assert.Equal(t, "hi there", turns[0].Text)
	assert.Equal(t, bridge.TurnStarted, turns[1].Kind)

	final := turns[len(turns)-1]
	assert.Equal(t, "You said: hi there", final.Text)
	require.NotNil(t, final.Message)
	assert.Equal(t, "You said: hi there", final.Message.Content)

	finalized := 0
	for _, k := range kinds(turns) {
		if k == bridge.TurnFinalized {
			finalized++
		}
	}
	assert.Equal(t, 1, finalized)

	require.NoError(t, relay.Close())
	assert.Equal(t, bridge.StateDisconnected, relay.Status().State)
}

// stallingResponder streams one chunk and then holds the turn open until the socket goes away.
type stallingResponder struct{}

func (stallingResponder) Respond(ctx context.Context, _ map[string]any, _ []*schema.Message, _ string) (*schema.StreamReader[*schema.Message], error) {
	sr, sw := schema.Pipe[*schema.Message](1)
	go func() {
		defer sw.Close()
		sw.Send(schema.AssistantMessage("Let me check ", nil), nil)
		<-ctx.Done()
	}()
	return sr, nil
}

func TestRelayCloseMidTurnDiscards(t *testing.T) {
	_, endpoint := startEmulator(t, stallingResponder{})

	ev := newEvents()
	relay := bridge.NewRelay(bridge.Options{}, ev.hooks(), zaptest.NewLogger(t))

	ctx := context.Background()
	require.NoError(t, relay.Connect(ctx, bridge.Target{
		Endpoint:     endpoint,
		Conversation: bridge.Conversation{ConversationID: "K1", UserID: "C1"},
	}))
	ev.waitFor(t, func(_ []bridge.TurnEvent, hs []bridge.Handshake) bool { return len(hs) == 1 })

	require.NoError(t, relay.SendText(ctx, "book a call"))
	ev.waitFor(t, func(turns []bridge.TurnEvent, _ []bridge.Handshake) bool {
		return len(turns) > 0 && turns[len(turns)-1].Kind == bridge.TurnUpdated
	})

	require.NoError(t, relay.Close())

	turns, _ := ev.snapshot()
	assert.Equal(t, []bridge.TurnEventKind{
		bridge.UserMessage, bridge.TurnStarted, bridge.TurnUpdated, bridge.TurnDiscarded,
	}, kinds(turns))
	assert.Equal(t, "Let me check ", turns[len(turns)-1].Text)
}
