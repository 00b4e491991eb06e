package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ovara-labs/ovara/backend/internal/bridge"
)

func TestPrinterStreamsDeltas(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{out: &buf}

	p.turn(bridge.TurnEvent{Kind: bridge.UserMessage, Text: "hi"})
	p.turn(bridge.TurnEvent{Kind: bridge.TurnStarted})
	p.turn(bridge.TurnEvent{Kind: bridge.TurnUpdated, Text: "Hel"})
	p.turn(bridge.TurnEvent{Kind: bridge.TurnUpdated, Text: "Hello"})
	p.turn(bridge.TurnEvent{Kind: bridge.TurnFinalized, Text: "Hello!"})

	assert.Equal(t, "[you] hi\n[agent] Hello!\n", buf.String())
}

func TestPrinterStatusBreaksLine(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{out: &buf}

	p.turn(bridge.TurnEvent{Kind: bridge.TurnStarted})
	p.turn(bridge.TurnEvent{Kind: bridge.TurnUpdated, Text: "Hel"})
	p.line("[status] %s", bridge.Status{State: bridge.StateReconnecting, Attempt: 1})
	p.turn(bridge.TurnEvent{Kind: bridge.TurnDiscarded, Reason: "interrupted"})

	assert.Equal(t, "[agent] Hel\n[status] reconnecting(1)\n [discarded: interrupted]\n", buf.String())
}
