package bridge

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
)

// Hooks receive everything the relay produces. Nil hooks are skipped. They run on the
// connection loop goroutine and must not block.
type Hooks struct {
	OnStatus      func(Status)
	OnTurn        func(TurnEvent)
	OnAudio       func(pcm []byte)
	OnStructured  func(payload json.RawMessage, role Role)
	OnHandshake   func(Handshake)
	OnDecodeError func(error)
}

// Relay composes the connection manager, codec and assembler into one chat stream.
type Relay struct {
	manager   *Manager
	assembler *Assembler
	hooks     Hooks
	logger    *zap.Logger
}

// NewRelay builds a relay. Frame and status callbacks in opts are replaced by the relay's own.
func NewRelay(opts Options, hooks Hooks, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Relay{hooks: hooks, logger: logger}
	r.assembler = NewAssembler(r.emitTurn, logger.Named("assembler"))

	opts.OnFrame = r.onFrame
	opts.OnStatus = r.onStatus
	opts.OnSent = r.onSent
	r.manager = NewManager(opts, logger.Named("transport"))
	return r
}

// Connect opens the socket for target.
func (r *Relay) Connect(ctx context.Context, target Target) error {
	return r.manager.Connect(ctx, target)
}

// SendText sends a user text message. The message is echoed as a UserMessage turn event once
// written.
func (r *Relay) SendText(ctx context.Context, text string) error {
	frame, err := EncodeText(text)
	if err != nil {
		return err
	}
	return r.manager.Send(ctx, frame)
}

// SendAudio sends a chunk of user PCM audio.
func (r *Relay) SendAudio(ctx context.Context, pcm []byte) error {
	frame, err := EncodeAudio(pcm)
	if err != nil {
		return err
	}
	return r.manager.Send(ctx, frame)
}

// Close tears down the connection. An open turn is discarded.
func (r *Relay) Close() error {
	return r.manager.Close()
}

func (r *Relay) Status() Status {
	return r.manager.Status()
}

func (r *Relay) Done() <-chan struct{} {
	return r.manager.Done()
}

func (r *Relay) onFrame(data []byte) {
	frame, err := Decode(data)
	if err != nil {
		r.logger.Warn("dropping undecodable frame", zap.Error(err))
		if r.hooks.OnDecodeError != nil {
			r.hooks.OnDecodeError(err)
		}
		return
	}

	if frame.Handshake != nil {
		r.logger.Info("connection established",
			zap.String("connection_id", frame.Handshake.ConnectionID),
			zap.String("conversation_id", frame.Handshake.ConversationID),
			zap.String("session_id", frame.Handshake.SessionID),
		)
		if r.hooks.OnHandshake != nil {
			r.hooks.OnHandshake(*frame.Handshake)
		}
		return
	}

	env := *frame.Envelope
	switch env.MimeType {
	case MimeAudioPCM:
		if r.hooks.OnAudio != nil {
			// Decode already validated the payload.
			pcm, _ := env.Audio()
			r.hooks.OnAudio(pcm)
		}
		r.forwardSignals(env)
	case MimeJSON:
		if r.hooks.OnStructured != nil && env.Data != "" {
			r.hooks.OnStructured(json.RawMessage(env.Data), env.Role)
		}
		r.forwardSignals(env)
	default:
		r.assembler.OnFragment(env)
	}
}

// forwardSignals passes the turn flags of a non-text envelope to the assembler.
func (r *Relay) forwardSignals(env Envelope) {
	if !env.TurnComplete && !env.Interrupted {
		return
	}
	r.assembler.OnFragment(Envelope{Role: env.Role, TurnComplete: env.TurnComplete, Interrupted: env.Interrupted})
}

func (r *Relay) onStatus(s Status) {
	if s.State != StateConnected {
		r.assembler.Discard("connection " + s.String())
	}
	if r.hooks.OnStatus != nil {
		r.hooks.OnStatus(s)
	}
}

func (r *Relay) onSent(data []byte) {
	frame, err := Decode(data)
	if err != nil || frame.Envelope == nil {
		return
	}
	if frame.Envelope.Role == RoleUser && frame.Envelope.MimeType == MimeText {
		r.assembler.OnFragment(*frame.Envelope)
	}
}

func (r *Relay) emitTurn(ev TurnEvent) {
	if r.hooks.OnTurn != nil {
		r.hooks.OnTurn(ev)
	}
}

// IsNotConnected reports whether err means a send was rejected because the socket is down.
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrClosed)
}
