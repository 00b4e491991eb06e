package bridge

import (
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TurnEventKind enumerates what the assembler reports.
type TurnEventKind int

const (
	TurnStarted TurnEventKind = iota + 1
	TurnUpdated
	TurnFinalized
	UserMessage
	TurnDiscarded
)

func (k TurnEventKind) String() string {
	switch k {
	case TurnStarted:
		return "started"
	case TurnUpdated:
		return "updated"
	case TurnFinalized:
		return "finalized"
	case UserMessage:
		return "user"
	case TurnDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// TurnEvent is one display-level change. Text is always the full text of the turn so far.
type TurnEvent struct {
	Kind   TurnEventKind
	TurnID string
	Role   Role
	Text   string
	// Message is set on TurnFinalized and UserMessage.
	Message *schema.Message
	// Reason is set on TurnDiscarded.
	Reason string
}

// Assembler folds streamed agent fragments into turns. At most one agent turn is open at a
// time. It is not safe for concurrent use; the relay drives it from the connection loop.
type Assembler struct {
	emit   func(TurnEvent)
	logger *zap.Logger
	open   *openTurn
}

type openTurn struct {
	id     string
	text   strings.Builder
	chunks []*schema.Message
}

// NewAssembler returns an assembler that reports through emit.
func NewAssembler(emit func(TurnEvent), logger *zap.Logger) *Assembler {
	if emit == nil {
		emit = func(TurnEvent) {}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{emit: emit, logger: logger}
}

// OpenTurn returns the id of the open agent turn, if any.
func (a *Assembler) OpenTurn() (string, bool) {
	if a.open == nil {
		return "", false
	}
	return a.open.id, true
}

// OnFragment feeds one text or control envelope.
func (a *Assembler) OnFragment(env Envelope) {
	if env.Role == RoleUser {
		a.onUser(env)
		return
	}

	if env.Interrupted {
		a.Discard("interrupted")
		return
	}

	if a.open == nil {
		if env.Data == "" {
			// No finalize without a start.
			a.logger.Debug("dropping control frame without open turn", zap.Bool("turn_complete", env.TurnComplete))
			return
		}
		a.open = &openTurn{id: uuid.NewString()}
		a.emit(TurnEvent{Kind: TurnStarted, TurnID: a.open.id, Role: RoleModel})
	}

	if env.Data != "" {
		a.open.text.WriteString(env.Data)
		a.open.chunks = append(a.open.chunks, schema.AssistantMessage(env.Data, nil))
		a.emit(TurnEvent{Kind: TurnUpdated, TurnID: a.open.id, Role: RoleModel, Text: a.open.text.String()})
	}

	if env.TurnComplete {
		a.finalize()
	}
}

// Discard drops the open turn, if any. Nothing more is emitted for it.
func (a *Assembler) Discard(reason string) {
	if a.open == nil {
		return
	}
	turn := a.open
	a.open = nil
	a.emit(TurnEvent{Kind: TurnDiscarded, TurnID: turn.id, Role: RoleModel, Text: turn.text.String(), Reason: reason})
}

func (a *Assembler) onUser(env Envelope) {
	if a.open != nil {
		a.logger.Warn("user message while agent turn is open", zap.String("turn_id", a.open.id))
	}
	if env.Data == "" {
		return
	}
	a.emit(TurnEvent{
		Kind:    UserMessage,
		TurnID:  uuid.NewString(),
		Role:    RoleUser,
		Text:    env.Data,
		Message: schema.UserMessage(env.Data),
	})
}

func (a *Assembler) finalize() {
	turn := a.open
	a.open = nil

	text := turn.text.String()
	msg, err := schema.ConcatMessages(turn.chunks)
	if err != nil || msg == nil {
		if err != nil {
			a.logger.Debug("concat turn chunks failed", zap.String("turn_id", turn.id), zap.Error(err))
		}
		msg = schema.AssistantMessage(text, nil)
	}

	a.emit(TurnEvent{Kind: TurnFinalized, TurnID: turn.id, Role: RoleModel, Text: text, Message: msg})
}
