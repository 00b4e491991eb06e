package agentsim

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
)

// Responder produces the streamed agent reply to one user message.
type Responder interface {
	Respond(ctx context.Context, state map[string]any, history []*schema.Message, query string) (*schema.StreamReader[*schema.Message], error)
}

// EchoResponder replies "You said: <query>" split into word-sized chunks.
type EchoResponder struct{}

func (EchoResponder) Respond(_ context.Context, _ map[string]any, _ []*schema.Message, query string) (*schema.StreamReader[*schema.Message], error) {
	reply := "You said: " + query
	words := strings.SplitAfter(reply, " ")
	chunks := make([]*schema.Message, 0, len(words))
	for _, w := range words {
		if w == "" {
			continue
		}
		chunks = append(chunks, schema.AssistantMessage(w, nil))
	}
	return schema.StreamReaderFromArray(chunks), nil
}

// ModelResponder streams replies from a chat model through a prompt chain.
type ModelResponder struct {
	chain compose.Runnable[map[string]any, *schema.Message]
}

// NewModelResponder compiles the onboarding chain around chatModel.
func NewModelResponder(ctx context.Context, chatModel model.ChatModel) (*ModelResponder, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}
	return &ModelResponder{chain: runnable}, nil
}

const historyLimit = 10

func (r *ModelResponder) Respond(ctx context.Context, state map[string]any, history []*schema.Message, query string) (*schema.StreamReader[*schema.Message], error) {
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}

	stream, err := r.chain.Stream(ctx, map[string]any{
		"system":  buildSystemPrompt(state),
		"history": history,
		"query":   query,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to stream chat chain output: %w", err)
	}
	return stream, nil
}
