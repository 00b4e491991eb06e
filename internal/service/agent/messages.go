package agent

import (
	"github.com/cloudwego/eino/schema"

	model "github.com/ovara-labs/ovara/backend/internal/model/agent"
)

// UserAuthor is the author tag the agent service records on user-submitted events.
const UserAuthor = "user"

// Messages projects the session history into a flat transcript. Partial events and events
// without text are skipped; everything not authored by the user is an assistant message.
func Messages(s model.Session) []*schema.Message {
	out := make([]*schema.Message, 0, len(s.Events))
	for _, e := range s.Events {
		if e.Partial {
			continue
		}
		text := e.Text()
		if text == "" {
			continue
		}

		var msg *schema.Message
		if e.Author == UserAuthor || (e.Content != nil && e.Content.Role == UserAuthor) {
			msg = schema.UserMessage(text)
		} else {
			msg = schema.AssistantMessage(text, nil)
			msg.Name = e.Author
		}
		out = append(out, msg)
	}
	return out
}
