package agentsim

import (
	"fmt"
	"sort"
	"strings"
)

const onboardingPrompt = `You are Ovara, an onboarding assistant for a project-management agency.
Help the client describe their organization, goals and timeline, then offer to schedule a kickoff call.
Keep answers short and ask one question at a time.`

// buildSystemPrompt renders the base prompt plus the known session state.
func buildSystemPrompt(state map[string]any) string {
	if len(state) == 0 {
		return onboardingPrompt
	}

	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var builder strings.Builder
	builder.WriteString(onboardingPrompt)
	builder.WriteString("\n\nSession context:")
	for _, k := range keys {
		builder.WriteString(fmt.Sprintf("\n- %s: %v", k, state[k]))
	}
	return builder.String()
}
