package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/guidepost-ai/guidepost/pkg/models"
)

// Prompt assembly shared by the proposer, tool caller, and generator. Each
// phase composes the sections it needs; all sections render deterministically
// so identical inputs yield identical prompts.

func renderAgentIdentity(sb *strings.Builder, agent *models.Agent) {
	fmt.Fprintf(sb, "You are %q, an AI customer-facing agent.\n", agent.Name)
	if agent.Description != "" {
		fmt.Fprintf(sb, "About you: %s\n", agent.Description)
	}
	sb.WriteString("\n")
}

func renderHistory(sb *strings.Builder, history []HistoryMessage) {
	if len(history) == 0 {
		sb.WriteString("The conversation has no messages yet.\n\n")
		return
	}
	sb.WriteString("Conversation so far (oldest first):\n")
	for _, m := range history {
		speaker := string(m.Source)
		if m.Participant != "" {
			speaker = fmt.Sprintf("%s (%s)", m.Participant, m.Source)
		}
		fmt.Fprintf(sb, "[%d] %s: %s\n", m.Offset, speaker, m.Message)
	}
	sb.WriteString("\n")
}

func renderTerms(sb *strings.Builder, terms []*models.Term) {
	if len(terms) == 0 {
		return
	}
	sb.WriteString("Glossary of domain terms relevant to this conversation:\n")
	for _, t := range terms {
		fmt.Fprintf(sb, "- %s: %s", t.Name, t.Description)
		if len(t.Synonyms) > 0 {
			fmt.Fprintf(sb, " (also known as: %s)", strings.Join(t.Synonyms, ", "))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
}

func renderVariables(sb *strings.Builder, variables []VariableValue) {
	withValue := make([]VariableValue, 0, len(variables))
	for _, v := range variables {
		if v.Value != nil {
			withValue = append(withValue, v)
		}
	}
	if len(withValue) == 0 {
		return
	}
	sb.WriteString("Known context about this customer:\n")
	for _, v := range withValue {
		fmt.Fprintf(sb, "- %s: %s\n", v.Variable.Name, string(v.Value.Data))
	}
	sb.WriteString("\n")
}

func renderStagedTools(sb *strings.Builder, staged []models.ToolEventData) {
	if len(staged) == 0 {
		return
	}
	sb.WriteString("Tool results already obtained during this turn:\n")
	for _, batch := range staged {
		for _, call := range batch.ToolCalls {
			if call.Result.Error != "" {
				fmt.Fprintf(sb, "- %s(%s) FAILED: %s\n",
					call.ToolID, compactJSON(call.Arguments), call.Result.Error)
				continue
			}
			fmt.Fprintf(sb, "- %s(%s) => %s\n",
				call.ToolID, compactJSON(call.Arguments), compactJSON(call.Result.Data))
		}
	}
	sb.WriteString("\n")
}

func renderPropositions(sb *strings.Builder, header string, props []models.GuidelineProposition) {
	if len(props) == 0 {
		return
	}
	sb.WriteString(header + "\n")
	for i, p := range props {
		fmt.Fprintf(sb, "%d. When %s, then %s (priority %d/10; reason it applies: %s)\n",
			i+1, p.Guideline.Content.Condition, p.Guideline.Content.Action, p.Score, p.Rationale)
	}
	sb.WriteString("\n")
}

func compactJSON(v any) string {
	if v == nil {
		return "null"
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
