package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/guidepost-ai/guidepost/internal/llm"
	"github.com/guidepost-ai/guidepost/pkg/models"
)

// maxRevisions bounds the generator's self-critique loop. The model is told
// to stop there; anything past the bound is ignored.
const maxRevisions = 5

const generatorSystemPrompt = `You compose the AI agent's next reply to the customer, if one is warranted.

Work through candidate replies as numbered revisions. For each revision, check it against every instruction: list which instructions it follows and which it breaks, and whether it merely repeats something the agent already said. Revise until a draft follows all instructions, or until you have produced %d revisions, whichever comes first. Never produce more than %d revisions.

Breaking an instruction is acceptable only when a higher-priority instruction forces it, or when data the instruction depends on is unavailable; say so explicitly when that is the case.

You may add up to 3 insights of your own to the instruction list when the conversation clearly calls for them.

If no reply should be sent right now, set produced_reply to false and explain why.

Respond with a single JSON object of the form:
{
  "last_message_of_customer": "<echo of the customer's last message, or empty>",
  "rationale": "<why you are or are not replying>",
  "produced_reply": <bool>,
  "instructions": ["<instruction>", ...],
  "evaluation_for_each_instruction": [{"instruction_number": <n>, "applies": <bool>, "data_available": <bool>, "remarks": "<optional>"}],
  "revisions": [{
    "revision_number": <n>,
    "content": "<the draft reply>",
    "instructions_followed": ["<instruction>", ...],
    "instructions_broken": ["<instruction>", ...],
    "is_repeat_message": <bool>,
    "followed_all_instructions": <bool>,
    "instructions_broken_only_due_to_prioritization": <bool>,
    "prioritization_rationale": "<optional>",
    "instructions_broken_due_to_missing_data": <bool>,
    "missing_data_rationale": "<optional>"
  }]
}`

var generatorSchema = llm.MustCompileSchema("message_revisions.json", `{
	"type": "object",
	"required": ["rationale", "produced_reply", "revisions"],
	"properties": {
		"last_message_of_customer": {"type": "string"},
		"rationale": {"type": "string"},
		"produced_reply": {"type": "boolean"},
		"instructions": {"type": "array", "items": {"type": "string"}},
		"evaluation_for_each_instruction": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["instruction_number", "applies"],
				"properties": {
					"instruction_number": {"type": "integer"},
					"applies": {"type": "boolean"},
					"data_available": {"type": "boolean"},
					"remarks": {"type": "string"}
				}
			}
		},
		"revisions": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["revision_number", "content", "is_repeat_message", "followed_all_instructions"],
				"properties": {
					"revision_number": {"type": "integer"},
					"content": {"type": "string"},
					"instructions_followed": {"type": "array", "items": {"type": "string"}},
					"instructions_broken": {"type": "array", "items": {"type": "string"}},
					"is_repeat_message": {"type": "boolean"},
					"followed_all_instructions": {"type": "boolean"},
					"instructions_broken_only_due_to_prioritization": {"type": "boolean"},
					"prioritization_rationale": {"type": "string"},
					"instructions_broken_due_to_missing_data": {"type": "boolean"},
					"missing_data_rationale": {"type": "string"}
				}
			}
		}
	}
}`)

type messageRevision struct {
	RevisionNumber          int      `json:"revision_number"`
	Content                 string   `json:"content"`
	InstructionsFollowed    []string `json:"instructions_followed"`
	InstructionsBroken      []string `json:"instructions_broken"`
	IsRepeatMessage         bool     `json:"is_repeat_message"`
	FollowedAllInstructions bool     `json:"followed_all_instructions"`

	BrokenOnlyDueToPrioritization bool   `json:"instructions_broken_only_due_to_prioritization"`
	PrioritizationRationale       string `json:"prioritization_rationale"`
	BrokenDueToMissingData        bool   `json:"instructions_broken_due_to_missing_data"`
	MissingDataRationale          string `json:"missing_data_rationale"`
}

type instructionEvaluation struct {
	InstructionNumber int    `json:"instruction_number"`
	Applies           bool   `json:"applies"`
	DataAvailable     bool   `json:"data_available"`
	Remarks           string `json:"remarks"`
}

type generatedReply struct {
	LastMessageOfCustomer string                  `json:"last_message_of_customer"`
	Rationale             string                  `json:"rationale"`
	ProducedReply         bool                    `json:"produced_reply"`
	Instructions          []string                `json:"instructions"`
	Evaluations           []instructionEvaluation `json:"evaluation_for_each_instruction"`
	Revisions             []messageRevision       `json:"revisions"`
}

// MessageGenerationError is fatal for the run that hit it: after the retry
// ladder is exhausted the run emits an error status instead of a message.
type MessageGenerationError struct {
	Cause error
}

func (e *MessageGenerationError) Error() string {
	return fmt.Sprintf("message generation failed: %v", e.Cause)
}

func (e *MessageGenerationError) Unwrap() error {
	return e.Cause
}

// GeneratedMessage is the generator's outcome for one run.
type GeneratedMessage struct {
	ProducedReply bool
	Content       string
	Rationale     string
	Revisions     int
}

// MessageGenerator produces at most one reply message per processing run
// through a single structured model call with a bounded revision loop.
type MessageGenerator struct {
	client *llm.Schematic
	logger *slog.Logger
}

// NewMessageGenerator creates a generator over a schematic LLM client.
func NewMessageGenerator(client *llm.Schematic, logger *slog.Logger) *MessageGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageGenerator{client: client, logger: logger}
}

// Generate composes the reply for the current interaction state. When the
// history is empty and no propositions apply there is nothing to say, and no
// model call is made.
func (g *MessageGenerator) Generate(ctx context.Context, agent *models.Agent, propositions []models.GuidelineProposition, snap *Snapshot) (*GeneratedMessage, error) {
	if len(snap.History) == 0 && len(propositions) == 0 {
		return &GeneratedMessage{ProducedReply: false, Rationale: "empty interaction and no applicable guidelines"}, nil
	}

	system := fmt.Sprintf(generatorSystemPrompt, maxRevisions, maxRevisions)

	var sb strings.Builder
	renderAgentIdentity(&sb, agent)
	renderTerms(&sb, snap.Terms)
	renderVariables(&sb, snap.Variables)
	renderHistory(&sb, snap.History)
	renderStagedTools(&sb, snap.StagedTools)
	renderPropositions(&sb, "Instructions you must follow, with priorities:", propositions)

	var reply generatedReply
	if err := g.client.Generate(ctx, system, sb.String(), generatorSchema, &reply); err != nil {
		return nil, &MessageGenerationError{Cause: err}
	}

	if !reply.ProducedReply {
		return &GeneratedMessage{ProducedReply: false, Rationale: reply.Rationale}, nil
	}

	revisions := reply.Revisions
	if len(revisions) > maxRevisions {
		g.logger.Warn("model exceeded the revision bound, truncating",
			"revisions", len(revisions))
		revisions = revisions[:maxRevisions]
	}
	if len(revisions) == 0 {
		return nil, &MessageGenerationError{Cause: fmt.Errorf("produced_reply is true but no revisions were returned")}
	}

	chosen := selectRevision(revisions)
	if strings.TrimSpace(chosen.Content) == "" {
		return &GeneratedMessage{ProducedReply: false, Rationale: reply.Rationale}, nil
	}

	return &GeneratedMessage{
		ProducedReply: true,
		Content:       chosen.Content,
		Rationale:     reply.Rationale,
		Revisions:     len(revisions),
	}, nil
}

// selectRevision picks the earliest acceptable revision: one that follows all
// instructions, or breaks them only under prioritization, or only for missing
// data, and in all cases does not repeat an earlier agent message. When no
// revision qualifies, the last one is used.
func selectRevision(revisions []messageRevision) messageRevision {
	for _, rev := range revisions {
		if rev.IsRepeatMessage {
			continue
		}
		if rev.FollowedAllInstructions || rev.BrokenOnlyDueToPrioritization || rev.BrokenDueToMissingData {
			return rev
		}
	}
	return revisions[len(revisions)-1]
}
