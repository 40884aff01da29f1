package gateway

import (
	"context"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

// Verdict is the outcome of a moderation check.
type Verdict struct {
	Flagged bool
	Tags    []string
}

// Moderator screens customer-authored message content before it enters the
// session log.
type Moderator interface {
	Check(ctx context.Context, content string) (Verdict, error)
}

// OpenAIModerator screens content through the OpenAI moderation endpoint.
type OpenAIModerator struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIModerator builds a moderator over the given client. An empty model
// selects the latest text moderation model.
func NewOpenAIModerator(client *openai.Client, model string, logger *slog.Logger) *OpenAIModerator {
	if model == "" {
		model = openai.ModerationTextLatest
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIModerator{client: client, model: model, logger: logger}
}

func (m *OpenAIModerator) Check(ctx context.Context, content string) (Verdict, error) {
	resp, err := m.client.Moderations(ctx, openai.ModerationRequest{
		Input: content,
		Model: m.model,
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("moderation request: %w", err)
	}
	if len(resp.Results) == 0 {
		return Verdict{}, nil
	}

	result := resp.Results[0]
	verdict := Verdict{Flagged: result.Flagged, Tags: categoryTags(result.Categories)}
	if verdict.Flagged {
		m.logger.Info("message flagged by moderation", "tags", verdict.Tags)
	}
	return verdict, nil
}

// categoryTags flattens the flagged categories into wire-format tags.
func categoryTags(c openai.ResultCategories) []string {
	var tags []string
	for _, entry := range []struct {
		set bool
		tag string
	}{
		{c.Hate, "hate"},
		{c.HateThreatening, "hate/threatening"},
		{c.Harassment, "harassment"},
		{c.HarassmentThreatening, "harassment/threatening"},
		{c.SelfHarm, "self-harm"},
		{c.SelfHarmIntent, "self-harm/intent"},
		{c.SelfHarmInstructions, "self-harm/instructions"},
		{c.Sexual, "sexual"},
		{c.SexualMinors, "sexual/minors"},
		{c.Violence, "violence"},
		{c.ViolenceGraphic, "violence/graphic"},
	} {
		if entry.set {
			tags = append(tags, entry.tag)
		}
	}
	return tags
}
