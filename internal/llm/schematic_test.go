package llm

import (
	"context"
	"errors"
	"testing"
)

type scriptedProvider struct {
	replies      []string
	errs         []error
	calls        int
	temperatures []float32
}

func (p *scriptedProvider) Complete(ctx context.Context, req *Request) (string, error) {
	i := p.calls
	p.calls++
	p.temperatures = append(p.temperatures, req.Temperature)
	if i < len(p.errs) && p.errs[i] != nil {
		return "", p.errs[i]
	}
	if i < len(p.replies) {
		return p.replies[i], nil
	}
	return "", errors.New("no scripted reply")
}

func (p *scriptedProvider) Name() string { return "scripted" }

var testSchema = MustCompileSchema("test.json", `{
	"type": "object",
	"required": ["score"],
	"properties": {
		"score": {"type": "integer", "minimum": 1, "maximum": 10}
	}
}`)

type scored struct {
	Score int `json:"score"`
}

func TestGenerateAcceptsValidFirstAttempt(t *testing.T) {
	p := &scriptedProvider{replies: []string{`{"score": 7}`}}
	s := NewSchematic(p, SchematicConfig{})

	var out scored
	if err := s.Generate(context.Background(), "sys", "prompt", testSchema, &out); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if out.Score != 7 {
		t.Fatalf("expected score 7, got %d", out.Score)
	}
	if p.calls != 1 {
		t.Fatalf("expected 1 call, got %d", p.calls)
	}
}

func TestGenerateWalksTemperatureLadder(t *testing.T) {
	p := &scriptedProvider{replies: []string{
		`not json at all`,
		`{"score": "high"}`,
		"```json\n{\"score\": 3}\n```",
	}}
	s := NewSchematic(p, SchematicConfig{})

	var out scored
	if err := s.Generate(context.Background(), "sys", "prompt", testSchema, &out); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if out.Score != 3 {
		t.Fatalf("expected score 3, got %d", out.Score)
	}
	want := []float32{0.5, 1.0, 0.1}
	if len(p.temperatures) != len(want) {
		t.Fatalf("expected %d attempts, got %d", len(want), len(p.temperatures))
	}
	for i, temp := range want {
		if p.temperatures[i] != temp {
			t.Fatalf("attempt %d: expected temperature %v, got %v", i+1, temp, p.temperatures[i])
		}
	}
}

func TestGenerateFailsAfterThreeAttempts(t *testing.T) {
	p := &scriptedProvider{replies: []string{`bad`, `bad`, `bad`}}
	s := NewSchematic(p, SchematicConfig{})

	var out scored
	err := s.Generate(context.Background(), "sys", "prompt", testSchema, &out)
	if err == nil {
		t.Fatal("expected error after exhausting the ladder")
	}
	var schemaErr *SchemaValidationError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("expected SchemaValidationError, got %T", err)
	}
	if p.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", p.calls)
	}
}

func TestGenerateRetriesProviderErrors(t *testing.T) {
	p := &scriptedProvider{
		replies: []string{"", `{"score": 9}`},
		errs:    []error{errors.New("rate limited"), nil},
	}
	s := NewSchematic(p, SchematicConfig{})

	var out scored
	if err := s.Generate(context.Background(), "sys", "prompt", testSchema, &out); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if out.Score != 9 {
		t.Fatalf("expected score 9, got %d", out.Score)
	}
}
