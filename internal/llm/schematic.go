package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/guidepost-ai/guidepost/internal/infra"
)

// temperatureLadder is the retry schedule for schema-invalid or failed
// generations: a moderate first attempt, a loose second, a near-greedy third.
var temperatureLadder = []float32{0.5, 1.0, 0.1}

// DefaultCallTimeout bounds one model call.
const DefaultCallTimeout = 90 * time.Second

// SchemaValidationError reports a reply that failed JSON decoding or schema
// validation.
type SchemaValidationError struct {
	Attempt int
	Cause   error
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("schema-invalid model output (attempt %d): %v", e.Attempt, e.Cause)
}

func (e *SchemaValidationError) Unwrap() error {
	return e.Cause
}

// SchematicConfig configures a schematic client.
type SchematicConfig struct {
	// CallTimeout bounds each individual model call. Defaults to
	// DefaultCallTimeout.
	CallTimeout time.Duration

	// Pool bounds process-wide LLM concurrency. Optional.
	Pool *infra.Pool

	// Logger receives per-attempt diagnostics. Optional.
	Logger *slog.Logger
}

// Schematic issues completions that must decode into a JSON-schema-validated
// structure, retrying across the temperature ladder on failure.
type Schematic struct {
	provider Provider
	timeout  time.Duration
	pool     *infra.Pool
	logger   *slog.Logger
}

// NewSchematic creates a schematic client over a provider.
func NewSchematic(provider Provider, cfg SchematicConfig) *Schematic {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Schematic{
		provider: provider,
		timeout:  timeout,
		pool:     cfg.Pool,
		logger:   logger,
	}
}

// Generate runs up to three attempts at the ladder temperatures, validates
// each reply against schema, and unmarshals the first valid reply into out.
// out must be a pointer.
func (s *Schematic) Generate(ctx context.Context, system, prompt string, schema *jsonschema.Schema, out any) error {
	if s == nil || s.provider == nil {
		return ErrNoProvider
	}

	var lastErr error
	for attempt, temperature := range temperatureLadder {
		if err := ctx.Err(); err != nil {
			return err
		}

		raw, err := s.completeOnce(ctx, system, prompt, temperature)
		if err != nil {
			lastErr = err
			s.logger.Warn("schematic completion failed",
				"provider", s.provider.Name(),
				"attempt", attempt+1,
				"temperature", temperature,
				"error", err)
			continue
		}

		if err := decodeAgainstSchema(raw, schema, out); err != nil {
			lastErr = &SchemaValidationError{Attempt: attempt + 1, Cause: err}
			s.logger.Warn("schematic output rejected",
				"provider", s.provider.Name(),
				"attempt", attempt+1,
				"temperature", temperature,
				"error", err)
			continue
		}
		return nil
	}
	return lastErr
}

func (s *Schematic) completeOnce(ctx context.Context, system, prompt string, temperature float32) (string, error) {
	if s.pool != nil {
		if err := s.pool.Acquire(ctx); err != nil {
			return "", err
		}
		defer s.pool.Release()
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return s.provider.Complete(callCtx, &Request{
		System:      system,
		Prompt:      prompt,
		Temperature: temperature,
	})
}

func decodeAgainstSchema(raw string, schema *jsonschema.Schema, out any) error {
	payload := extractJSON(raw)
	if payload == "" {
		return fmt.Errorf("no JSON object in model output")
	}

	if schema != nil {
		var instance any
		if err := json.Unmarshal([]byte(payload), &instance); err != nil {
			return fmt.Errorf("decode model output: %w", err)
		}
		if err := schema.Validate(instance); err != nil {
			return err
		}
	}

	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return fmt.Errorf("unmarshal model output: %w", err)
	}
	return nil
}

// extractJSON tolerates replies that wrap the object in markdown fences or
// leading prose: it returns the outermost {...} span.
func extractJSON(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}

// MustCompileSchema compiles an inline JSON schema document, panicking on
// error. Schemas are package-level constants, so failures are programming
// errors caught at init.
func MustCompileSchema(name, src string) *jsonschema.Schema {
	return jsonschema.MustCompileString(name, src)
}
