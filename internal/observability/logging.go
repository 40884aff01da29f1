package observability

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures structured logging for the process.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error"
	Level string

	// Format specifies output format: "json" or "text"
	// JSON is recommended for production; text for development
	Format string

	// Output is the writer for log output (defaults to os.Stdout)
	Output io.Writer

	// AddSource includes file and line number in log records
	AddSource bool

	// RedactPatterns are additional regex patterns for sensitive values.
	// Default patterns already cover API keys and bearer tokens.
	RedactPatterns []string
}

// defaultRedactPatterns match secret-shaped attribute values.
var defaultRedactPatterns = []string{
	`(?i)sk-[a-zA-Z0-9-_]{16,}`,
	`(?i)bearer\s+[a-zA-Z0-9._-]+`,
	`(?i)(api[_-]?key|token|password|secret)["':\s=]+[^\s"']+`,
}

// NewLogger builds a slog.Logger per the config, with sensitive string
// attribute values redacted before they reach the handler.
func NewLogger(cfg LogConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	patterns := make([]*regexp.Regexp, 0, len(defaultRedactPatterns)+len(cfg.RedactPatterns))
	for _, p := range append(append([]string{}, defaultRedactPatterns...), cfg.RedactPatterns...) {
		if re, err := regexp.Compile(p); err == nil {
			patterns = append(patterns, re)
		}
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindString {
				a.Value = slog.StringValue(redact(a.Value.String(), patterns))
			}
			return a
		},
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func redact(s string, patterns []*regexp.Regexp) string {
	for _, re := range patterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}
