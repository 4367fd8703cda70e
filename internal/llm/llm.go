// Package llm wraps chat-completion providers behind one JSON-mode call.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Tier selects the model class for a call. Classification and critique run
// on the cheap tier; analysis runs on the full tier.
type Tier int

const (
	TierFull Tier = iota
	TierMini
)

// Client is the chat-completion surface the pipeline stages depend on.
type Client interface {
	ChatJSON(ctx context.Context, tier Tier, system, user string, maxTokens int) (json.RawMessage, error)
}

// ErrInvalidResponse marks a completion whose content could not be parsed
// as JSON. Callers retry once, then apply their stage's fallback.
var ErrInvalidResponse = errors.New("model returned invalid JSON")

// APIError is a non-2xx provider response that survived retries.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm api status %d: %s", e.StatusCode, e.Message)
}

// ExtractJSON pulls a JSON document out of completion text. Models sometimes
// wrap output in markdown fences or prepend prose despite instructions.
func ExtractJSON(content string) (json.RawMessage, error) {
	s := strings.TrimSpace(content)

	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}

	if !json.Valid([]byte(s)) {
		start := strings.IndexAny(s, "{[")
		end := strings.LastIndexAny(s, "}]")
		if start >= 0 && end > start {
			s = s[start : end+1]
		}
	}

	if !json.Valid([]byte(s)) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidResponse, firstChars(s, 120))
	}
	return json.RawMessage(s), nil
}

func firstChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
