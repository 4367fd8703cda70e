package llm

import (
	"context"
	"encoding/json"
	"errors"
	"log"
)

// Failover tries the primary provider and falls back to the secondary when
// the primary fails outright. Invalid-JSON completions are not failed over;
// the stage retry policy owns those.
type Failover struct {
	primary   Client
	secondary Client
}

func NewFailover(primary, secondary Client) *Failover {
	return &Failover{primary: primary, secondary: secondary}
}

func (f *Failover) ChatJSON(ctx context.Context, tier Tier, system, user string, maxTokens int) (json.RawMessage, error) {
	out, err := f.primary.ChatJSON(ctx, tier, system, user, maxTokens)
	if err == nil || f.secondary == nil {
		return out, err
	}
	if errors.Is(err, ErrInvalidResponse) || ctx.Err() != nil {
		return nil, err
	}

	log.Printf("[LLM] primary provider failed (%v), using fallback", err)
	return f.secondary.ChatJSON(ctx, tier, system, user, maxTokens)
}
