package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/ignite/inbox-digest/internal/digest"
	"github.com/ignite/inbox-digest/internal/llm"
	"github.com/ignite/inbox-digest/internal/pipeline"
)

const critiqueSystem = `You are a contrarian reviewer for an AI digest. Given one item's summary, respond with a JSON object {"critique":"2-3 sentences"} that pushes back: overlooked risks, hype to discount, or a competing interpretation. Be specific, not cynical.`

// CritiqueHandler appends a contrarian note to each summary on the cheap
// tier. Every failure falls through with the summary unchanged.
type CritiqueHandler struct {
	deps *Deps
}

func (h *CritiqueHandler) Stage() pipeline.Stage { return pipeline.StageCritique }

func (h *CritiqueHandler) Run(ctx context.Context, msg *pipeline.Message, state *digest.RunState) (*digest.RunState, error) {
	d := h.deps

	for i := range state.Summaries {
		if ctx.Err() != nil {
			return nil, pipeline.Classify(pipeline.StageCritique, ctx.Err())
		}

		s := &state.Summaries[i]
		user := fmt.Sprintf("Title: %s\n\nSummary: %s\n\nWhy it matters: %s", s.Title, s.Summary, s.WhyItMatters)

		var parsed struct {
			Critique string `json:"critique"`
		}
		err := d.guarded("openai", "critique", func() error {
			raw, err := d.LLM.ChatJSON(ctx, llm.TierMini, critiqueSystem, user, 256)
			if err != nil {
				return err
			}
			return json.Unmarshal(raw, &parsed)
		})
		if err != nil {
			if errors.Is(err, errBudget) {
				// No budget left for commentary; the rest ship uncritiqued.
				break
			}
			log.Printf("[Critique] %s fell through: %v", s.EmailID, err)
			continue
		}
		s.Critique = parsed.Critique
	}
	return state, nil
}
