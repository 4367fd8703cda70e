package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/ignite/inbox-digest/internal/digest"
	"github.com/ignite/inbox-digest/internal/llm"
	"github.com/ignite/inbox-digest/internal/pipeline"
)

const analyzeSystem = `You are an AI-industry analyst writing a digest for a busy product builder. For the email you are given, respond with one JSON object:
{"title":"short headline","summary":"2-4 sentence analyst commentary","key_insights":["2-3 items"],"why_it_matters":"one sentence","action_items":["0-2 concrete actions"],"category":"news|research|tools|business"}
Ground everything in the provided content; do not invent facts.`

// analyzeBodyLimit bounds how much email body travels in one prompt.
const analyzeBodyLimit = 3000

// AnalyzeHandler turns each AI email into a Summary on the full model tier.
// Individual failures drop the item, never the stage.
type AnalyzeHandler struct {
	deps *Deps
}

func (h *AnalyzeHandler) Stage() pipeline.Stage { return pipeline.StageAnalyze }

func (h *AnalyzeHandler) Run(ctx context.Context, msg *pipeline.Message, state *digest.RunState) (*digest.RunState, error) {
	refused := 0
	for _, e := range state.AIEmails() {
		if ctx.Err() != nil {
			return nil, pipeline.Classify(pipeline.StageAnalyze, ctx.Err())
		}

		summary, err := h.analyzeOne(ctx, e, state.Enrichments[e.ID])
		if err != nil {
			if errors.Is(err, errBudget) {
				refused++
				continue // remaining items stay unprocessed for the next run
			}
			if pipeline.CodeOf(err) == pipeline.ErrCircuitOpen && len(state.Summaries) == 0 {
				return nil, err
			}
			log.Printf("[Analyze] %s dropped: %v", e.ID, err)
			state.DroppedCount++
			continue
		}
		state.Summaries = append(state.Summaries, summary)
	}

	if len(state.Summaries) == 0 && refused > 0 {
		return nil, pipeline.NewError(pipeline.ErrBudgetExceeded, pipeline.StageAnalyze,
			"budget exhausted before any email could be analyzed")
	}
	return state, nil
}

// analyzeOne prompts the full tier for one email, retrying invalid JSON once.
func (h *AnalyzeHandler) analyzeOne(ctx context.Context, e digest.EmailItem, enrich digest.Enrichment) (digest.Summary, error) {
	d := h.deps
	user := buildAnalyzePrompt(e, enrich)

	var parsed struct {
		Title        string   `json:"title"`
		Summary      string   `json:"summary"`
		KeyInsights  []string `json:"key_insights"`
		WhyItMatters string   `json:"why_it_matters"`
		ActionItems  []string `json:"action_items"`
		Category     string   `json:"category"`
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		err := d.guarded("openai", "analyze", func() error {
			raw, err := d.LLM.ChatJSON(ctx, llm.TierFull, analyzeSystem, user, 1024)
			if err != nil {
				return err
			}
			return json.Unmarshal(raw, &parsed)
		})
		if err == nil {
			title := parsed.Title
			if title == "" {
				title = e.Subject
			}
			return digest.Summary{
				Title:        title,
				Summary:      parsed.Summary,
				KeyInsights:  parsed.KeyInsights,
				WhyItMatters: parsed.WhyItMatters,
				ActionItems:  parsed.ActionItems,
				Category:     parsed.Category,
				Sender:       e.Sender,
				Date:         e.Date.Format("2006-01-02"),
				EmailID:      e.ID,
			}, nil
		}
		lastErr = err
		if !errors.Is(err, llm.ErrInvalidResponse) {
			break
		}
	}
	return digest.Summary{}, lastErr
}

func buildAnalyzePrompt(e digest.EmailItem, enrich digest.Enrichment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\nSubject: %s\nDate: %s\n\n", e.Sender, e.Subject, e.Date.Format("2006-01-02"))

	body := e.Body
	if body == "" {
		body = e.Snippet
	}
	body = truncateRunes(body, analyzeBodyLimit)
	fmt.Fprintf(&b, "Email body:\n%s\n", body)

	for url, article := range enrich.ArticleContent {
		excerpt := truncateRunes(article, 1500)
		fmt.Fprintf(&b, "\nLinked article (%s):\n%s\n", url, excerpt)
	}
	if len(enrich.Research) > 0 {
		b.WriteString("\nRelated coverage:\n")
		for _, r := range enrich.Research {
			fmt.Fprintf(&b, "- %s: %s\n", r.Title, r.Snippet)
		}
	}
	return b.String()
}
