package stages

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/ignite/inbox-digest/internal/digest"
	"github.com/ignite/inbox-digest/internal/pipeline"
)

// ResearchHandler attaches external context to each AI email: free RSS-feed
// matches first, then paid web search for the remainder. The whole stage is
// best-effort; an outage returns the emails unchanged.
type ResearchHandler struct {
	deps *Deps
}

func (h *ResearchHandler) Stage() pipeline.Stage { return pipeline.StageResearch }

func (h *ResearchHandler) Run(ctx context.Context, msg *pipeline.Message, state *digest.RunState) (*digest.RunState, error) {
	d := h.deps
	maxResults := d.Research.MaxResultsPerEmail
	if maxResults <= 0 {
		maxResults = 3
	}

	searchDown := false
	for _, e := range state.AIEmails() {
		if ctx.Err() != nil {
			return nil, pipeline.Classify(pipeline.StageResearch, ctx.Err())
		}

		var results []digest.ResearchResult
		if d.Feeds != nil {
			results = d.Feeds.Lookup(ctx, e.Subject, maxResults)
		}

		if remaining := maxResults - len(results); remaining > 0 && d.Searcher != nil && !searchDown {
			query := SearchQuery(e.Subject)
			if query != "" {
				var found []digest.ResearchResult
				err := d.guarded("brave", "search", func() error {
					var searchErr error
					found, searchErr = d.Searcher.Search(ctx, query, remaining)
					return searchErr
				})
				switch {
				case err == nil:
					results = append(results, found...)
				case errors.Is(err, errBudget):
					searchDown = true
				case pipeline.CodeOf(err) == pipeline.ErrCircuitOpen:
					// Search outage: research stays best-effort.
					searchDown = true
				default:
					log.Printf("[Research] search failed for %q: %v", query, err)
				}
			}
		}

		if len(results) > 0 {
			state.Enrich(e.ID, func(en *digest.Enrichment) {
				en.Research = results
			})
		}
	}
	return state, nil
}

// subjectPrefixes are reply/forward markers and newsletter framing stripped
// before a subject becomes a search query.
var subjectPrefixes = []string{"re:", "fw:", "fwd:", "[ai]", "newsletter:"}

// SearchQuery derives a web query from an email subject.
func SearchQuery(subject string) string {
	q := strings.TrimSpace(subject)
	lower := strings.ToLower(q)
	for _, p := range subjectPrefixes {
		if strings.HasPrefix(lower, p) {
			q = strings.TrimSpace(q[len(p):])
			lower = strings.ToLower(q)
		}
	}
	// Emoji-heavy subjects search poorly; keep the printable ASCII core.
	var b strings.Builder
	for _, r := range q {
		if r >= 32 && r < 127 {
			b.WriteRune(r)
		}
	}
	q = strings.Join(strings.Fields(b.String()), " ")
	if len(q) > 100 {
		q = q[:100]
	}
	return q
}
