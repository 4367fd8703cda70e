package stages

import (
	"context"
	"errors"
	"log"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ignite/inbox-digest/internal/digest"
	"github.com/ignite/inbox-digest/internal/pipeline"
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

// skipURLSubstrings filters unsubscribe and tracking links that never carry
// article content.
var skipURLSubstrings = []string{
	"unsubscribe", "email-preferences", "manage-preferences", "list-manage",
	"mailto:", "/track/", "pixel", ".png", ".jpg", ".jpeg", ".gif", ".svg",
}

// ExtractHandler pulls article URLs out of each AI email and fetches their
// main text through the extractor, bounded by budget and concurrency.
type ExtractHandler struct {
	deps *Deps
}

func (h *ExtractHandler) Stage() pipeline.Stage { return pipeline.StageExtract }

func (h *ExtractHandler) Run(ctx context.Context, msg *pipeline.Message, state *digest.RunState) (*digest.RunState, error) {
	d := h.deps

	type job struct {
		emailID string
		url     string
	}
	var jobs []job
	for _, e := range state.AIEmails() {
		urls := ExtractURLs(e.Body, d.Pipeline.MaxURLsPerEmail)
		if len(urls) == 0 {
			continue
		}
		state.Enrich(e.ID, func(en *digest.Enrichment) {
			en.ExtractedURLs = urls
		})
		for _, u := range urls {
			jobs = append(jobs, job{emailID: e.ID, url: u})
		}
	}
	if len(jobs) == 0 || d.Extractor == nil {
		return state, nil
	}

	var (
		mu       sync.Mutex
		budgeted bool
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(d.Pipeline.ExtractConcurrency)

	for _, j := range jobs {
		j := j
		group.Go(func() error {
			mu.Lock()
			stop := budgeted
			mu.Unlock()
			if stop || groupCtx.Err() != nil {
				return groupCtx.Err()
			}

			var article string
			err := d.guarded("firecrawl", "scrape", func() error {
				var exErr error
				article, exErr = d.Extractor.Extract(groupCtx, j.url)
				return exErr
			})
			if err != nil {
				if errors.Is(err, errBudget) {
					mu.Lock()
					budgeted = true
					mu.Unlock()
					return nil
				}
				// A failed URL is logged and dropped; the email proceeds
				// with its snippet and body.
				log.Printf("[Extract] %s failed: %v", j.url, err)
				return nil
			}

			article = strings.TrimSpace(article)
			if article == "" {
				return nil
			}
			article = truncateRunes(article, d.Pipeline.MaxArticleLength)
			mu.Lock()
			state.Enrich(j.emailID, func(en *digest.Enrichment) {
				if en.ArticleContent == nil {
					en.ArticleContent = make(map[string]string)
				}
				en.ArticleContent[j.url] = article
			})
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, pipeline.Classify(pipeline.StageExtract, err)
	}
	if budgeted {
		log.Printf("[Extract] budget exhausted; remaining URLs skipped")
	}
	return state, nil
}

// ExtractURLs returns up to max unique article-looking URLs from an email
// body, in order of first appearance.
func ExtractURLs(body string, max int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, raw := range urlPattern.FindAllString(body, -1) {
		u := strings.TrimRight(raw, ".,;:!?")
		if seen[u] || skipURL(u) {
			continue
		}
		seen[u] = true
		out = append(out, u)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}

func skipURL(u string) bool {
	lower := strings.ToLower(u)
	for _, s := range skipURLSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
