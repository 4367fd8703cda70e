// Package research provides the Research stage's zero-cost context source:
// configured AI-news RSS feeds, matched against email subjects before any
// paid search query is spent.
package research

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/ignite/inbox-digest/internal/config"
	"github.com/ignite/inbox-digest/internal/digest"
)

// cacheTTL keeps feed fetches to at most one round per run.
const cacheTTL = 15 * time.Minute

type feedItem struct {
	title   string
	snippet string
	link    string
	tokens  map[string]bool
}

// FeedSource fetches and caches RSS feeds and matches their items against
// email subjects by token overlap. All methods are best-effort: a feed
// outage yields fewer results, never an error.
type FeedSource struct {
	parser  *gofeed.Parser
	feeds   []string
	timeout time.Duration

	mu        sync.Mutex
	items     []feedItem
	fetchedAt time.Time
}

// NewFeedSource creates a feed source over the configured feed URLs.
func NewFeedSource(cfg config.ResearchConfig) *FeedSource {
	return &FeedSource{
		parser:  gofeed.NewParser(),
		feeds:   cfg.Feeds,
		timeout: cfg.FeedTimeout(),
	}
}

// Lookup returns up to max feed items whose titles overlap the subject's
// tokens, best matches first.
func (s *FeedSource) Lookup(ctx context.Context, subject string, max int) []digest.ResearchResult {
	if len(s.feeds) == 0 || max <= 0 {
		return nil
	}
	items := s.cachedItems(ctx)
	if len(items) == 0 {
		return nil
	}

	want := Tokenize(subject)
	if len(want) == 0 {
		return nil
	}

	type scored struct {
		item  feedItem
		score int
	}
	var matches []scored
	for _, item := range items {
		score := 0
		for tok := range want {
			if item.tokens[tok] {
				score++
			}
		}
		if score >= 2 || (score == 1 && len(want) == 1) {
			matches = append(matches, scored{item, score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })

	out := make([]digest.ResearchResult, 0, max)
	for _, m := range matches {
		out = append(out, digest.ResearchResult{
			Title:   m.item.title,
			Snippet: m.item.snippet,
			URL:     m.item.link,
			Source:  "rss",
		})
		if len(out) >= max {
			break
		}
	}
	return out
}

func (s *FeedSource) cachedItems(ctx context.Context) []feedItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.items != nil && time.Since(s.fetchedAt) < cacheTTL {
		return s.items
	}

	var items []feedItem
	for _, url := range s.feeds {
		feedCtx := ctx
		if s.timeout > 0 {
			var cancel context.CancelFunc
			feedCtx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}
		feed, err := s.parser.ParseURLWithContext(url, feedCtx)
		if err != nil {
			log.Printf("[Research] feed fetch failed for %s: %v", url, err)
			continue
		}
		for _, it := range feed.Items {
			items = append(items, feedItem{
				title:   it.Title,
				snippet: snippetOf(it),
				link:    it.Link,
				tokens:  Tokenize(it.Title),
			})
		}
	}

	s.items = items
	s.fetchedAt = time.Now()
	return items
}

func snippetOf(it *gofeed.Item) string {
	desc := strings.TrimSpace(it.Description)
	if desc == "" {
		desc = strings.TrimSpace(it.Content)
	}
	if len(desc) > 300 {
		desc = desc[:300]
	}
	return desc
}

// stopwords excluded from subject/title matching.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true,
	"this": true, "that": true, "your": true, "their": true, "what": true,
	"how": true, "why": true, "new": true, "now": true, "are": true,
	"has": true, "have": true, "its": true, "into": true, "more": true,
	"about": true, "week": true, "weekly": true, "daily": true,
	"newsletter": true, "digest": true, "issue": true, "edition": true,
}

// Tokenize lowercases a title and returns its significant words.
func Tokenize(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-')
	}) {
		if len(tok) < 3 || stopwords[tok] {
			continue
		}
		out[tok] = true
	}
	return out
}
