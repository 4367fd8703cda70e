package stages

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/inbox-digest/internal/cost"
	"github.com/ignite/inbox-digest/internal/digest"
	"github.com/ignite/inbox-digest/internal/pipeline"
)

func runExtract(t *testing.T, d *Deps, state *digest.RunState) (*digest.RunState, error) {
	t.Helper()
	h := &ExtractHandler{deps: d}
	return h.Run(context.Background(), pipeline.NewMessage(""), state)
}

func aiState(emails ...digest.EmailItem) *digest.RunState {
	state := &digest.RunState{Mode: digest.ModeWeekly, Emails: emails}
	for _, e := range emails {
		state.AIEmailIDs = append(state.AIEmailIDs, e.ID)
	}
	return state
}

func TestExtractURLs(t *testing.T) {
	body := `Check https://example.com/article-1 and (https://example.com/article-2).
Unsubscribe: https://news.example.com/unsubscribe?u=1
Same again https://example.com/article-1
Logo: https://cdn.example.com/logo.png`

	urls := ExtractURLs(body, 5)
	assert.Equal(t, []string{
		"https://example.com/article-1",
		"https://example.com/article-2",
	}, urls)
}

func TestExtractURLsRespectsCap(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 10; i++ {
		b.WriteString("https://example.com/a")
		b.WriteByte(byte('0' + i))
		b.WriteString(" ")
	}
	urls := ExtractURLs(b.String(), 3)
	assert.Len(t, urls, 3)
}

func TestExtractAttachesArticles(t *testing.T) {
	d, _ := newTestDeps()
	d.Extractor = &fakeExtractor{articles: map[string]string{
		"https://example.com/post": "Full article text about a model release.",
	}}

	state, err := runExtract(t, d, aiState(
		emailWith("e1", "a@x.com", "subj", "Read https://example.com/post today"),
	))
	require.NoError(t, err)

	en := state.Enrichments["e1"]
	assert.Equal(t, []string{"https://example.com/post"}, en.ExtractedURLs)
	assert.Equal(t, "Full article text about a model release.", en.ArticleContent["https://example.com/post"])
}

func TestExtractTruncatesLongArticles(t *testing.T) {
	d, _ := newTestDeps()
	d.Pipeline.MaxArticleLength = 100
	d.Extractor = &fakeExtractor{articles: map[string]string{
		"https://example.com/post": strings.Repeat("x", 500),
	}}

	state, err := runExtract(t, d, aiState(
		emailWith("e1", "a@x.com", "subj", "https://example.com/post"),
	))
	require.NoError(t, err)
	assert.Len(t, state.Enrichments["e1"].ArticleContent["https://example.com/post"], 100)
}

func TestExtractFailedURLIsDropped(t *testing.T) {
	d, _ := newTestDeps()
	d.Extractor = &fakeExtractor{err: errors.New("scrape timed out")}

	state, err := runExtract(t, d, aiState(
		emailWith("e1", "a@x.com", "subj", "https://example.com/post"),
	))
	require.NoError(t, err, "a failed URL must not fail the stage")
	assert.Empty(t, state.Enrichments["e1"].ArticleContent)
	// The URL list itself is still recorded.
	assert.Equal(t, []string{"https://example.com/post"}, state.Enrichments["e1"].ExtractedURLs)
}

func TestExtractSkipsNonAIEmails(t *testing.T) {
	d, _ := newTestDeps()
	ex := &fakeExtractor{articles: map[string]string{}}
	d.Extractor = ex

	state := &digest.RunState{
		Mode:   digest.ModeWeekly,
		Emails: []digest.EmailItem{emailWith("e1", "a@x.com", "subj", "https://example.com/post")},
		// e1 did not classify AI.
	}
	_, err := runExtract(t, d, state)
	require.NoError(t, err)
	assert.Empty(t, ex.calls)
}

func TestExtractStopsWhenBudgetRefuses(t *testing.T) {
	d, _ := newTestDeps()
	limits := generousLimits()
	limits.MaxFirecrawlCalls = 1
	d.Cost = cost.NewTracker(limits)
	d.Pipeline.ExtractConcurrency = 1
	ex := &fakeExtractor{articles: map[string]string{
		"https://example.com/a": "first",
		"https://example.com/b": "second",
	}}
	d.Extractor = ex

	state, err := runExtract(t, d, aiState(
		emailWith("e1", "a@x.com", "subj", "https://example.com/a https://example.com/b"),
	))
	require.NoError(t, err)
	assert.Len(t, ex.calls, 1, "the second call must be refused before reaching the extractor")
	assert.Len(t, state.Enrichments["e1"].ArticleContent, 1)
}
