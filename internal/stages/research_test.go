package stages

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/inbox-digest/internal/digest"
	"github.com/ignite/inbox-digest/internal/pipeline"
)

func runResearch(t *testing.T, d *Deps, state *digest.RunState) (*digest.RunState, error) {
	t.Helper()
	h := &ResearchHandler{deps: d}
	return h.Run(context.Background(), pipeline.NewMessage(""), state)
}

func TestResearchFeedsBeforeSearch(t *testing.T) {
	d, _ := newTestDeps()
	d.Feeds = &fakeFeeds{results: []digest.ResearchResult{
		{Title: "Feed hit 1", Source: "rss"},
		{Title: "Feed hit 2", Source: "rss"},
		{Title: "Feed hit 3", Source: "rss"},
	}}
	searcher := &fakeSearcher{}
	d.Searcher = searcher

	state, err := runResearch(t, d, aiState(emailWith("e1", "a@x.com", "OpenAI releases model", "body")))
	require.NoError(t, err)
	assert.Len(t, state.Enrichments["e1"].Research, 3)
	assert.Zero(t, atomic.LoadInt32(&searcher.calls), "full feed coverage must skip paid search")
}

func TestResearchSearchFillsRemainder(t *testing.T) {
	d, _ := newTestDeps()
	d.Feeds = &fakeFeeds{results: []digest.ResearchResult{{Title: "Feed hit", Source: "rss"}}}
	d.Searcher = &fakeSearcher{results: []digest.ResearchResult{
		{Title: "Search 1", Source: "brave"},
		{Title: "Search 2", Source: "brave"},
		{Title: "Search 3", Source: "brave"},
	}}

	state, err := runResearch(t, d, aiState(emailWith("e1", "a@x.com", "AI chips", "body")))
	require.NoError(t, err)

	research := state.Enrichments["e1"].Research
	require.Len(t, research, 3)
	assert.Equal(t, "rss", research[0].Source)
	assert.Equal(t, "brave", research[1].Source)
}

func TestResearchSearchOutageIsBestEffort(t *testing.T) {
	d, _ := newTestDeps()
	d.Feeds = &fakeFeeds{}
	// Trip the brave breaker.
	for i := 0; i < 5; i++ {
		d.Breakers.Execute("brave", func() (interface{}, error) {
			return nil, errors.New("boom")
		})
	}
	searcher := &fakeSearcher{results: []digest.ResearchResult{{Title: "hit"}}}
	d.Searcher = searcher

	state, err := runResearch(t, d, aiState(
		emailWith("e1", "a@x.com", "First subject", "body"),
		emailWith("e2", "b@x.com", "Second subject", "body"),
	))
	require.NoError(t, err, "a search outage must not fail the stage")
	assert.Empty(t, state.Enrichments)
	assert.Zero(t, atomic.LoadInt32(&searcher.calls))
}

func TestResearchSearchErrorSkipsOnlyThatEmail(t *testing.T) {
	d, _ := newTestDeps()
	d.Feeds = &fakeFeeds{}
	d.Searcher = &fakeSearcher{err: errors.New("502 from upstream")}

	state, err := runResearch(t, d, aiState(emailWith("e1", "a@x.com", "subject", "body")))
	require.NoError(t, err)
	assert.Empty(t, state.Enrichments)
}

func TestSearchQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Re: Fwd: OpenAI ships agents", "OpenAI ships agents"},
		{"🚀🔥 Big AI news this week 🔥", "Big AI news this week"},
		{"Newsletter: The week in ML", "The week in ML"},
		{"   plain subject   ", "plain subject"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, SearchQuery(tc.in))
	}
}

func TestSearchQueryCapsLength(t *testing.T) {
	long := ""
	for i := 0; i < 30; i++ {
		long += "verylongword "
	}
	assert.LessOrEqual(t, len(SearchQuery(long)), 100)
}
