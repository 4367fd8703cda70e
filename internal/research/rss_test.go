package research

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/inbox-digest/internal/config"
)

const testFeed = `<?xml version="1.0"?>
<rss version="2.0"><channel>
<title>AI News</title>
<item><title>OpenAI ships GPT-5 reasoning update</title><link>https://a.example/gpt5</link><description>Details on the rollout.</description></item>
<item><title>Anthropic announces enterprise agents</title><link>https://a.example/agents</link><description>Agents for the enterprise.</description></item>
<item><title>Gardening tips for spring</title><link>https://a.example/garden</link><description>Unrelated.</description></item>
</channel></rss>`

func feedServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, testFeed)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestLookupMatchesBySubjectTokens(t *testing.T) {
	var hits int32
	server := feedServer(t, &hits)

	source := NewFeedSource(config.ResearchConfig{Feeds: []string{server.URL}, FeedTimeoutSeconds: 5})
	results := source.Lookup(context.Background(), "GPT-5 reasoning rollout from OpenAI", 3)

	require.NotEmpty(t, results)
	assert.Equal(t, "OpenAI ships GPT-5 reasoning update", results[0].Title)
	assert.Equal(t, "rss", results[0].Source)
}

func TestLookupCachesFeedAcrossCalls(t *testing.T) {
	var hits int32
	server := feedServer(t, &hits)

	source := NewFeedSource(config.ResearchConfig{Feeds: []string{server.URL}, FeedTimeoutSeconds: 5})
	source.Lookup(context.Background(), "OpenAI GPT-5 reasoning", 3)
	source.Lookup(context.Background(), "Anthropic enterprise agents", 3)

	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestLookupNoMatch(t *testing.T) {
	var hits int32
	server := feedServer(t, &hits)

	source := NewFeedSource(config.ResearchConfig{Feeds: []string{server.URL}, FeedTimeoutSeconds: 5})
	results := source.Lookup(context.Background(), "quarterly finance report", 3)
	assert.Empty(t, results)
}

func TestLookupFeedOutageIsBestEffort(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	source := NewFeedSource(config.ResearchConfig{Feeds: []string{server.URL}, FeedTimeoutSeconds: 5})
	assert.Empty(t, source.Lookup(context.Background(), "OpenAI GPT-5", 3))
}

func TestTokenize(t *testing.T) {
	tokens := Tokenize("The Weekly AI Digest: OpenAI ships GPT-5!")
	assert.True(t, tokens["openai"])
	assert.True(t, tokens["gpt-5"])
	assert.True(t, tokens["ships"])
	assert.False(t, tokens["the"], "stopword kept")
	assert.False(t, tokens["ai"], "short token kept")
}
