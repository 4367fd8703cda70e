package brave

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/inbox-digest/internal/config"
)

func TestSearch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/web/search", r.URL.Path)
		assert.Equal(t, "brave-test", r.Header.Get("X-Subscription-Token"))
		assert.Equal(t, "gpt-5 launch", r.URL.Query().Get("q"))
		assert.Equal(t, "2", r.URL.Query().Get("count"))

		json.NewEncoder(w).Encode(map[string]any{
			"web": map[string]any{
				"results": []map[string]any{
					{"title": "GPT-5 launches", "url": "https://a.example", "description": "It shipped."},
					{"title": "Reactions", "url": "https://b.example", "description": "Mixed."},
					{"title": "Extra", "url": "https://c.example", "description": "Dropped by count."},
				},
			},
		})
	}))
	defer server.Close()

	client := NewClient(config.BraveConfig{APIKey: "brave-test", BaseURL: server.URL, TimeoutSeconds: 5})
	results, err := client.Search(context.Background(), "gpt-5 launch", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "GPT-5 launches", results[0].Title)
	assert.Equal(t, "It shipped.", results[0].Snippet)
	assert.Equal(t, "brave", results[0].Source)
}

func TestSearchHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(config.BraveConfig{APIKey: "bad", BaseURL: server.URL, TimeoutSeconds: 5})
	_, err := client.Search(context.Background(), "anything", 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestSearchNoAPIKey(t *testing.T) {
	client := NewClient(config.BraveConfig{BaseURL: "http://localhost", TimeoutSeconds: 1})
	_, err := client.Search(context.Background(), "anything", 3)
	require.Error(t, err)
}
