package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/inbox-digest/internal/config"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		expected string
		wantErr  bool
	}{
		{"bare object", `{"a":1}`, `{"a":1}`, false},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`, false},
		{"fenced no language", "```\n[1,2]\n```", `[1,2]`, false},
		{"prose around object", `Sure! Here it is: {"a":1} hope that helps`, `{"a":1}`, false},
		{"whitespace", "  \n {\"a\":1} \n", `{"a":1}`, false},
		{"plain prose", "I cannot answer that.", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := ExtractJSON(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidResponse)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.expected, string(raw))
		})
	}
}

func testClient(t *testing.T, handler http.HandlerFunc) *OpenAI {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewOpenAI(config.OpenAIConfig{
		APIKey:         "test-key",
		BaseURL:        server.URL,
		Model:          "gpt-4o",
		MiniModel:      "gpt-4o-mini",
		TimeoutSeconds: 5,
	})
}

func completionBody(content string) string {
	resp := map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"role": "assistant", "content": content}, "finish_reason": "stop"},
		},
	}
	b, _ := json.Marshal(resp)
	return string(b)
}

func TestChatJSON(t *testing.T) {
	var gotReq chatRequest
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Write([]byte(completionBody(`{"verdict":"AI"}`)))
	})

	raw, err := client.ChatJSON(context.Background(), TierFull, "system prompt", "user prompt", 500)
	require.NoError(t, err)
	assert.JSONEq(t, `{"verdict":"AI"}`, string(raw))

	assert.Equal(t, "gpt-4o", gotReq.Model)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Equal(t, "user", gotReq.Messages[1].Role)
	require.NotNil(t, gotReq.ResponseFormat)
	assert.Equal(t, "json_object", gotReq.ResponseFormat.Type)
}

func TestChatJSONMiniTier(t *testing.T) {
	var gotModel string
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model
		w.Write([]byte(completionBody(`{}`)))
	})

	_, err := client.ChatJSON(context.Background(), TierMini, "s", "u", 100)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", gotModel)
}

func TestChatJSONAPIError(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad model","type":"invalid_request_error"}}`))
	})

	_, err := client.ChatJSON(context.Background(), TierFull, "s", "u", 100)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "bad model", apiErr.Message)
}

func TestChatJSONInvalidContent(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(completionBody("not json at all")))
	})

	_, err := client.ChatJSON(context.Background(), TierFull, "s", "u", 100)
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestChatJSONNoAPIKey(t *testing.T) {
	client := NewOpenAI(config.OpenAIConfig{BaseURL: "http://localhost:1"})
	_, err := client.ChatJSON(context.Background(), TierFull, "s", "u", 100)
	assert.Error(t, err)
}

type stubClient struct {
	raw   json.RawMessage
	err   error
	calls int
}

func (s *stubClient) ChatJSON(ctx context.Context, tier Tier, system, user string, maxTokens int) (json.RawMessage, error) {
	s.calls++
	return s.raw, s.err
}

func TestFailover(t *testing.T) {
	t.Run("primary success skips secondary", func(t *testing.T) {
		primary := &stubClient{raw: json.RawMessage(`{"ok":true}`)}
		secondary := &stubClient{raw: json.RawMessage(`{"ok":false}`)}

		out, err := NewFailover(primary, secondary).ChatJSON(context.Background(), TierFull, "s", "u", 10)
		require.NoError(t, err)
		assert.JSONEq(t, `{"ok":true}`, string(out))
		assert.Zero(t, secondary.calls)
	})

	t.Run("provider failure uses secondary", func(t *testing.T) {
		primary := &stubClient{err: &APIError{StatusCode: 503, Message: "down"}}
		secondary := &stubClient{raw: json.RawMessage(`{"ok":true}`)}

		out, err := NewFailover(primary, secondary).ChatJSON(context.Background(), TierFull, "s", "u", 10)
		require.NoError(t, err)
		assert.JSONEq(t, `{"ok":true}`, string(out))
	})

	t.Run("invalid response does not fail over", func(t *testing.T) {
		primary := &stubClient{err: ErrInvalidResponse}
		secondary := &stubClient{raw: json.RawMessage(`{}`)}

		_, err := NewFailover(primary, secondary).ChatJSON(context.Background(), TierFull, "s", "u", 10)
		assert.ErrorIs(t, err, ErrInvalidResponse)
		assert.Zero(t, secondary.calls)
	})

	t.Run("no secondary returns primary error", func(t *testing.T) {
		primary := &stubClient{err: errors.New("down")}
		_, err := NewFailover(primary, nil).ChatJSON(context.Background(), TierFull, "s", "u", 10)
		assert.Error(t, err)
	})
}
