package google

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vnmchuo/llm-metering/internal/provider"
	"github.com/vnmchuo/llm-metering/internal/usage"
)

func TestComplete_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-1.5-flash:generateContent", r.URL.Path)
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		resp := generateResponse{
			Candidates: []candidate{
				{Content: content{Role: "model", Parts: []part{{Text: "Hello from Gemini mock!"}}}},
			},
			UsageMetadata: &usageMetadata{
				PromptTokenCount:        30,
				CandidatesTokenCount:    12,
				TotalTokenCount:         42,
				CachedContentTokenCount: 10,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := &GoogleProvider{
		apiKey:  "test-key",
		baseURL: server.URL,
	}

	req := &provider.Request{
		Model: "gemini-1.5-flash",
		Messages: []provider.Message{
			{Role: "user", Content: "hi"},
		},
	}

	resp, err := p.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Hello from Gemini mock!", resp.Content)
	assert.Equal(t, int64(30), resp.InputTokens)
	assert.Equal(t, int64(12), resp.OutputTokens)

	u := usage.Parse("google", resp.Raw)
	assert.Equal(t, int64(20), u.InputTokens)
	assert.Equal(t, int64(10), u.CacheReadTokens)
	assert.Equal(t, usage.ShapeGoogle, u.Shape)
}

func TestCompleteStream_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		w.Header().Set("Content-Type", "text/event-stream")

		chunks := []string{"Hello", " world", "!"}
		for i, chunk := range chunks {
			resp := generateResponse{
				Candidates: []candidate{
					{Content: content{Parts: []part{{Text: chunk}}}},
				},
				UsageMetadata: &usageMetadata{PromptTokenCount: 8, CandidatesTokenCount: int64(i + 1)},
			}
			data, _ := json.Marshal(resp)
			fmt.Fprintf(w, "data: %s\n\n", string(data))
		}
	}))
	defer server.Close()

	p := &GoogleProvider{
		apiKey:  "test-key",
		baseURL: server.URL,
	}

	req := &provider.Request{
		Model: "gemini-2.0-flash",
		Messages: []provider.Message{
			{Role: "user", Content: "hi"},
		},
	}

	ch, err := p.CompleteStream(context.Background(), req)
	require.NoError(t, err)

	var text string
	var done bool
	acc := usage.NewAccumulator("google")
	for chunk := range ch {
		require.NoError(t, chunk.Err)
		if chunk.Done {
			done = true
			continue
		}
		if chunk.Usage != nil {
			acc.Add(chunk.Usage)
		}
		text += chunk.Delta
	}

	assert.True(t, done)
	assert.Equal(t, "Hello world!", text)
	u := acc.Usage()
	assert.Equal(t, int64(8), u.InputTokens)
	assert.Equal(t, int64(3), u.OutputTokens)
}

func TestName(t *testing.T) {
	assert.Equal(t, "google", New("key").Name())
}
