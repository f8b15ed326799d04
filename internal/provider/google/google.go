package google

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"

	"github.com/vnmchuo/llm-metering/internal/provider"
)

type GoogleProvider struct {
	apiKey  string
	baseURL string
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type generateResponse struct {
	Candidates    []candidate    `json:"candidates"`
	UsageMetadata *usageMetadata `json:"usageMetadata,omitempty"`
}

type candidate struct {
	Content content `json:"content"`
}

type usageMetadata struct {
	PromptTokenCount        int64 `json:"promptTokenCount"`
	CandidatesTokenCount    int64 `json:"candidatesTokenCount"`
	TotalTokenCount         int64 `json:"totalTokenCount,omitempty"`
	CachedContentTokenCount int64 `json:"cachedContentTokenCount,omitempty"`
}

func New(apiKey string) provider.Provider {
	return &GoogleProvider{
		apiKey:  apiKey,
		baseURL: "https://generativelanguage.googleapis.com",
	}
}

func (p *GoogleProvider) endpoint(model, method string, stream bool) string {
	q := url.Values{}
	q.Set("key", p.apiKey)
	if stream {
		q.Set("alt", "sse")
	}
	return fmt.Sprintf("%s/v1beta/models/%s:%s?%s", p.baseURL, url.PathEscape(model), method, q.Encode())
}

func (p *GoogleProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	resp, err := provider.Post(ctx, p.Name(), p.endpoint(req.Model, "generateContent", false), nil, p.mapRequest(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}

	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("google api returned no candidates")
	}

	r := &provider.Response{
		Content:  out.Candidates[0].Content.Parts[0].Text,
		Model:    req.Model,
		Provider: p.Name(),
		Raw:      raw,
	}
	if m := out.UsageMetadata; m != nil {
		r.InputTokens = m.PromptTokenCount
		r.OutputTokens = m.CandidatesTokenCount
	}
	return r, nil
}

func (p *GoogleProvider) mapRequest(req *provider.Request) generateRequest {
	contents := make([]content, len(req.Messages))
	for i, m := range req.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		contents[i] = content{
			Role:  role,
			Parts: []part{{Text: m.Content}},
		}
	}

	return generateRequest{
		Contents: contents,
		GenerationConfig: generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		},
	}
}

// CompleteStream forwards every chunk's usageMetadata; counts are cumulative.
func (p *GoogleProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	genReq := p.mapRequest(req)

	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)

		resp, err := provider.Post(ctx, p.Name(), p.endpoint(req.Model, "streamGenerateContent", true), nil, genReq)
		if err != nil {
			provider.Send(ctx, ch, &provider.Chunk{Err: err})
			return
		}
		defer resp.Body.Close()

		var streamErr error
		err = provider.ReadEvents(resp.Body, func(ev provider.Event) bool {
			var out generateResponse
			if err := json.Unmarshal([]byte(ev.Data), &out); err != nil {
				streamErr = err
				return false
			}

			chunk := &provider.Chunk{}
			if len(out.Candidates) > 0 && len(out.Candidates[0].Content.Parts) > 0 {
				chunk.Delta = out.Candidates[0].Content.Parts[0].Text
			}
			if out.UsageMetadata != nil {
				chunk.Usage = []byte(ev.Data)
			}
			if chunk.Delta == "" && chunk.Usage == nil {
				return true
			}
			return provider.Send(ctx, ch, chunk)
		})
		if err == nil {
			err = streamErr
		}
		if err != nil {
			provider.Send(ctx, ch, &provider.Chunk{Err: err})
			return
		}
		provider.Send(ctx, ch, &provider.Chunk{Done: true})
	}()

	return ch, nil
}

func (p *GoogleProvider) Name() string {
	return "google"
}

func (p *GoogleProvider) SupportedModels() []string {
	return []string{"gemini-1.5-pro", "gemini-1.5-flash", "gemini-2.0-flash"}
}
