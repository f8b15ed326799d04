package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/vnmchuo/llm-metering/internal/provider"
)

type OpenAIProvider struct {
	apiKey  string
	baseURL string
}

type openAIRequest struct {
	Model         string          `json:"model"`
	Messages      []openAIMessage `json:"messages"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   float64         `json:"temperature,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions *streamOptions  `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage,omitempty"`
	Model   string         `json:"model"`
}

type openAIChoice struct {
	Message openAIMessage `json:"message"`
	Delta   openAIDelta   `json:"delta"`
}

type openAIDelta struct {
	Content string `json:"content"`
}

type openAIUsage struct {
	PromptTokens        int64                `json:"prompt_tokens"`
	CompletionTokens    int64                `json:"completion_tokens"`
	TotalTokens         int64                `json:"total_tokens"`
	PromptTokensDetails *promptTokensDetails `json:"prompt_tokens_details,omitempty"`
}

type promptTokensDetails struct {
	CachedTokens int64 `json:"cached_tokens"`
}

func New(apiKey string) provider.Provider {
	return &OpenAIProvider{
		apiKey:  apiKey,
		baseURL: "https://api.openai.com/v1",
	}
}

func (p *OpenAIProvider) header() http.Header {
	h := http.Header{}
	h.Set("Authorization", fmt.Sprintf("Bearer %s", p.apiKey))
	return h
}

func (p *OpenAIProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	resp, err := provider.Post(ctx, p.Name(), p.baseURL+"/chat/completions", p.header(), p.mapRequest(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var openAIResp openAIResponse
	if err := json.Unmarshal(raw, &openAIResp); err != nil {
		return nil, err
	}

	if len(openAIResp.Choices) == 0 {
		return nil, fmt.Errorf("openai api returned no choices")
	}

	out := &provider.Response{
		ID:       openAIResp.ID,
		Content:  openAIResp.Choices[0].Message.Content,
		Model:    openAIResp.Model,
		Provider: p.Name(),
		Raw:      raw,
	}
	if u := openAIResp.Usage; u != nil {
		out.InputTokens = u.PromptTokens
		out.OutputTokens = u.CompletionTokens
	}
	return out, nil
}

func (p *OpenAIProvider) mapRequest(req *provider.Request) openAIRequest {
	messages := make([]openAIMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = openAIMessage{
			Role:    m.Role,
			Content: m.Content,
		}
	}

	return openAIRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}
}

// CompleteStream asks for a final usage chunk so streamed calls can be metered.
func (p *OpenAIProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	openAIReq := p.mapRequest(req)
	openAIReq.Stream = true
	openAIReq.StreamOptions = &streamOptions{IncludeUsage: true}

	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)

		resp, err := provider.Post(ctx, p.Name(), p.baseURL+"/chat/completions", p.header(), openAIReq)
		if err != nil {
			provider.Send(ctx, ch, &provider.Chunk{Err: err})
			return
		}
		defer resp.Body.Close()

		var streamErr error
		err = provider.ReadEvents(resp.Body, func(ev provider.Event) bool {
			if ev.Data == "[DONE]" {
				return false
			}

			var openAIResp openAIResponse
			if err := json.Unmarshal([]byte(ev.Data), &openAIResp); err != nil {
				streamErr = err
				return false
			}

			chunk := &provider.Chunk{}
			if len(openAIResp.Choices) > 0 {
				chunk.Delta = openAIResp.Choices[0].Delta.Content
			}
			if openAIResp.Usage != nil {
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

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) SupportedModels() []string {
	return []string{"gpt-4o", "gpt-4o-mini", "gpt-4", "gpt-3.5-turbo"}
}
