package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/vnmchuo/llm-metering/internal/provider"
)

const apiVersion = "2023-06-01"

type AnthropicProvider struct {
	apiKey  string
	baseURL string
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
	Stream    bool      `json:"stream,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID      string         `json:"id"`
	Content []contentBlock `json:"content"`
	Model   string         `json:"model"`
	Usage   messageUsage   `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type messageUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

type streamEvent struct {
	Type  string      `json:"type"`
	Delta streamDelta `json:"delta,omitempty"`
	Error *apiError   `json:"error,omitempty"`
}

type streamDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func New(apiKey string) provider.Provider {
	return &AnthropicProvider{
		apiKey:  apiKey,
		baseURL: "https://api.anthropic.com/v1",
	}
}

func (p *AnthropicProvider) header() http.Header {
	h := http.Header{}
	h.Set("x-api-key", p.apiKey)
	h.Set("anthropic-version", apiVersion)
	return h
}

func (p *AnthropicProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	resp, err := provider.Post(ctx, p.Name(), p.baseURL+"/messages", p.header(), p.mapRequest(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var msg messagesResponse
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}

	if len(msg.Content) == 0 {
		return nil, fmt.Errorf("anthropic api returned no content")
	}

	return &provider.Response{
		ID:           msg.ID,
		Content:      msg.Content[0].Text,
		InputTokens:  msg.Usage.InputTokens + msg.Usage.CacheCreationInputTokens + msg.Usage.CacheReadInputTokens,
		OutputTokens: msg.Usage.OutputTokens,
		Model:        msg.Model,
		Provider:     p.Name(),
		Raw:          raw,
	}, nil
}

// mapRequest lifts system messages into the top-level system field.
func (p *AnthropicProvider) mapRequest(req *provider.Request) messagesRequest {
	var system string
	var messages []message

	for _, m := range req.Messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, message{
			Role:    role,
			Content: m.Content,
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	return messagesRequest{
		Model:     req.Model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  messages,
		Stream:    req.Stream,
	}
}

// CompleteStream forwards message_start and message_delta payloads as usage
// chunks; together they carry the cumulative counts for the call.
func (p *AnthropicProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	msgReq := p.mapRequest(req)
	msgReq.Stream = true

	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)

		resp, err := provider.Post(ctx, p.Name(), p.baseURL+"/messages", p.header(), msgReq)
		if err != nil {
			provider.Send(ctx, ch, &provider.Chunk{Err: err})
			return
		}
		defer resp.Body.Close()

		var streamErr error
		err = provider.ReadEvents(resp.Body, func(ev provider.Event) bool {
			switch ev.Name {
			case "message_start", "message_delta":
				return provider.Send(ctx, ch, &provider.Chunk{Usage: []byte(ev.Data)})
			case "content_block_delta":
				var delta streamEvent
				if err := json.Unmarshal([]byte(ev.Data), &delta); err != nil {
					return true
				}
				if delta.Delta.Type == "text_delta" && delta.Delta.Text != "" {
					return provider.Send(ctx, ch, &provider.Chunk{Delta: delta.Delta.Text})
				}
			case "message_stop":
				return false
			case "error":
				var delta streamEvent
				if err := json.Unmarshal([]byte(ev.Data), &delta); err == nil && delta.Error != nil {
					streamErr = fmt.Errorf("anthropic stream error: %s", delta.Error.Message)
					return false
				}
			}
			return true
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

func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

func (p *AnthropicProvider) SupportedModels() []string {
	return []string{
		"claude-3-5-sonnet-20241022",
		"claude-3-5-haiku-20241022",
		"claude-3-opus-20240229",
	}
}
