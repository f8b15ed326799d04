package provider

import (
	"context"
)

type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	// Metadata for routing and metering, never taken from the client
	UserID    string `json:"-"`
	RequestID string `json:"-"`
}

type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// Response is a completed call. Raw is the vendor body as received; usage is
// parsed from it by the metering pipeline, not by the provider.
type Response struct {
	ID           string
	Content      string
	InputTokens  int64
	OutputTokens int64
	Model        string
	Provider     string
	LatencyMs    int64
	Raw          []byte
}

// Chunk is one stream event. Usage carries the raw vendor event whenever it
// reported token counts.
type Chunk struct {
	Delta string
	Usage []byte
	Done  bool
	Err   error
}

type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error)
	Name() string
	SupportedModels() []string
}
