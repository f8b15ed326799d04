// Package usage normalizes vendor token accounting into one shape.
//
// Three vendor conventions are recognised by which field is present:
//
//	prompt_tokens     OpenAI chat completions (cached tokens are a subset of prompt_tokens)
//	input_tokens      Anthropic messages (cache reads/writes are reported beside input_tokens)
//	promptTokenCount  Google Gemini (cachedContentTokenCount is a subset of promptTokenCount)
//
// InputTokens is always the uncached portion of the prompt, so a caller can price
// InputTokens, CacheCreationTokens and CacheReadTokens independently without
// double-charging cached tokens.
package usage

import (
	"encoding/json"
	"errors"
)

type Shape string

const (
	ShapeUnknown   Shape = "unknown"
	ShapeOpenAI    Shape = "openai"
	ShapeAnthropic Shape = "anthropic"
	ShapeGoogle    Shape = "google"
)

var ErrUnparseableVendorResponse = errors.New("unparseable vendor response")

type Usage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	TotalTokens         int64 `json:"total_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_tokens,omitempty"`
	CacheReadTokens     int64 `json:"cache_read_tokens,omitempty"`
	CachedPromptTokens  int64 `json:"cached_prompt_tokens,omitempty"`
	Shape               Shape `json:"shape"`
}

// IsZero reports whether no tokens of any kind were observed.
func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.TotalTokens == 0 &&
		u.CacheCreationTokens == 0 && u.CacheReadTokens == 0 && u.CachedPromptTokens == 0
}

func (u Usage) billableTotal() int64 {
	return u.InputTokens + u.CacheCreationTokens + u.CacheReadTokens + u.OutputTokens
}

type openAIUsage struct {
	PromptTokens        int64 `json:"prompt_tokens"`
	CompletionTokens    int64 `json:"completion_tokens"`
	TotalTokens         int64 `json:"total_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int64 `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

type anthropicUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	// Present on OpenAI Responses API payloads, which reuse input_tokens but
	// report cached tokens as a subset of it.
	InputTokensDetails *struct {
		CachedTokens int64 `json:"cached_tokens"`
	} `json:"input_tokens_details"`
}

type googleUsage struct {
	PromptTokenCount        int64 `json:"promptTokenCount"`
	CandidatesTokenCount    int64 `json:"candidatesTokenCount"`
	TotalTokenCount         int64 `json:"totalTokenCount"`
	CachedContentTokenCount int64 `json:"cachedContentTokenCount"`
	ThoughtsTokenCount      int64 `json:"thoughtsTokenCount"`
}

// Extract finds and normalizes the usage block of a vendor response body or
// stream event. It returns ErrUnparseableVendorResponse when no known shape is
// present.
func Extract(raw []byte) (Usage, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(raw, &root); err != nil || root == nil {
		return Usage{Shape: ShapeUnknown}, ErrUnparseableVendorResponse
	}

	for _, obj := range candidates(root) {
		u, ok, err := decode(obj)
		if err != nil {
			return Usage{Shape: ShapeUnknown}, err
		}
		if ok {
			return u, nil
		}
	}
	return Usage{Shape: ShapeUnknown}, ErrUnparseableVendorResponse
}

// candidates lists the objects that may carry usage, outermost first.
func candidates(root map[string]json.RawMessage) []map[string]json.RawMessage {
	out := []map[string]json.RawMessage{root}
	for _, key := range []string{"usage", "usageMetadata"} {
		if obj := object(root[key]); obj != nil {
			out = append(out, obj)
		}
	}
	// Stream envelopes: anthropic message_start and openai response.completed.
	for _, key := range []string{"message", "response"} {
		if inner := object(root[key]); inner != nil {
			if obj := object(inner["usage"]); obj != nil {
				out = append(out, obj)
			}
		}
	}
	return out
}

func object(raw json.RawMessage) map[string]json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	return obj
}

func decode(obj map[string]json.RawMessage) (Usage, bool, error) {
	remarshal := func(v any) error {
		b, err := json.Marshal(obj)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(b, v); err != nil {
			return errors.Join(ErrUnparseableVendorResponse, err)
		}
		return nil
	}

	switch {
	case has(obj, "prompt_tokens"):
		var v openAIUsage
		if err := remarshal(&v); err != nil {
			return Usage{}, false, err
		}
		return fromOpenAI(v), true, nil
	case has(obj, "input_tokens", "output_tokens", "cache_read_input_tokens", "cache_creation_input_tokens"):
		var v anthropicUsage
		if err := remarshal(&v); err != nil {
			return Usage{}, false, err
		}
		return fromAnthropic(v), true, nil
	case has(obj, "promptTokenCount", "candidatesTokenCount"):
		var v googleUsage
		if err := remarshal(&v); err != nil {
			return Usage{}, false, err
		}
		return fromGoogle(v), true, nil
	}
	return Usage{}, false, nil
}

func has(obj map[string]json.RawMessage, keys ...string) bool {
	for _, k := range keys {
		if v, ok := obj[k]; ok && string(v) != "null" {
			return true
		}
	}
	return false
}

func fromOpenAI(v openAIUsage) Usage {
	var cached int64
	if v.PromptTokensDetails != nil {
		cached = v.PromptTokensDetails.CachedTokens
	}
	u := Usage{
		InputTokens:        nonNegative(v.PromptTokens - cached),
		OutputTokens:       v.CompletionTokens,
		CacheReadTokens:    cached,
		CachedPromptTokens: cached,
		Shape:              ShapeOpenAI,
	}
	u.TotalTokens = max(v.TotalTokens, u.billableTotal())
	return u
}

func fromAnthropic(v anthropicUsage) Usage {
	if v.InputTokensDetails != nil {
		cached := v.InputTokensDetails.CachedTokens
		u := Usage{
			InputTokens:        nonNegative(v.InputTokens - cached),
			OutputTokens:       v.OutputTokens,
			CacheReadTokens:    cached,
			CachedPromptTokens: cached,
			Shape:              ShapeOpenAI,
		}
		u.TotalTokens = u.billableTotal()
		return u
	}
	u := Usage{
		InputTokens:         v.InputTokens,
		OutputTokens:        v.OutputTokens,
		CacheCreationTokens: v.CacheCreationInputTokens,
		CacheReadTokens:     v.CacheReadInputTokens,
		Shape:               ShapeAnthropic,
	}
	u.TotalTokens = u.billableTotal()
	return u
}

func fromGoogle(v googleUsage) Usage {
	cached := v.CachedContentTokenCount
	u := Usage{
		InputTokens:        nonNegative(v.PromptTokenCount - cached),
		OutputTokens:       v.CandidatesTokenCount + v.ThoughtsTokenCount,
		CacheReadTokens:    cached,
		CachedPromptTokens: cached,
		Shape:              ShapeGoogle,
	}
	u.TotalTokens = max(v.TotalTokenCount, u.billableTotal())
	return u
}

func nonNegative(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
