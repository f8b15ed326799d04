package usage

import (
	log "github.com/sirupsen/logrus"
	"github.com/vnmchuo/llm-metering/internal/telemetry"
)

// Parse is the tolerant entry point used on the inference response path. An
// unrecognised body yields zero usage and a warning, never an error.
func Parse(provider string, raw []byte) Usage {
	u, err := Extract(raw)
	if err != nil {
		warnUnparseable(provider, len(raw), err)
		return Usage{Shape: ShapeUnknown}
	}
	return u
}

func warnUnparseable(provider string, size int, err error) {
	telemetry.UnparseableUsage.WithLabelValues(provider).Inc()
	log.WithFields(log.Fields{
		"provider": provider,
		"bytes":    size,
	}).WithError(err).Warn("usage: unrecognised vendor usage shape, billing zero tokens")
}

// Accumulator collects usage across stream events. Vendors report cumulative
// counts, so for every field the latest non-zero value wins.
type Accumulator struct {
	provider string
	current  Usage
	reported int64
	seen     bool
}

func NewAccumulator(provider string) *Accumulator {
	return &Accumulator{provider: provider, current: Usage{Shape: ShapeUnknown}}
}

// Add merges one stream event. Events without a usage block are ignored.
func (a *Accumulator) Add(raw []byte) bool {
	u, err := Extract(raw)
	if err != nil {
		return false
	}
	a.seen = true
	if u.Shape != ShapeUnknown {
		a.current.Shape = u.Shape
	}
	latest(&a.current.InputTokens, u.InputTokens)
	latest(&a.current.OutputTokens, u.OutputTokens)
	latest(&a.current.CacheCreationTokens, u.CacheCreationTokens)
	latest(&a.current.CacheReadTokens, u.CacheReadTokens)
	latest(&a.current.CachedPromptTokens, u.CachedPromptTokens)
	latest(&a.reported, u.TotalTokens)
	return true
}

// Seen reports whether any event carried usage.
func (a *Accumulator) Seen() bool {
	return a.seen
}

// Usage returns the merged counts, warning when the stream carried none.
func (a *Accumulator) Usage() Usage {
	if !a.seen {
		warnUnparseable(a.provider, 0, ErrUnparseableVendorResponse)
		return Usage{Shape: ShapeUnknown}
	}
	u := a.current
	u.TotalTokens = max(a.reported, u.billableTotal())
	return u
}

func latest(dst *int64, v int64) {
	if v != 0 {
		*dst = v
	}
}
