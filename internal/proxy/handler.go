package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/vnmchuo/llm-metering/internal/auth"
	"github.com/vnmchuo/llm-metering/internal/ledger"
	"github.com/vnmchuo/llm-metering/internal/metering"
	"github.com/vnmchuo/llm-metering/internal/pricing"
	"github.com/vnmchuo/llm-metering/internal/provider"
	"github.com/vnmchuo/llm-metering/internal/usage"
	"github.com/vnmchuo/llm-metering/internal/worker"
	"github.com/vnmchuo/llm-metering/pkg/ratelimit"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Meter interface {
	Preflight(ctx context.Context, userID string) error
	Record(ctx context.Context, ev metering.Event) (*ledger.UsageRecord, error)
}

type UsageReader interface {
	GetBalance(ctx context.Context, userID string) (*ledger.Balance, error)
	ListUsage(ctx context.Context, userID string, from, to time.Time) ([]*ledger.UsageRecord, error)
	DailySummary(ctx context.Context, userID string, date time.Time) (*ledger.Summary, error)
}

type Handler struct {
	router  *Router
	meter   Meter
	usage   UsageReader
	jobs    worker.Queue
	limiter *ratelimit.Limiter
	tracer  trace.Tracer
}

// NewHandler wires the inference endpoints. jobs may be nil, in which case
// ledger timeouts on the response path are only logged and usage that cannot
// be priced is recorded unbilled.
func NewHandler(router *Router, meter Meter, reader UsageReader, jobs worker.Queue, limiter *ratelimit.Limiter, tracer trace.Tracer) *Handler {
	return &Handler{
		router:  router,
		meter:   meter,
		usage:   reader,
		jobs:    jobs,
		limiter: limiter,
		tracer:  tracer,
	}
}

type call struct {
	userID    string
	apiKeyID  string
	requestID string
	req       *provider.Request
	provider  provider.Provider
}

func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "proxy.complete")
	defer span.End()

	c, ok := h.prepare(ctx, w, r)
	if !ok {
		return
	}
	span.SetAttributes(
		attribute.String("user_id", c.userID),
		attribute.String("request_id", c.requestID),
		attribute.String("provider", c.provider.Name()),
		attribute.String("model", c.req.Model),
	)

	start := time.Now()
	response, err := h.router.Execute(ctx, c.req, c.provider)
	if err != nil {
		h.record(ctx, metering.Event{
			RequestID: c.requestID,
			UserID:    c.userID,
			APIKeyID:  c.apiKeyID,
			Provider:  c.provider.Name(),
			Model:     c.req.Model,
			Status:    ledger.StatusError,
			Error:     err.Error(),
			Latency:   time.Since(start),
		})
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	rec := h.record(ctx, metering.Event{
		RequestID: c.requestID,
		UserID:    c.userID,
		APIKeyID:  c.apiKeyID,
		Provider:  response.Provider,
		Model:     c.req.Model,
		Raw:       response.Raw,
		Status:    ledger.StatusSuccess,
		Latency:   time.Since(start),
	})

	respID := response.ID
	if respID == "" {
		respID = uuid.New().String()
	}

	body := map[string]interface{}{
		"id":       respID,
		"object":   "chat.completion",
		"model":    response.Model,
		"provider": response.Provider,
		"choices": []interface{}{
			map[string]interface{}{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": response.Content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int64{
			"prompt_tokens":     response.InputTokens,
			"completion_tokens": response.OutputTokens,
			"total_tokens":      response.InputTokens + response.OutputTokens,
		},
	}
	if rec != nil {
		w.Header().Set("X-Credits-Charged", strconv.FormatInt(charged(rec), 10))
	}
	writeJSON(w, http.StatusOK, body)
}

type streamDelta struct {
	Content string `json:"content"`
}

type streamChoice struct {
	Delta streamDelta `json:"delta"`
	Index int         `json:"index"`
}

type streamChunk struct {
	Choices []streamChoice `json:"choices"`
}

type streamUsage struct {
	Choices []streamChoice `json:"choices"`
	Usage   streamTotals   `json:"usage"`
}

type streamTotals struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	Credits          int64 `json:"credits"`
}

// HandleCompleteStream relays vendor chunks and meters the call once the
// stream ends. A client that disconnects early is billed for the usage
// observed so far with status partial.
func (h *Handler) HandleCompleteStream(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "proxy.stream")
	defer span.End()

	c, ok := h.prepare(ctx, w, r)
	if !ok {
		return
	}
	span.SetAttributes(
		attribute.String("user_id", c.userID),
		attribute.String("request_id", c.requestID),
		attribute.String("provider", c.provider.Name()),
		attribute.String("model", c.req.Model),
	)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	start := time.Now()
	ch, err := h.router.ExecuteStream(ctx, c.req, c.provider)
	if err != nil {
		h.record(ctx, metering.Event{
			RequestID: c.requestID,
			UserID:    c.userID,
			APIKeyID:  c.apiKeyID,
			Provider:  c.provider.Name(),
			Model:     c.req.Model,
			Status:    ledger.StatusError,
			Error:     err.Error(),
			Latency:   time.Since(start),
		})
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	acc := usage.NewAccumulator(c.provider.Name())
	status := ledger.StatusPartial
	var failure string

	for chunk := range ch {
		if chunk.Usage != nil {
			acc.Add(chunk.Usage)
		}

		if chunk.Err != nil {
			failure = chunk.Err.Error()
			data, _ := json.Marshal(map[string]string{"error": failure})
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
			flusher.Flush()
			break
		}

		if chunk.Done {
			status = ledger.StatusSuccess
			break
		}

		if chunk.Delta == "" {
			continue
		}
		data, _ := json.Marshal(streamChunk{Choices: []streamChoice{{Delta: streamDelta{Content: chunk.Delta}}}})
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	if failure != "" && !acc.Seen() {
		status = ledger.StatusError
	}
	if status == ledger.StatusPartial && ctx.Err() != nil {
		failure = "client disconnected"
	}
	if status == ledger.StatusSuccess && !acc.Seen() {
		log.WithFields(log.Fields{
			"request_id": c.requestID,
			"provider":   c.provider.Name(),
		}).Warn("proxy: stream finished without usage")
	}

	u := acc.Usage()
	rec := h.record(ctx, metering.Event{
		RequestID: c.requestID,
		UserID:    c.userID,
		APIKeyID:  c.apiKeyID,
		Provider:  c.provider.Name(),
		Model:     c.req.Model,
		Usage:     &u,
		Status:    status,
		Error:     failure,
		Latency:   time.Since(start),
	})

	if status != ledger.StatusSuccess {
		return
	}
	totals := streamUsage{
		Choices: []streamChoice{},
		Usage: streamTotals{
			PromptTokens:     u.InputTokens + u.CacheCreationTokens + u.CacheReadTokens,
			CompletionTokens: u.OutputTokens,
			TotalTokens:      u.TotalTokens,
		},
	}
	if rec != nil {
		totals.Usage.Credits = charged(rec)
	}
	data, _ := json.Marshal(totals)
	fmt.Fprintf(w, "data: %s\n\n", data)
	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// prepare authenticates, rate limits, checks credits and routes. It writes
// the error response itself and reports whether the call may proceed.
func (h *Handler) prepare(ctx context.Context, w http.ResponseWriter, r *http.Request) (*call, bool) {
	userID := auth.GetUserID(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var req provider.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	req.UserID = userID
	req.RequestID = requestID

	estimatedTokens := req.MaxTokens
	if estimatedTokens <= 0 {
		estimatedTokens = 1000
	}

	allowed, err := h.limiter.Allow(ctx, userID, estimatedTokens)
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60s")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return nil, false
	}

	if err := h.meter.Preflight(ctx, userID); err != nil {
		writeLedgerError(w, err)
		return nil, false
	}

	selectedProvider, err := h.router.Route(ctx, &req)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return nil, false
	}

	return &call{
		userID:    userID,
		apiKeyID:  auth.GetAPIKeyID(ctx),
		requestID: requestID,
		req:       &req,
		provider:  selectedProvider,
	}, true
}

// record meters ev on a context that survives the client going away. Ledger
// timeouts are handed to the job queue; other faults never fail the response.
func (h *Handler) record(ctx context.Context, ev metering.Event) *ledger.UsageRecord {
	ctx = context.WithoutCancel(ctx)
	rec, err := h.meter.Record(ctx, ev)
	if err == nil {
		return rec
	}

	fields := log.Fields{
		"request_id": ev.RequestID,
		"user_id":    ev.UserID,
		"api_key_id": ev.APIKeyID,
		"provider":   ev.Provider,
		"model":      ev.Model,
	}
	switch {
	case errors.Is(err, ledger.ErrLedgerTimeout), errors.Is(err, metering.ErrPricingUnavailable):
		log.WithFields(fields).WithError(err).Warn("proxy: usage not recorded, queueing for retry")
		qerr := h.retry(ctx, ev)
		if qerr == nil {
			return rec
		}
		log.WithFields(fields).WithError(qerr).Error("proxy: failed to queue usage retry")
		if !errors.Is(err, metering.ErrPricingUnavailable) {
			return rec
		}
		// The ledger is reachable; keep the tokens on record even if they
		// cannot be priced now.
		unbilled, uerr := h.meter.Record(ctx, metering.Unbilled(ev, err.Error()))
		if uerr != nil {
			log.WithFields(fields).WithError(uerr).Error("proxy: failed to record unbilled usage")
		}
		return unbilled
	case errors.Is(err, pricing.ErrUnknownRate), errors.Is(err, pricing.ErrNoApplicableRule):
		log.WithFields(fields).WithError(err).Warn("proxy: usage recorded unbilled")
	case errors.Is(err, ledger.ErrInsufficientCredits):
		log.WithFields(fields).Warn("proxy: balance exhausted during request, usage recorded unbilled")
	case errors.Is(err, ledger.ErrDuplicateRequest):
		log.WithFields(fields).Warn("proxy: usage already recorded for request")
	default:
		log.WithFields(fields).WithError(err).Error("proxy: failed to record usage")
	}
	return rec
}

func (h *Handler) retry(ctx context.Context, ev metering.Event) error {
	if h.jobs == nil {
		return errors.New("no job queue configured")
	}
	return h.jobs.Enqueue(ctx, &worker.Job{Kind: worker.JobMeter, UserID: ev.UserID, Event: &ev})
}

// charged is what rec actually debited.
func charged(rec *ledger.UsageRecord) int64 {
	if !rec.Status.Deducts() {
		return 0
	}
	return rec.CreditAmount
}
