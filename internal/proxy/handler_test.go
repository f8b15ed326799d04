package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vnmchuo/llm-metering/internal/auth"
	"github.com/vnmchuo/llm-metering/internal/ledger"
	"github.com/vnmchuo/llm-metering/internal/metering"
	"github.com/vnmchuo/llm-metering/internal/provider"
	"github.com/vnmchuo/llm-metering/internal/worker"
	"github.com/vnmchuo/llm-metering/pkg/ratelimit"
	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/trace/noop"
)

const openAIUsageEvent = `{"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":4,"total_tokens":16}}`

// Mock Meter
type mockMeter struct {
	mu            sync.Mutex
	events        []metering.Event
	preflightFunc func(ctx context.Context, userID string) error
	recordFunc    func(ctx context.Context, ev metering.Event) (*ledger.UsageRecord, error)
}

func (m *mockMeter) Preflight(ctx context.Context, userID string) error {
	if m.preflightFunc != nil {
		return m.preflightFunc(ctx, userID)
	}
	return nil
}

func (m *mockMeter) Record(ctx context.Context, ev metering.Event) (*ledger.UsageRecord, error) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	if m.recordFunc != nil {
		return m.recordFunc(ctx, ev)
	}
	return &ledger.UsageRecord{RequestID: ev.RequestID, Status: ev.Status, CreditAmount: 3}, nil
}

func (m *mockMeter) recorded(t *testing.T) metering.Event {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.events, 1)
	return m.events[0]
}

// Mock usage reader
type mockReader struct {
	balanceFunc func(ctx context.Context, userID string) (*ledger.Balance, error)
	usageFunc   func(ctx context.Context, userID string, from, to time.Time) ([]*ledger.UsageRecord, error)
	dailyFunc   func(ctx context.Context, userID string, date time.Time) (*ledger.Summary, error)
}

func (m *mockReader) GetBalance(ctx context.Context, userID string) (*ledger.Balance, error) {
	if m.balanceFunc != nil {
		return m.balanceFunc(ctx, userID)
	}
	return &ledger.Balance{UserID: userID}, nil
}

func (m *mockReader) ListUsage(ctx context.Context, userID string, from, to time.Time) ([]*ledger.UsageRecord, error) {
	if m.usageFunc != nil {
		return m.usageFunc(ctx, userID, from, to)
	}
	return nil, nil
}

func (m *mockReader) DailySummary(ctx context.Context, userID string, date time.Time) (*ledger.Summary, error) {
	if m.dailyFunc != nil {
		return m.dailyFunc(ctx, userID, date)
	}
	return &ledger.Summary{Date: date.Format(time.DateOnly)}, nil
}

// Mock job queue
type mockQueue struct {
	mu   sync.Mutex
	jobs []*worker.Job
	err  error
}

func (q *mockQueue) Enqueue(ctx context.Context, job *worker.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	if job.ID == "" {
		job.ID = fmt.Sprintf("job-%d", len(q.jobs)+1)
	}
	job.Status = worker.JobStatusPending
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *mockQueue) Get(ctx context.Context, id string) (*worker.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return nil, worker.ErrJobNotFound
}

func (q *mockQueue) Process(ctx context.Context) error { return nil }

// Mock Limiter Store
type mockLimiterStore struct {
	allowed bool
	err     error
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

type testDeps struct {
	meter  *mockMeter
	reader *mockReader
	jobs   *mockQueue
}

// Test Suite
func setupTest(providers []provider.Provider, limiterAllowed bool) (*Handler, *testDeps) {
	router := NewRouter(providers, nil)
	deps := &testDeps{meter: &mockMeter{}, reader: &mockReader{}, jobs: &mockQueue{}}
	limiter := ratelimit.NewTestLimiter(&mockLimiterStore{allowed: limiterAllowed})
	tracer := noop.NewTracerProvider().Tracer("test")

	return NewHandler(router, deps.meter, deps.reader, deps.jobs, limiter, tracer), deps
}

func completionRequest(t *testing.T, ctx context.Context, body map[string]interface{}) *http.Request {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(raw))
	ctx = auth.WithUserID(ctx, "user-1")
	ctx = auth.WithAPIKeyID(ctx, "key-1")
	ctx = auth.WithRequestID(ctx, "req-1")
	return req.WithContext(ctx)
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHandleComplete_Unauthorized(t *testing.T) {
	h, _ := setupTest(nil, true)
	req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", decodeBody(t, w)["error"])
}

func TestHandleComplete_InvalidBody(t *testing.T) {
	h, _ := setupTest(nil, true)
	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{invalid json}`))
	req = req.WithContext(auth.WithUserID(req.Context(), "user-1"))
	w := httptest.NewRecorder()

	h.HandleComplete(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid request body", decodeBody(t, w)["error"])
}

func TestHandleComplete_RateLimited(t *testing.T) {
	h, _ := setupTest(nil, false)
	w := httptest.NewRecorder()

	h.HandleComplete(w, completionRequest(t, context.Background(), map[string]interface{}{"model": "gpt-4o"}))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate limit exceeded", decodeBody(t, w)["error"])
	assert.Equal(t, "60s", w.Header().Get("Retry-After"))
}

func TestHandleComplete_InsufficientCreditsBeforeVendor(t *testing.T) {
	p := &MockProvider{name: "openai", supportedModels: []string{"gpt-4o"}}
	h, deps := setupTest([]provider.Provider{p}, true)
	deps.meter.preflightFunc = func(ctx context.Context, userID string) error {
		return fmt.Errorf("%w: have 0, need at least 1", ledger.ErrInsufficientCredits)
	}
	w := httptest.NewRecorder()

	h.HandleComplete(w, completionRequest(t, context.Background(), map[string]interface{}{"model": "gpt-4o"}))

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, "insufficient credits", resp["error"])
	assert.Equal(t, "top_up", resp["action"])
	assert.Zero(t, p.calls.Load(), "vendor must not be called")
	assert.Empty(t, deps.meter.events)
}

func TestHandleComplete_ProviderUnavailable(t *testing.T) {
	h, _ := setupTest([]provider.Provider{}, true)
	w := httptest.NewRecorder()

	h.HandleComplete(w, completionRequest(t, context.Background(), map[string]interface{}{"model": "gpt-4o"}))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotEmpty(t, decodeBody(t, w)["error"])
}

func TestHandleComplete_Success(t *testing.T) {
	raw := []byte(`{"id":"chatcmpl-1","usage":{"prompt_tokens":10,"completion_tokens":20,"total_tokens":30}}`)
	p := &MockProvider{name: "openai", supportedModels: []string{"gpt-4o"}, raw: raw}
	h, deps := setupTest([]provider.Provider{p}, true)
	w := httptest.NewRecorder()

	h.HandleComplete(w, completionRequest(t, context.Background(), map[string]interface{}{
		"model":      "gpt-4o",
		"max_tokens": 100,
		"messages": []map[string]string{
			{"role": "user", "content": "hello"},
		},
	}))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "3", w.Header().Get("X-Credits-Charged"))

	resp := decodeBody(t, w)
	assert.Equal(t, "gpt-4o", resp["model"])
	assert.Equal(t, "openai", resp["provider"])
	choices := resp["choices"].([]interface{})
	require.Len(t, choices, 1)
	message := choices[0].(map[string]interface{})["message"].(map[string]interface{})
	assert.Equal(t, "mock", message["content"])
	usage := resp["usage"].(map[string]interface{})
	assert.Equal(t, float64(30), usage["total_tokens"])

	ev := deps.meter.recorded(t)
	assert.Equal(t, "req-1", ev.RequestID)
	assert.Equal(t, "user-1", ev.UserID)
	assert.Equal(t, "key-1", ev.APIKeyID)
	assert.Equal(t, "openai", ev.Provider)
	assert.Equal(t, "gpt-4o", ev.Model)
	assert.Equal(t, ledger.StatusSuccess, ev.Status)
	assert.Equal(t, raw, ev.Raw)
}

func TestHandleComplete_VendorErrorIsRecorded(t *testing.T) {
	p := &MockProvider{name: "openai", supportedModels: []string{"gpt-4o"}, completeErr: errors.New("upstream exploded")}
	h, deps := setupTest([]provider.Provider{p}, true)
	w := httptest.NewRecorder()

	h.HandleComplete(w, completionRequest(t, context.Background(), map[string]interface{}{"model": "gpt-4o"}))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	ev := deps.meter.recorded(t)
	assert.Equal(t, ledger.StatusError, ev.Status)
	assert.Equal(t, "upstream exploded", ev.Error)
	assert.Nil(t, ev.Raw)
}

func TestHandleComplete_LedgerTimeoutQueuesRetry(t *testing.T) {
	p := &MockProvider{name: "openai", supportedModels: []string{"gpt-4o"}, raw: []byte(`{}`)}
	h, deps := setupTest([]provider.Provider{p}, true)
	deps.meter.recordFunc = func(ctx context.Context, ev metering.Event) (*ledger.UsageRecord, error) {
		return nil, &ledger.TimeoutError{Op: "record_usage", RetryAfter: 2 * time.Second, Err: context.DeadlineExceeded}
	}
	w := httptest.NewRecorder()

	h.HandleComplete(w, completionRequest(t, context.Background(), map[string]interface{}{"model": "gpt-4o"}))

	assert.Equal(t, http.StatusOK, w.Code, "a metering fault must not fail a completed call")
	assert.Empty(t, w.Header().Get("X-Credits-Charged"))
	require.Len(t, deps.jobs.jobs, 1)
	job := deps.jobs.jobs[0]
	assert.Equal(t, worker.JobMeter, job.Kind)
	assert.Equal(t, "user-1", job.UserID)
	require.NotNil(t, job.Event)
	assert.Equal(t, "req-1", job.Event.RequestID)
}

func TestHandleComplete_PricingOutageQueuesRetry(t *testing.T) {
	p := &MockProvider{name: "openai", supportedModels: []string{"gpt-4o"}, raw: []byte(`{}`)}
	h, deps := setupTest([]provider.Provider{p}, true)
	deps.meter.recordFunc = func(ctx context.Context, ev metering.Event) (*ledger.UsageRecord, error) {
		return nil, fmt.Errorf("%w: subscriptions unavailable", metering.ErrPricingUnavailable)
	}
	w := httptest.NewRecorder()

	h.HandleComplete(w, completionRequest(t, context.Background(), map[string]interface{}{"model": "gpt-4o"}))

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, deps.jobs.jobs, 1)
	assert.Equal(t, worker.JobMeter, deps.jobs.jobs[0].Kind)
	assert.Equal(t, "req-1", deps.jobs.jobs[0].Event.RequestID)
	assert.Len(t, deps.meter.events, 1)
}

func TestHandleComplete_PricingOutageWithoutQueueRecordsUnbilled(t *testing.T) {
	p := &MockProvider{name: "openai", supportedModels: []string{"gpt-4o"}, raw: []byte(`{}`)}
	h, deps := setupTest([]provider.Provider{p}, true)
	deps.jobs.err = fmt.Errorf("%w: 1024 jobs waiting", worker.ErrQueueFull)
	deps.meter.recordFunc = func(ctx context.Context, ev metering.Event) (*ledger.UsageRecord, error) {
		if ev.Status == ledger.StatusError {
			return &ledger.UsageRecord{RequestID: ev.RequestID, Status: ev.Status, ErrorReason: ev.Error}, nil
		}
		return nil, fmt.Errorf("%w: subscriptions unavailable", metering.ErrPricingUnavailable)
	}
	w := httptest.NewRecorder()

	h.HandleComplete(w, completionRequest(t, context.Background(), map[string]interface{}{"model": "gpt-4o"}))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-Credits-Charged"))
	assert.Empty(t, deps.jobs.jobs)
	require.Len(t, deps.meter.events, 2)
	retried := deps.meter.events[1]
	assert.Equal(t, "req-1", retried.RequestID)
	assert.Equal(t, ledger.StatusError, retried.Status)
	assert.Contains(t, retried.Error, "pricing unavailable")
}

func TestHandleComplete_BalanceExhaustedMidRequestStillResponds(t *testing.T) {
	p := &MockProvider{name: "openai", supportedModels: []string{"gpt-4o"}, raw: []byte(`{}`)}
	h, deps := setupTest([]provider.Provider{p}, true)
	deps.meter.recordFunc = func(ctx context.Context, ev metering.Event) (*ledger.UsageRecord, error) {
		return &ledger.UsageRecord{Status: ledger.StatusError, CreditAmount: 40}, ledger.ErrInsufficientCredits
	}
	w := httptest.NewRecorder()

	h.HandleComplete(w, completionRequest(t, context.Background(), map[string]interface{}{"model": "gpt-4o"}))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-Credits-Charged"))
	assert.Empty(t, deps.jobs.jobs)
}

func TestHandleCompleteStream_Unauthorized(t *testing.T) {
	h, _ := setupTest(nil, true)
	req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	w := httptest.NewRecorder()

	h.HandleCompleteStream(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleCompleteStream_RateLimited(t *testing.T) {
	h, _ := setupTest(nil, false)
	w := httptest.NewRecorder()

	h.HandleCompleteStream(w, completionRequest(t, context.Background(), map[string]interface{}{"model": "gpt-4o", "stream": true}))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

type MockStreamProvider struct {
	MockProvider
	chunks []*provider.Chunk
	// abort, when set, is called after the chunks are sent; the stream then
	// stays open until the request context ends.
	abort func()
}

func (m *MockStreamProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	ch := make(chan *provider.Chunk)
	go func() {
		defer close(ch)
		for _, c := range m.chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
		if m.abort != nil {
			m.abort()
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func TestHandleCompleteStream_MetersFinalUsage(t *testing.T) {
	p := &MockStreamProvider{
		MockProvider: MockProvider{name: "openai", supportedModels: []string{"gpt-4o"}},
		chunks: []*provider.Chunk{
			{Delta: "hello"},
			{Delta: " world"},
			{Usage: []byte(openAIUsageEvent)},
			{Done: true},
		},
	}
	h, deps := setupTest([]provider.Provider{p}, true)
	w := httptest.NewRecorder()

	h.HandleCompleteStream(w, completionRequest(t, context.Background(), map[string]interface{}{"model": "gpt-4o", "stream": true}))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Contains(t, body, `data: {"choices":[{"delta":{"content":"hello"},"index":0}]}`)
	assert.Contains(t, body, `data: {"choices":[{"delta":{"content":" world"},"index":0}]}`)
	assert.Contains(t, body, `data: {"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":4,"total_tokens":16,"credits":3}}`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))

	ev := deps.meter.recorded(t)
	assert.Equal(t, ledger.StatusSuccess, ev.Status)
	require.NotNil(t, ev.Usage)
	assert.Equal(t, int64(12), ev.Usage.InputTokens)
	assert.Equal(t, int64(4), ev.Usage.OutputTokens)
}

func TestHandleCompleteStream_ClientAbortBillsPartialUsage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := &MockStreamProvider{
		MockProvider: MockProvider{name: "openai", supportedModels: []string{"gpt-4o"}},
		chunks: []*provider.Chunk{
			{Delta: "partial", Usage: []byte(openAIUsageEvent)},
			{Delta: " answer"},
		},
		abort: cancel,
	}
	h, deps := setupTest([]provider.Provider{p}, true)
	w := httptest.NewRecorder()

	h.HandleCompleteStream(w, completionRequest(t, ctx, map[string]interface{}{"model": "gpt-4o", "stream": true}))

	assert.NotContains(t, w.Body.String(), "[DONE]")
	ev := deps.meter.recorded(t)
	assert.Equal(t, ledger.StatusPartial, ev.Status)
	assert.Equal(t, "client disconnected", ev.Error)
	require.NotNil(t, ev.Usage)
	assert.Equal(t, int64(12), ev.Usage.InputTokens)
	assert.Equal(t, int64(16), ev.Usage.TotalTokens)
}

func TestHandleCompleteStream_VendorErrorWithoutUsage(t *testing.T) {
	p := &MockStreamProvider{
		MockProvider: MockProvider{name: "openai", supportedModels: []string{"gpt-4o"}},
		chunks:       []*provider.Chunk{{Err: errors.New("overloaded")}},
	}
	h, deps := setupTest([]provider.Provider{p}, true)
	w := httptest.NewRecorder()

	h.HandleCompleteStream(w, completionRequest(t, context.Background(), map[string]interface{}{"model": "gpt-4o", "stream": true}))

	assert.Contains(t, w.Body.String(), `event: error`)
	assert.Contains(t, w.Body.String(), `{"error":"overloaded"}`)
	ev := deps.meter.recorded(t)
	assert.Equal(t, ledger.StatusError, ev.Status)
	assert.Equal(t, "overloaded", ev.Error)
}

func TestHandleBalance(t *testing.T) {
	h, deps := setupTest(nil, true)
	deps.reader.balanceFunc = func(ctx context.Context, userID string) (*ledger.Balance, error) {
		assert.Equal(t, "user-1", userID)
		return &ledger.Balance{UserID: userID, Amount: 70, Allocated: 100, Used: 30, Rollover: 5}, nil
	}
	req := httptest.NewRequest("GET", "/v1/balance", nil)
	req = req.WithContext(auth.WithUserID(req.Context(), "user-1"))
	w := httptest.NewRecorder()

	h.HandleBalance(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, float64(100), resp["total_credits"])
	assert.Equal(t, float64(30), resp["used_credits"])
	assert.Equal(t, float64(70), resp["remaining_credits"])
	assert.Equal(t, float64(5), resp["rollover_credits"])
	assert.Equal(t, map[string]interface{}{"allowed": true}, resp["rate_limit"])
}

func TestHandleBalance_RateLimitStatusUnavailable(t *testing.T) {
	h, deps := setupTest(nil, true)
	h.limiter = ratelimit.NewTestLimiter(&mockLimiterStore{err: errors.New("redis down")})
	deps.reader.balanceFunc = func(ctx context.Context, userID string) (*ledger.Balance, error) {
		return &ledger.Balance{UserID: userID, Amount: 70, Allocated: 100, Used: 30}, nil
	}
	req := httptest.NewRequest("GET", "/v1/balance", nil)
	req = req.WithContext(auth.WithUserID(req.Context(), "user-1"))
	w := httptest.NewRecorder()

	h.HandleBalance(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, float64(70), resp["remaining_credits"])
	assert.NotContains(t, resp, "rate_limit")
}

func TestHandleBalance_LedgerTimeout(t *testing.T) {
	h, deps := setupTest(nil, true)
	deps.reader.balanceFunc = func(ctx context.Context, userID string) (*ledger.Balance, error) {
		return nil, &ledger.TimeoutError{Op: "verify", RetryAfter: 2 * time.Second, Err: context.DeadlineExceeded}
	}
	req := httptest.NewRequest("GET", "/v1/balance", nil)
	req = req.WithContext(auth.WithUserID(req.Context(), "user-1"))
	w := httptest.NewRecorder()

	h.HandleBalance(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
}

func TestHandleUsage_Unauthorized(t *testing.T) {
	h, _ := setupTest(nil, true)
	req := httptest.NewRequest("GET", "/v1/usage", nil)
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleUsage_InvalidDateFormat(t *testing.T) {
	h, _ := setupTest(nil, true)
	req := httptest.NewRequest("GET", "/v1/usage?from=not-a-date", nil)
	req = req.WithContext(auth.WithUserID(req.Context(), "user-1"))
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleUsage_Success(t *testing.T) {
	h, deps := setupTest(nil, true)
	deps.reader.usageFunc = func(ctx context.Context, userID string, from, to time.Time) ([]*ledger.UsageRecord, error) {
		return []*ledger.UsageRecord{
			{UserID: userID, Model: "gpt-4o", Status: ledger.StatusSuccess, CreditAmount: 2, VendorCostUSD: decimal.RequireFromString("0.002")},
			{UserID: userID, Model: "gpt-4o", Status: ledger.StatusPartial, CreditAmount: 1, VendorCostUSD: decimal.RequireFromString("0.003")},
			{UserID: userID, Model: "gpt-4o", Status: ledger.StatusError, CreditAmount: 9},
		}, nil
	}
	req := httptest.NewRequest("GET", "/v1/usage", nil)
	req = req.WithContext(auth.WithUserID(req.Context(), "user-1"))
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, float64(3), resp["total_requests"])
	assert.Equal(t, float64(3), resp["total_credits"])
	assert.Equal(t, "0.005", resp["total_cost_usd"])
	assert.Len(t, resp["records"], 3)
	assert.NotEmpty(t, resp["from"])
	assert.NotEmpty(t, resp["to"])
}

func TestHandleDailySummary(t *testing.T) {
	h, deps := setupTest(nil, true)
	deps.reader.dailyFunc = func(ctx context.Context, userID string, date time.Time) (*ledger.Summary, error) {
		assert.Equal(t, "2025-03-01", date.Format(time.DateOnly))
		return &ledger.Summary{Date: "2025-03-01", Requests: 4, Credits: 12}, nil
	}

	req := httptest.NewRequest("GET", "/v1/usage/daily?date=2025-03-01", nil)
	req = req.WithContext(auth.WithUserID(req.Context(), "user-1"))
	w := httptest.NewRecorder()
	h.HandleDailySummary(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, float64(4), resp["requests"])
	assert.Equal(t, float64(12), resp["credits"])

	req = httptest.NewRequest("GET", "/v1/usage/daily?date=03/01/2025", nil)
	req = req.WithContext(auth.WithUserID(req.Context(), "user-1"))
	w = httptest.NewRecorder()
	h.HandleDailySummary(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
