package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/vnmchuo/llm-metering/internal/auth"
	"github.com/vnmchuo/llm-metering/internal/ledger"
	"github.com/vnmchuo/llm-metering/internal/pricing"
	"github.com/vnmchuo/llm-metering/internal/proration"
	"github.com/vnmchuo/llm-metering/internal/subscription"
	"github.com/vnmchuo/llm-metering/internal/worker"
)

type Allocator interface {
	Allocate(ctx context.Context, a *ledger.Allocation) (*ledger.Allocation, bool, error)
	ListAllocations(ctx context.Context, userID string) ([]*ledger.Allocation, error)
}

type CycleCloser interface {
	CalculateRollover(ctx context.Context, userID string, cycleEnd time.Time) (*ledger.CarryOverResult, error)
	Reconcile(ctx context.Context, userID string) error
	Repair(ctx context.Context, userID, reason string) (*ledger.BalanceDriftError, error)
}

type Prorater interface {
	Compute(ctx context.Context, subscriptionID, fromTier, toTier string, at time.Time) (*proration.Quote, error)
	Apply(ctx context.Context, subscriptionID, fromTier, toTier string, at time.Time) (*proration.Event, error)
	Reverse(ctx context.Context, eventID, reason string) (*proration.Event, error)
	Resume(ctx context.Context, eventID string) (*proration.Event, error)
	History(ctx context.Context, subscriptionID string) ([]*proration.Event, error)
}

type KeyRevoker interface {
	Revoke(ctx context.Context, keyID string) error
}

type PricingAdmin interface {
	Supersede(ctx context.Context, rule *pricing.Rule) error
	List(ctx context.Context) ([]pricing.Rule, error)
}

// AdminHandler serves the operator API. Callers are authenticated by the
// admin middleware; nothing here checks who is asking.
type AdminHandler struct {
	ledger    Allocator
	cycles    CycleCloser
	proration Prorater
	pricing   PricingAdmin
	jobs      worker.Queue
	keys      KeyRevoker
}

func NewAdminHandler(l Allocator, cycles CycleCloser, p Prorater, pr PricingAdmin, jobs worker.Queue, keys KeyRevoker) *AdminHandler {
	return &AdminHandler{
		ledger:    l,
		cycles:    cycles,
		proration: p,
		pricing:   pr,
		jobs:      jobs,
		keys:      keys,
	}
}

// Routes mounts the admin endpoints on r.
func (a *AdminHandler) Routes(r chi.Router) {
	r.Get("/users/{userID}/allocations", a.HandleListAllocations)
	r.Post("/users/{userID}/allocations", a.HandleAllocate)
	r.Post("/users/{userID}/reconcile", a.HandleReconcile)
	r.Post("/users/{userID}/rollover", a.HandleRollover)
	r.Post("/proration/preview", a.HandleProrationPreview)
	r.Post("/proration/apply", a.HandleProrationApply)
	r.Post("/proration/{eventID}/reverse", a.HandleProrationReverse)
	r.Post("/proration/{eventID}/resume", a.HandleProrationResume)
	r.Get("/subscriptions/{subscriptionID}/prorations", a.HandleProrationHistory)
	r.Get("/pricing", a.HandleListPricing)
	r.Post("/pricing", a.HandleSupersedePricing)
	r.Post("/jobs", a.HandleEnqueueJob)
	r.Get("/jobs/{id}", a.HandleGetJob)
	r.Delete("/keys/{keyID}", a.HandleRevokeKey)
}

type allocationRequest struct {
	Source         ledger.Source `json:"source"`
	Amount         int64         `json:"amount"`
	SubscriptionID string        `json:"subscription_id"`
	PeriodStart    *time.Time    `json:"period_start"`
	PeriodEnd      *time.Time    `json:"period_end"`
	Reference      string        `json:"reference"`
	Reason         string        `json:"reason"`
}

func (a *AdminHandler) HandleAllocate(w http.ResponseWriter, r *http.Request) {
	var body allocationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Source == "" {
		body.Source = ledger.SourceManual
	}

	alloc, applied, err := a.ledger.Allocate(r.Context(), &ledger.Allocation{
		UserID:         chi.URLParam(r, "userID"),
		Source:         body.Source,
		Amount:         body.Amount,
		SubscriptionID: body.SubscriptionID,
		PeriodStart:    body.PeriodStart,
		PeriodEnd:      body.PeriodEnd,
		Reference:      body.Reference,
		Reason:         body.Reason,
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	status := http.StatusCreated
	if !applied {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]interface{}{
		"allocation": alloc,
		"applied":    applied,
	})
}

func (a *AdminHandler) HandleListAllocations(w http.ResponseWriter, r *http.Request) {
	allocs, err := a.ledger.ListAllocations(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"allocations": allocs})
}

// HandleReconcile compares the cached balance with the history. With
// ?repair=true&reason=... the cached balance is reset to the recomputed one.
func (a *AdminHandler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	if r.URL.Query().Get("repair") == "true" {
		drift, err := a.cycles.Repair(ctx, userID, r.URL.Query().Get("reason"))
		if err != nil {
			writeLedgerError(w, err)
			return
		}
		if drift.Delta() == 0 {
			writeJSON(w, http.StatusOK, map[string]string{"status": "consistent"})
			return
		}
		writeJSON(w, http.StatusOK, driftBody("repaired", drift))
		return
	}

	err := a.cycles.Reconcile(ctx, userID)
	var drift *ledger.BalanceDriftError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "consistent"})
	case errors.As(err, &drift):
		writeJSON(w, http.StatusOK, driftBody("drift", drift))
	default:
		writeLedgerError(w, err)
	}
}

func driftBody(status string, d *ledger.BalanceDriftError) map[string]interface{} {
	return map[string]interface{}{
		"status":     status,
		"user_id":    d.UserID,
		"cached":     d.Cached,
		"recomputed": d.Recomputed,
		"delta":      d.Delta(),
	}
}

type rolloverRequest struct {
	CycleEnd time.Time `json:"cycle_end"`
	Async    bool      `json:"async"`
}

func (a *AdminHandler) HandleRollover(w http.ResponseWriter, r *http.Request) {
	var body rolloverRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.CycleEnd.IsZero() {
		writeError(w, http.StatusBadRequest, "cycle_end is required (RFC3339)")
		return
	}
	userID := chi.URLParam(r, "userID")

	if body.Async {
		job := &worker.Job{Kind: worker.JobRollover, UserID: userID, CycleEnd: body.CycleEnd}
		a.enqueue(w, r, job)
		return
	}

	res, err := a.cycles.CalculateRollover(r.Context(), userID, body.CycleEnd)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type prorationRequest struct {
	SubscriptionID string    `json:"subscription_id"`
	FromTier       string    `json:"from_tier"`
	ToTier         string    `json:"to_tier"`
	At             time.Time `json:"at"`
}

func decodeProration(w http.ResponseWriter, r *http.Request) (*prorationRequest, bool) {
	var body prorationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	if body.SubscriptionID == "" || body.FromTier == "" || body.ToTier == "" {
		writeError(w, http.StatusBadRequest, "subscription_id, from_tier and to_tier are required")
		return nil, false
	}
	return &body, true
}

func (a *AdminHandler) HandleProrationPreview(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeProration(w, r)
	if !ok {
		return
	}
	q, err := a.proration.Compute(r.Context(), body.SubscriptionID, body.FromTier, body.ToTier, body.At)
	if err != nil {
		writeProrationError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (a *AdminHandler) HandleProrationApply(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeProration(w, r)
	if !ok {
		return
	}
	ev, err := a.proration.Apply(r.Context(), body.SubscriptionID, body.FromTier, body.ToTier, body.At)
	if err != nil {
		writeProrationError(w, err, ev)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (a *AdminHandler) HandleProrationReverse(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}
	ev, err := a.proration.Reverse(r.Context(), chi.URLParam(r, "eventID"), body.Reason)
	if err != nil {
		writeProrationError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// HandleProrationResume completes a pending event left by an interrupted apply.
func (a *AdminHandler) HandleProrationResume(w http.ResponseWriter, r *http.Request) {
	ev, err := a.proration.Resume(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeProrationError(w, err, ev)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (a *AdminHandler) HandleProrationHistory(w http.ResponseWriter, r *http.Request) {
	events, err := a.proration.History(r.Context(), chi.URLParam(r, "subscriptionID"))
	if err != nil {
		writeProrationError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// writeProrationError reports a failed event alongside the error when the
// engine persisted one.
func writeProrationError(w http.ResponseWriter, err error, ev *proration.Event) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, proration.ErrEventNotFound), errors.Is(err, subscription.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, proration.ErrProrationCycle):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, proration.ErrSameTier), errors.Is(err, pricing.ErrUnknownTier):
		status = http.StatusBadRequest
	case errors.Is(err, proration.ErrTierMismatch),
		errors.Is(err, proration.ErrInvalidTransition),
		errors.Is(err, proration.ErrInProgress):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrLedgerTimeout):
		writeLedgerError(w, err)
		return
	case errors.Is(err, proration.ErrUnfinished):
		status = http.StatusInternalServerError
	case ev != nil:
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		log.WithError(err).Error("admin: proration failed")
	}

	body := map[string]interface{}{"error": err.Error()}
	if ev != nil {
		body["event"] = ev
	}
	writeJSON(w, status, body)
}

type pricingRequest struct {
	Scope          pricing.Scope   `json:"scope"`
	UserID         string          `json:"user_id"`
	Tier           string          `json:"tier"`
	Provider       string          `json:"provider"`
	Model          string          `json:"model"`
	Multiplier     decimal.Decimal `json:"multiplier"`
	EffectiveFrom  time.Time       `json:"effective_from"`
	EffectiveUntil *time.Time      `json:"effective_until"`
}

func (a *AdminHandler) HandleSupersedePricing(w http.ResponseWriter, r *http.Request) {
	var body pricingRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rule := &pricing.Rule{
		Scope:          body.Scope,
		UserID:         body.UserID,
		Tier:           body.Tier,
		Provider:       body.Provider,
		Model:          body.Model,
		Multiplier:     body.Multiplier,
		EffectiveFrom:  body.EffectiveFrom,
		EffectiveUntil: body.EffectiveUntil,
	}
	if err := a.pricing.Supersede(r.Context(), rule); err != nil {
		if errors.Is(err, pricing.ErrInvalidRule) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.WithError(err).Error("admin: pricing supersede failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (a *AdminHandler) HandleListPricing(w http.ResponseWriter, r *http.Request) {
	rules, err := a.pricing.List(r.Context())
	if err != nil {
		log.WithError(err).Error("admin: pricing list failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": rules})
}

type jobRequest struct {
	Kind     worker.JobKind `json:"kind"`
	UserID   string         `json:"user_id"`
	CycleEnd time.Time      `json:"cycle_end"`
}

// HandleEnqueueJob accepts rollover and reconcile jobs. Meter jobs are only
// created internally.
func (a *AdminHandler) HandleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	var body jobRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch body.Kind {
	case worker.JobReconcile:
	case worker.JobRollover:
		if body.CycleEnd.IsZero() {
			writeError(w, http.StatusBadRequest, "cycle_end is required for rollover jobs")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "kind must be rollover or reconcile")
		return
	}
	if body.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	a.enqueue(w, r, &worker.Job{Kind: body.Kind, UserID: body.UserID, CycleEnd: body.CycleEnd})
}

func (a *AdminHandler) enqueue(w http.ResponseWriter, r *http.Request, job *worker.Job) {
	if a.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "job queue disabled")
		return
	}
	if err := a.jobs.Enqueue(r.Context(), job); err != nil {
		if errors.Is(err, worker.ErrQueueFull) {
			w.Header().Set("Retry-After", "5")
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		log.WithError(err).Error("admin: failed to enqueue job")
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (a *AdminHandler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	if a.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "job queue disabled")
		return
	}
	job, err := a.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, worker.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *AdminHandler) HandleRevokeKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "keyID")
	if err := a.keys.Revoke(r.Context(), keyID); err != nil {
		if errors.Is(err, auth.ErrKeyNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		log.WithError(err).WithField("api_key_id", keyID).Error("admin: failed to revoke api key")
		writeError(w, http.StatusInternalServerError, "failed to revoke api key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
