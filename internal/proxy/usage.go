package proxy

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/vnmchuo/llm-metering/internal/auth"
	"github.com/vnmchuo/llm-metering/internal/ledger"
)

type balanceResponse struct {
	ledger.View
	RateLimit *rateLimitStatus `json:"rate_limit,omitempty"`
}

type rateLimitStatus struct {
	Allowed bool `json:"allowed"`
}

// HandleBalance returns the caller's balance in dashboard form, with the
// state of their per-minute token budget when the limiter can report it.
func (h *Handler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	bal, err := h.usage.GetBalance(ctx, userID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	resp := balanceResponse{View: bal.View()}
	if res, err := h.limiter.Status(ctx, userID); err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("proxy: rate limit status unavailable")
	} else {
		resp.RateLimit = &rateLimitStatus{Allowed: res.Allowed}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	// Parse query parameters
	now := time.Now()
	fromStr := r.URL.Query().Get("from")
	toStr := r.URL.Query().Get("to")

	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
	}

	if toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
	}

	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "'to' must not be before 'from'")
		return
	}

	records, err := h.usage.ListUsage(ctx, userID, from, to)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	var credits int64
	cost := decimal.Zero
	for _, rec := range records {
		credits += charged(rec)
		cost = cost.Add(rec.VendorCostUSD)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":        userID,
		"total_requests": len(records),
		"total_credits":  credits,
		"total_cost_usd": cost,
		"records":        records,
		"from":           from,
		"to":             to,
	})
}

// HandleDailySummary aggregates one UTC day; date defaults to today.
func (h *Handler) HandleDailySummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	date := time.Now().UTC()
	if raw := r.URL.Query().Get("date"); raw != "" {
		var err error
		date, err = time.Parse(time.DateOnly, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'date' format (use YYYY-MM-DD)")
			return
		}
	}

	summary, err := h.usage.DailySummary(ctx, userID, date)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
