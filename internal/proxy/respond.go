package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"

	log "github.com/sirupsen/logrus"
	"github.com/vnmchuo/llm-metering/internal/ledger"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("proxy: failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeLedgerError maps ledger conditions onto HTTP responses.
func writeLedgerError(w http.ResponseWriter, err error) {
	var timeout *ledger.TimeoutError
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		writeJSON(w, http.StatusPaymentRequired, map[string]string{
			"error":  "insufficient credits",
			"action": "top_up",
		})
	case errors.As(err, &timeout):
		secs := int64(math.Ceil(timeout.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
		writeError(w, http.StatusServiceUnavailable, "ledger busy, retry later")
	case errors.Is(err, ledger.ErrLedgerTimeout):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "ledger busy, retry later")
	case errors.Is(err, ledger.ErrInvalidEntry):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrAllocationConflict), errors.Is(err, ledger.ErrDuplicateRequest):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.WithError(err).Error("proxy: ledger operation failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
