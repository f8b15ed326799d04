package ledger

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrDuplicateRequest    = errors.New("duplicate request id")
	ErrLedgerTimeout       = errors.New("ledger timeout")
	ErrInvalidEntry        = errors.New("invalid ledger entry")
	ErrAllocationConflict  = errors.New("allocation key already used")
)

// TimeoutError is a retryable ledger timeout. errors.Is(err, ErrLedgerTimeout)
// holds for it.
type TimeoutError struct {
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("ledger timeout during %s (retry after %s): %v", e.Op, e.RetryAfter, e.Err)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrLedgerTimeout
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// BalanceDriftError reports a cached balance that disagrees with the history.
type BalanceDriftError struct {
	UserID     string
	Cached     int64
	Recomputed int64
}

func (e *BalanceDriftError) Error() string {
	return fmt.Sprintf("balance drift for user %s: cached %d, recomputed %d", e.UserID, e.Cached, e.Recomputed)
}

func (e *BalanceDriftError) Delta() int64 {
	return e.Cached - e.Recomputed
}
