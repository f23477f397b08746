package retry

import (
	"math"
	"time"

	"onepyme/internal/store"

	"golang.org/x/exp/constraints"
)

type Outcome int

const (
	// Rescheduled: the operation keeps its place and waits for its backoff.
	Rescheduled Outcome = iota
	// Exhausted: the operation used its last attempt and must be dropped.
	Exhausted
)

func (o Outcome) String() string {
	if o == Exhausted {
		return "exhausted"
	}
	return "rescheduled"
}

// Policy holds the per-failure bookkeeping of pending operations.
type Policy struct {
	// Base is the delay unit; the n-th consecutive failure waits Base * 2^n.
	Base time.Duration
	// MaxBackoff caps the delay when positive. Zero leaves it unbounded.
	MaxBackoff time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Base: time.Second}
}

// Backoff returns the wait after the retryCount-th consecutive failure.
func (p Policy) Backoff(retryCount int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	retryCount = clamp(retryCount, 0, 62)
	var backoff time.Duration
	if factor := int64(1) << uint(retryCount); int64(base) > math.MaxInt64/factor {
		backoff = time.Duration(math.MaxInt64)
	} else {
		backoff = base * time.Duration(factor)
	}
	if p.MaxBackoff > 0 {
		backoff = clamp(backoff, 0, p.MaxBackoff)
	}
	return backoff
}

// Fail records a failed attempt of op that happened at now. An operation that
// already used all its retries is left untouched and reported Exhausted;
// otherwise its retry count grows by one and it is scheduled after the backoff.
func (p Policy) Fail(op *store.PendingOperation, cause error, now time.Time) Outcome {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	op.LastError = &msg
	if op.RetryCount >= op.MaxRetries {
		return Exhausted
	}
	op.RetryCount++
	next := now.Add(p.Backoff(op.RetryCount))
	op.ScheduledAt = &next
	return Rescheduled
}

// Reset clears the failure state so op is attempted again as if new.
func (p Policy) Reset(op *store.PendingOperation) {
	op.RetryCount = 0
	op.ScheduledAt = nil
	op.LastError = nil
}

func clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
