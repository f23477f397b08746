package retry

import (
	"errors"
	"testing"
	"time"

	"onepyme/internal/store"
)

func TestBackoffDoubles(t *testing.T) {
	p := DefaultPolicy()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for n, w := range want {
		if got := p.Backoff(n); got != w {
			t.Errorf("Backoff(%d) = %s, want %s", n, got, w)
		}
	}
}

func TestBackoffCapAndSaturation(t *testing.T) {
	p := Policy{Base: time.Second, MaxBackoff: time.Minute}
	if got := p.Backoff(10); got != time.Minute {
		t.Errorf("capped backoff = %s, want 1m", got)
	}
	if got := p.Backoff(3); got != 8*time.Second {
		t.Errorf("below cap = %s, want 8s", got)
	}

	uncapped := DefaultPolicy()
	if got := uncapped.Backoff(200); got <= 0 {
		t.Errorf("huge retry count overflowed: %s", got)
	}
	if got := uncapped.Backoff(-3); got != time.Second {
		t.Errorf("negative retry count = %s, want 1s", got)
	}
}

func TestFailSchedulesUntilExhausted(t *testing.T) {
	p := DefaultPolicy()
	op := &store.PendingOperation{ID: "1", MaxRetries: 3}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for n := 1; n <= 3; n++ {
		if out := p.Fail(op, errors.New("503"), now); out != Rescheduled {
			t.Fatalf("failure %d: got %s, want rescheduled", n, out)
		}
		if op.RetryCount != n {
			t.Fatalf("failure %d: retry count %d", n, op.RetryCount)
		}
		want := now.Add(time.Duration(1<<n) * time.Second)
		if op.ScheduledAt == nil || !op.ScheduledAt.Equal(want) {
			t.Fatalf("failure %d: scheduled_at %v, want %v", n, op.ScheduledAt, want)
		}
		if op.LastError == nil || *op.LastError != "503" {
			t.Fatalf("failure %d: last error %v", n, op.LastError)
		}
	}

	if out := p.Fail(op, errors.New("still down"), now); out != Exhausted {
		t.Fatalf("fourth failure: got %s, want exhausted", out)
	}
	if op.RetryCount != 3 {
		t.Fatalf("retry count exceeded max: %d", op.RetryCount)
	}
}

func TestFailZeroRetries(t *testing.T) {
	op := &store.PendingOperation{ID: "1", MaxRetries: 0}
	if out := DefaultPolicy().Fail(op, nil, time.Now()); out != Exhausted {
		t.Fatalf("got %s, want exhausted", out)
	}
	if op.LastError == nil {
		t.Fatal("last error not recorded")
	}
}

func TestReset(t *testing.T) {
	p := DefaultPolicy()
	op := &store.PendingOperation{ID: "1", MaxRetries: 3}
	p.Fail(op, errors.New("x"), time.Now())
	p.Reset(op)
	if op.RetryCount != 0 || op.ScheduledAt != nil || op.LastError != nil {
		t.Fatalf("reset left state: %+v", op)
	}
}
