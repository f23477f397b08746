package connectivity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"onepyme/internal/log"
)

func TestStartsOnline(t *testing.T) {
	m := NewMonitor(nil, 0, log.NewNop())
	if !m.Online() {
		t.Fatal("monitor should start online")
	}
}

func TestReconnectFiresOncePerTransition(t *testing.T) {
	var fail atomic.Bool
	probe := func(context.Context) error {
		if fail.Load() {
			return errors.New("dial tcp: connection refused")
		}
		return nil
	}
	m := NewMonitor(probe, time.Second, log.NewNop())
	var reconnects, changes int
	m.OnReconnect(func() { reconnects++ })
	m.OnChange(func(bool) { changes++ })
	ctx := context.Background()

	m.Check(ctx)
	if reconnects != 0 || changes != 0 {
		t.Fatalf("callbacks fired without a transition: %d %d", reconnects, changes)
	}

	fail.Store(true)
	if m.Check(ctx) || m.Online() {
		t.Fatal("expected offline after failed probe")
	}
	m.Check(ctx)

	fail.Store(false)
	m.Check(ctx)
	m.Check(ctx)
	if !m.Online() {
		t.Fatal("expected online after successful probe")
	}
	if reconnects != 1 {
		t.Errorf("reconnect fired %d times, want 1", reconnects)
	}
	if changes != 2 {
		t.Errorf("change fired %d times, want 2", changes)
	}
}

func TestSetOnline(t *testing.T) {
	m := NewMonitor(nil, 0, log.NewNop())
	var reconnects int
	m.OnReconnect(func() { reconnects++ })

	m.SetOnline(false)
	m.SetOnline(false)
	m.SetOnline(true)
	if reconnects != 1 || !m.Online() {
		t.Fatalf("online=%v reconnects=%d", m.Online(), reconnects)
	}
}

func TestCanceledProbeKeepsState(t *testing.T) {
	m := NewMonitor(func(ctx context.Context) error { return ctx.Err() }, time.Second, log.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.Check(ctx)
	if !m.Online() {
		t.Fatal("canceled probe marked the monitor offline")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	var probes atomic.Int32
	m := NewMonitor(func(context.Context) error {
		probes.Add(1)
		return nil
	}, 10*time.Millisecond, log.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	if probes.Load() < 2 {
		t.Errorf("expected repeated probes, got %d", probes.Load())
	}
}
