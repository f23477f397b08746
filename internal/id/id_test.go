package id

import (
	"strconv"
	"testing"
)

func TestNewNodeRange(t *testing.T) {
	if _, err := NewNode(-1); err == nil {
		t.Error("expected error for negative node id")
	}
	if _, err := NewNode(nodeMax + 1); err == nil {
		t.Error("expected error for node id above range")
	}
	if _, err := NewNode(nodeMax); err != nil {
		t.Errorf("max node id rejected: %v", err)
	}
}

func TestGenerateIncreasing(t *testing.T) {
	n, err := NewNode(7)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	seen := make(map[int64]bool)
	var last int64
	for i := 0; i < 10000; i++ {
		v := n.Generate()
		if seen[v] {
			t.Fatalf("duplicate id %d", v)
		}
		if v <= last {
			t.Fatalf("id not increasing: %d after %d", v, last)
		}
		seen[v] = true
		last = v
	}
}

func TestGenerateClockRegression(t *testing.T) {
	n, _ := NewNode(1)
	ticks := []int64{epoch + 100, epoch + 50, epoch + 50}
	i := 0
	n.now = func() int64 {
		v := ticks[i]
		if i < len(ticks)-1 {
			i++
		}
		return v
	}
	first := n.Generate()
	second := n.Generate()
	if second <= first {
		t.Fatalf("regressed clock produced non-increasing id: %d then %d", first, second)
	}
}

func TestNewIDIsDecimal(t *testing.T) {
	n, _ := NewNode(2)
	s := n.NewID()
	if _, err := strconv.ParseInt(s, 10, 64); err != nil {
		t.Fatalf("id %q is not base 10: %v", s, err)
	}
}

func TestGenerateSequenceExhaustedDoesNotWait(t *testing.T) {
	n, _ := NewNode(3)
	n.now = func() int64 { return epoch + 10 }
	var last int64
	for i := 0; i < stepMax+10; i++ {
		v := n.Generate()
		if v <= last {
			t.Fatalf("id %d not after %d", v, last)
		}
		last = v
	}
	if got := (last >> timeShift) + epoch; got != epoch+11 {
		t.Errorf("expected ids to continue in the next millisecond, got timestamp %d", got-epoch)
	}
}

func TestObserveKeepsIdsAfterStored(t *testing.T) {
	earlier, _ := NewNode(900)
	earlier.now = func() int64 { return epoch + 5000 }
	stored := earlier.NewID()

	// restarted node with a clock behind the stored id and a lower node id
	n, _ := NewNode(1)
	n.now = func() int64 { return epoch + 1000 }
	n.Observe(stored)
	n.Observe("not-a-snowflake")

	want, _ := strconv.ParseInt(stored, 10, 64)
	if got := n.Generate(); got <= want {
		t.Fatalf("id %d issued after observing %d", got, want)
	}
}

func TestObserveOlderIdIsNoop(t *testing.T) {
	n, _ := NewNode(1)
	n.now = func() int64 { return epoch + 1000 }
	first := n.Generate()

	old, _ := NewNode(2)
	old.now = func() int64 { return epoch + 10 }
	n.Observe(old.NewID())

	if second := n.Generate(); second != first+1 {
		t.Fatalf("observing an older id changed the sequence: %d then %d", first, second)
	}
}
