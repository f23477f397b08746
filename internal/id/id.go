// Package id issues the operation ids of the queue: 64-bit snowflakes
// rendered in base 10, so they sort by creation time.
package id

import (
	"errors"
	"strconv"
	"sync"
	"time"
)

const (
	nodeBits        = 10
	stepBits        = 12
	nodeMax         = -1 ^ (-1 << nodeBits)
	stepMax         = -1 ^ (-1 << stepBits)
	timeShift       = nodeBits + stepBits
	nodeShift       = stepBits
	epoch     int64 = 1704067200000 // 2024-01-01 00:00:00 UTC
)

var ErrNodeRange = errors.New("node ID out of range")

// Node generates operation ids. Ids from one node are unique and strictly
// increasing, also across restarts once the ids already stored have been
// passed to Observe.
type Node struct {
	mu        sync.Mutex
	timestamp int64
	nodeID    int64
	step      int64
	now       func() int64
}

// NewNode creates a generator for the given node id (0..1023). Instances
// sharing a durable store need distinct node ids.
func NewNode(nodeID int64) (*Node, error) {
	if nodeID < 0 || nodeID > nodeMax {
		return nil, ErrNodeRange
	}
	return &Node{
		nodeID: nodeID,
		now:    func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Generate returns the next id. It never waits: when the clock is behind the
// last issued id, or the sequence of a millisecond is used up, it moves on to
// the following logical millisecond.
func (n *Node) Generate() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	if now < n.timestamp {
		now = n.timestamp
	}

	if now == n.timestamp {
		n.step = (n.step + 1) & stepMax
		if n.step == 0 {
			now++
		}
	} else {
		n.step = 0
	}

	n.timestamp = now

	return ((now - epoch) << timeShift) | (n.nodeID << nodeShift) | n.step
}

// NewID returns Generate rendered in base 10.
func (n *Node) NewID() string {
	return strconv.FormatInt(n.Generate(), 10)
}

// Observe records an id issued earlier, possibly by another process or node,
// so every later id sorts after it. Ids that are not snowflakes are ignored.
func (n *Node) Observe(s string) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return
	}
	ts := (v >> timeShift) + epoch

	n.mu.Lock()
	defer n.mu.Unlock()
	if ts >= n.timestamp {
		// exhaust ts so the next id starts in the following millisecond
		n.timestamp = ts
		n.step = stepMax
	}
}
