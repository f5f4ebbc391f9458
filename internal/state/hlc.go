package state

import (
	"fmt"
	"sync"
	"time"
)

// HLC is a hybrid logical clock timestamp: wall-clock milliseconds, a
// tie-breaking counter, and the writer's node id. Comparing two HLCs gives a
// total order across the whole document, which is what the last-writer-wins
// field merge needs.
type HLC struct {
	WallMS  int64  `json:"wallMs"`
	Counter uint32 `json:"counter"`
	NodeID  string `json:"nodeId"`
}

// Less reports whether a happened-before b in the total order.
func (a HLC) Less(b HLC) bool {
	if a.WallMS != b.WallMS {
		return a.WallMS < b.WallMS
	}
	if a.Counter != b.Counter {
		return a.Counter < b.Counter
	}
	return a.NodeID < b.NodeID
}

func (a HLC) String() string {
	return fmt.Sprintf("%d.%d@%s", a.WallMS, a.Counter, a.NodeID)
}

// Clock generates monotonically increasing HLC values for one node.
// Safe for concurrent use.
type Clock struct {
	mu      sync.Mutex
	nodeID  string
	lastMS  int64
	counter uint32
	now     func() time.Time
}

// NewClock creates a Clock for the given node using the real wall clock.
func NewClock(nodeID string) *Clock {
	return &Clock{nodeID: nodeID, now: time.Now}
}

// Tick returns the next HLC for this node. If the wall clock has not
// advanced since the last tick, the counter is incremented instead so that
// same-millisecond local writes still get a strict total order.
func (c *Clock) Tick() HLC {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms := c.now().UnixMilli()
	if ms <= c.lastMS {
		c.counter++
		ms = c.lastMS
	} else {
		c.lastMS = ms
		c.counter = 0
	}
	return HLC{WallMS: ms, Counter: c.counter, NodeID: c.nodeID}
}

// Observe folds a remote HLC into the clock so that this node's subsequent
// ticks always sort after any timestamp it has seen, even if its own wall
// clock lags behind a peer's.
func (c *Clock) Observe(remote HLC) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remote.WallMS > c.lastMS {
		c.lastMS = remote.WallMS
		c.counter = remote.Counter
	} else if remote.WallMS == c.lastMS && remote.Counter > c.counter {
		c.counter = remote.Counter
	}
}
