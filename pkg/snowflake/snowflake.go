// Package snowflake generates 64-bit time-ordered unique ids.
//
// Layout (most significant first): 41 bits of milliseconds since the custom
// epoch, 10 bits of node id, 12 bits of per-millisecond sequence. Ids are
// strictly increasing within a process.
package snowflake

import (
	"fmt"
	"sync"
	"time"
)

const (
	// Epoch is 2024-01-01T00:00:00Z in Unix milliseconds.
	Epoch int64 = 1704067200000

	nodeBits     = 10
	sequenceBits = 12

	maxNode     = -1 ^ (-1 << nodeBits)
	maxSequence = -1 ^ (-1 << sequenceBits)

	nodeShift = sequenceBits
	timeShift = sequenceBits + nodeBits
)

// Generator produces snowflake ids for a single node.
type Generator struct {
	mu       sync.Mutex
	node     int64
	lastTime int64
	sequence int64
}

// NewGenerator creates a generator for the given node id.
func NewGenerator(node int64) (*Generator, error) {
	if node < 0 || node > maxNode {
		return nil, fmt.Errorf("node id %d out of range [0, %d]", node, maxNode)
	}
	return &Generator{node: node}, nil
}

// Next returns the next id. It spins into the following millisecond when the
// per-millisecond sequence overflows, and refuses to move backwards if the
// wall clock does.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < g.lastTime {
		// Clock went backwards; hold the line at the last issued timestamp.
		now = g.lastTime
	}

	if now == g.lastTime {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			for now <= g.lastTime {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastTime = now

	return (now-Epoch)<<timeShift | g.node<<nodeShift | g.sequence
}

// Timestamp extracts the creation time embedded in an id.
func Timestamp(id int64) time.Time {
	ms := (id >> timeShift) + Epoch
	return time.UnixMilli(ms)
}

// NodeID extracts the node id embedded in an id.
func NodeID(id int64) int64 {
	return (id >> nodeShift) & maxNode
}
