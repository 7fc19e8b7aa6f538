// Package testutil provides deterministic collaborators for tests: delta id
// generators and an in-memory sync server.
package testutil

import (
	"fmt"
	"sync"
)

// FixedIDGenerator returns the same delta id every time.
//
// Use it to simulate a client that retries one logical transaction.
//
// Thread-safety: FixedIDGenerator is stateless and safe for concurrent use.
type FixedIDGenerator struct {
	id string
}

// NewFixedIDGenerator creates a generator returning id. An empty id becomes
// "delta-fixed".
func NewFixedIDGenerator(id string) *FixedIDGenerator {
	if id == "" {
		id = "delta-fixed"
	}
	return &FixedIDGenerator{id: id}
}

// NewDeltaID returns the fixed id.
func (g *FixedIDGenerator) NewDeltaID() string {
	return g.id
}

// SequenceIDGenerator returns prefix-1, prefix-2, ...
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type SequenceIDGenerator struct {
	mu     sync.Mutex
	prefix string
	seq    int64
}

// NewSequenceIDGenerator creates a generator. An empty prefix becomes "delta".
func NewSequenceIDGenerator(prefix string) *SequenceIDGenerator {
	if prefix == "" {
		prefix = "delta"
	}
	return &SequenceIDGenerator{prefix: prefix}
}

// NewDeltaID returns the next id in the sequence.
func (g *SequenceIDGenerator) NewDeltaID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return fmt.Sprintf("%s-%d", g.prefix, g.seq)
}

// Reset restarts the sequence. The next id ends in 1.
func (g *SequenceIDGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq = 0
}
