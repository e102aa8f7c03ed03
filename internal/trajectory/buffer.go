package trajectory

import (
	"fmt"
	"sync"

	"github.com/danielpatrickdp/adaptive-lora/internal/errs"
)

// #region buffer
// Buffer is a bounded FIFO of closed trajectories awaiting consolidation. When full, Push evicts the oldest.
// Closed trajectories are immutable, so snapshots share pointers with the buffer.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	items    []*Trajectory
	pushed   uint64
	evicted  uint64
	removed  uint64
}

// NewBuffer creates a buffer holding at most capacity trajectories.
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		capacity: capacity,
		items:    make([]*Trajectory, 0, min(capacity, 1024)),
	}
}

// #endregion buffer

// #region push
// Push appends a closed trajectory and returns the id of the trajectory it displaced, or 0.
func (b *Buffer) Push(t *Trajectory) (uint64, error) {
	if t == nil || !t.Closed {
		return 0, fmt.Errorf("%w: only closed trajectories can be buffered", errs.ErrInvalidState)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, t)
	b.pushed++
	var evictedID uint64
	if len(b.items) > b.capacity {
		evictedID = b.items[0].ID
		b.dropOldestLocked(len(b.items) - b.capacity)
	}
	return evictedID, nil
}

func (b *Buffer) dropOldestLocked(n int) {
	copy(b.items, b.items[n:])
	for i := len(b.items) - n; i < len(b.items); i++ {
		b.items[i] = nil
	}
	b.items = b.items[:len(b.items)-n]
	b.evicted += uint64(n)
}

// #endregion push

// #region snapshot
// Snapshot returns up to limit of the oldest trajectories without removing them. limit <= 0 means all.
// Anything pushed after the snapshot is not part of it.
func (b *Buffer) Snapshot(limit int) []*Trajectory {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.items)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*Trajectory, n)
	copy(out, b.items[:n])
	return out
}

// Remove drops the trajectories with the given ids and returns how many were present.
// Ids already evicted are ignored.
func (b *Buffer) Remove(ids []uint64) int {
	if len(ids) == 0 {
		return 0
	}
	drop := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.items[:0]
	removed := 0
	for _, t := range b.items {
		if _, ok := drop[t.ID]; ok {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(b.items); i++ {
		b.items[i] = nil
	}
	b.items = kept
	b.removed += uint64(removed)
	return removed
}

// #endregion snapshot

// #region accessors
// Len returns the number of buffered trajectories.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Capacity returns the configured bound.
func (b *Buffer) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// SetCapacity changes the bound. Shrinking evicts the oldest trajectories and returns how many were dropped.
func (b *Buffer) SetCapacity(capacity int) int {
	if capacity < 1 {
		capacity = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.capacity = capacity
	over := len(b.items) - capacity
	if over <= 0 {
		return 0
	}
	b.dropOldestLocked(over)
	return over
}

// Counters reports lifetime push, eviction and removal counts.
func (b *Buffer) Counters() (pushed, evicted, removed uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pushed, b.evicted, b.removed
}

// #endregion accessors
