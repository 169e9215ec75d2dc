// Package ring implements the per-asset snapshot ring buffer and the
// time-weighted average computed over it.
package ring

import (
	"fmt"
	"math/big"

	"github.com/lendscope/yieldoracle/internal/app/domain/yield"
)

const (
	// DefaultCapacity is the slot count a buffer is created with.
	DefaultCapacity = 5

	// MaxCapacity is the hard ceiling on buffer growth.
	MaxCapacity = 15
)

// Slot is one buffer position: its snapshot and whether it has ever been
// latched. Populated is tracked explicitly so a sample taken at the Unix
// epoch is still a real sample.
type Slot struct {
	yield.Snapshot
	Populated bool
}

// Buffer is a fixed-capacity circular window of rate snapshots. The write
// cursor always points at the oldest populated slot, i.e. the next slot to be
// overwritten. Capacity only ever grows.
//
// Buffer is not safe for concurrent use; the owning service serializes
// access.
type Buffer struct {
	slots     []yield.Snapshot
	populated []bool
	write     int
}

// New creates a buffer with the given capacity, which must be between 1 and
// MaxCapacity inclusive.
func New(capacity int) (*Buffer, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("capacity must be at least 1, got %d", capacity)
	}
	if capacity > MaxCapacity {
		return nil, fmt.Errorf("%w: %d > %d", yield.ErrCapacityTooLarge, capacity, MaxCapacity)
	}
	return &Buffer{
		slots:     make([]yield.Snapshot, capacity),
		populated: make([]bool, capacity),
	}, nil
}

// Capacity returns the current slot count.
func (b *Buffer) Capacity() int { return len(b.slots) }

// WriteIndex returns the cursor position, identifying the oldest slot.
func (b *Buffer) WriteIndex() int { return b.write }

// Latch overwrites the oldest slot with a new snapshot and advances the
// cursor. The written snapshot is returned; after the call the cursor again
// points at the oldest remaining slot.
func (b *Buffer) Latch(timestamp int64, rate *big.Int) yield.Snapshot {
	snap := yield.Snapshot{Timestamp: timestamp, Rate: new(big.Int).Set(rate)}
	b.slots[b.write] = snap
	b.populated[b.write] = true
	b.write = (b.write + 1) % len(b.slots)
	return snap.Clone()
}

// Grow extends the buffer to the requested capacity and returns the effective
// capacity. Requests at or below the current capacity are a no-op; requests
// above MaxCapacity fail. New slots are appended unpopulated at the end of
// the slot sequence and neither the cursor nor existing slots move.
func (b *Buffer) Grow(capacity int) (int, error) {
	if capacity > MaxCapacity {
		return len(b.slots), fmt.Errorf("%w: %d > %d", yield.ErrCapacityTooLarge, capacity, MaxCapacity)
	}
	if capacity <= len(b.slots) {
		return len(b.slots), nil
	}
	grown := make([]yield.Snapshot, capacity)
	copy(grown, b.slots)
	b.slots = grown

	flags := make([]bool, capacity)
	copy(flags, b.populated)
	b.populated = flags
	return capacity, nil
}

// Snapshots returns a copy of the raw slot sequence in storage order.
func (b *Buffer) Snapshots() []Slot {
	out := make([]Slot, len(b.slots))
	for i, s := range b.slots {
		out[i] = Slot{Snapshot: s.Clone(), Populated: b.populated[i]}
	}
	return out
}

// Ordered returns the populated snapshots in chronological order: the forward
// segment from the cursor to the end of the slot sequence, then the wrap
// segment from slot 0 up to the cursor. The forward segment ends at the first
// unpopulated slot — either the buffer has never reached it, or it is part of
// the gap growth appends once the buffer has wrapped — and the wrap segment
// then holds whatever newer writes exist. Checking the flag in the wrap
// segment as well keeps a never-latched slot from ever seeding the fold when
// the buffer is still partially filled.
func (b *Buffer) Ordered() []yield.Snapshot {
	out := make([]yield.Snapshot, 0, len(b.slots))
	for i := b.write; i < len(b.slots); i++ {
		if !b.populated[i] {
			break
		}
		out = append(out, b.slots[i].Clone())
	}
	for i := 0; i < b.write; i++ {
		if !b.populated[i] {
			break
		}
		out = append(out, b.slots[i].Clone())
	}
	return out
}
