package cuvm

import "sync/atomic"

// counters is the Allocator's internal accounting. All fields are atomics so
// concurrent operations on different segments stay safe.
type counters struct {
	reserves       atomic.Uint64
	chunksCreated  atomic.Uint64
	chunksMapped   atomic.Uint64
	chunksUnmapped atomic.Uint64
	chunksReleased atomic.Uint64
	bytesMapped    atomic.Int64
	failures       [numStages]atomic.Uint64
}

// Stats is a point-in-time snapshot of an Allocator's accounting.
type Stats struct {
	// Reserves counts successful address-range reservations.
	Reserves uint64

	// Cumulative chunk counts per completed stage.
	ChunksCreated  uint64
	ChunksMapped   uint64
	ChunksUnmapped uint64
	ChunksReleased uint64

	// BytesMapped is the bytes currently held in fully mapped segments:
	// incremented when a MapSegment completes, decremented when an
	// UnmapSegment completes. Partially failed operations are not counted.
	BytesMapped int64

	// Failures counts failed operations by failing stage. Only stages with
	// at least one failure appear. Affinity failures are counted here even
	// though they never fail the enclosing operation.
	Failures map[Stage]uint64
}

// Stats returns a snapshot of the accounting counters.
func (a *Allocator) Stats() Stats {
	stats := Stats{
		Reserves:       a.counters.reserves.Load(),
		ChunksCreated:  a.counters.chunksCreated.Load(),
		ChunksMapped:   a.counters.chunksMapped.Load(),
		ChunksUnmapped: a.counters.chunksUnmapped.Load(),
		ChunksReleased: a.counters.chunksReleased.Load(),
		BytesMapped:    a.counters.bytesMapped.Load(),
	}
	for stage := 0; stage < numStages; stage++ {
		if n := a.counters.failures[stage].Load(); n > 0 {
			if stats.Failures == nil {
				stats.Failures = make(map[Stage]uint64)
			}
			stats.Failures[Stage(stage)] = n
		}
	}
	return stats
}
