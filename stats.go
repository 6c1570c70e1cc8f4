package commitring

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// batchCounters are kept apart from the sequence counters so bumping them
// doesn't invalidate the lines producers and the consumer spin on.
//
// Each counter every producer bumps on every call sits on its own line, so a Reserve
// doesn't contend with a concurrent Commit. They are still single atomics shared by
// all producers: each Reserve and Commit pays one contended add per counter.
type batchCounters struct {
	_               cpu.CacheLinePad
	reserveAttempts atomic.Uint64
	_               cpu.CacheLinePad
	commits         atomic.Uint64
	_               cpu.CacheLinePad
	swept           atomic.Uint64
	_               cpu.CacheLinePad

	// only bumped on contention or refusal
	reserveRetries        atomic.Uint64
	reserveRefusedFull    atomic.Uint64
	reserveRefusedInvalid atomic.Uint64
	_                     cpu.CacheLinePad

	// consumer only
	consumeAttempts atomic.Uint64
	consumeEmpty    atomic.Uint64
	_               cpu.CacheLinePad
}

// BatchStats is a snapshot of BatchMPSC counters.
type BatchStats struct {
	ReserveAttempts       uint64 // calls to Reserve
	ReserveRetries        uint64 // lost CAS races on the reserve counter
	ReserveRefusedFull    uint64 // refusals because count free slots weren't available
	ReserveRefusedInvalid uint64 // refusals because count was outside [1, capacity]

	Commits uint64 // calls to Commit
	Swept   uint64 // sequence numbers moved past the commit boundary

	ConsumeAttempts uint64 // calls to Consume
	ConsumeEmpty    uint64 // Consume calls that found nothing committed
}

// Stats retrieves the current statistics of the queue.
func (q *BatchMPSC[T]) Stats() BatchStats {
	return BatchStats{
		ReserveAttempts:       q.stats.reserveAttempts.Load(),
		ReserveRetries:        q.stats.reserveRetries.Load(),
		ReserveRefusedFull:    q.stats.reserveRefusedFull.Load(),
		ReserveRefusedInvalid: q.stats.reserveRefusedInvalid.Load(),
		Commits:               q.stats.commits.Load(),
		Swept:                 q.stats.swept.Load(),
		ConsumeAttempts:       q.stats.consumeAttempts.Load(),
		ConsumeEmpty:          q.stats.consumeEmpty.Load(),
	}
}
