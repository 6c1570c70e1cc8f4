package commitring

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// MaxCapacityExp is the largest accepted capacity exponent.
const MaxCapacityExp = 40

// BatchMPSC is a bounded multi-producer single-consumer queue with batch reservations.
//
// A producer calls Reserve to claim a contiguous range of sequence numbers, writes
// each element through SlotAt and then calls Commit. Ranges may be committed in any
// order: Commit publishes only the contiguous prefix of committed sequence numbers,
// and whichever producer closes a gap advances the boundary on behalf of the others.
//
// Consume must be called from a single consumer goroutine.
type BatchMPSC[T any] struct {
	_        cpu.CacheLinePad
	mask     uint64
	capacity uint64
	slots    []slot[T]
	commits  []marker
	_        cpu.CacheLinePad
	reserve  atomic.Int64 // next sequence number handed out to producers
	_        cpu.CacheLinePad
	commit   atomic.Int64 // every sequence number below it is committed
	_        cpu.CacheLinePad
	consume  atomic.Int64 // next sequence number the consumer reads
	_        cpu.CacheLinePad

	stats batchCounters
}

// Cursors is a snapshot of the three sequence counters.
// Consume <= Commit <= Reserve holds for every snapshot.
type Cursors struct {
	Reserve int64
	Commit  int64
	Consume int64
}

// NewBatchMPSC creates a queue holding 1<<capacityExp elements.
func NewBatchMPSC[T any](capacityExp uint) *BatchMPSC[T] {
	if capacityExp > MaxCapacityExp {
		panic("capacity exponent is too large")
	}

	capacity := uint64(1) << capacityExp
	q := &BatchMPSC[T]{
		mask:     capacity - 1,
		capacity: capacity,
		slots:    make([]slot[T], capacity),
		commits:  make([]marker, capacity),
	}

	// a zero marker at index 0 would look like a committed sequence number 0
	q.commits[0].seq.Store(unsetMarker)

	return q
}

// Reserve claims count contiguous sequence numbers and returns the first one.
// It returns false without side effects when count is not in [1, capacity] or when
// the queue does not have count free slots. The caller owns [seq, seq+count) until
// it calls Commit.
func (q *BatchMPSC[T]) Reserve(count int) (int64, bool) {
	q.stats.reserveAttempts.Add(1)

	if count <= 0 || uint64(count) > q.capacity {
		q.stats.reserveRefusedInvalid.Add(1)
		return 0, false
	}

	n := int64(count)
	free := int64(q.capacity) - n
	for {
		reserve := q.reserve.Load()
		consume := q.consume.Load()

		if reserve-consume > free {
			// not enough slots released by the consumer yet
			q.stats.reserveRefusedFull.Add(1)
			return 0, false
		}

		if q.reserve.CompareAndSwap(reserve, reserve+n) {
			return reserve, true
		}
		// another producer moved the counter, retry
		q.stats.reserveRetries.Add(1)
	}
}

// SlotAt returns the element storage for the given sequence number.
// It must only be used for sequence numbers of a reservation the caller holds.
func (q *BatchMPSC[T]) SlotAt(seq int64) *T {
	return &q.slots[uint64(seq)&q.mask].val
}

// Commit publishes count elements starting at seq previously obtained from Reserve.
func (q *BatchMPSC[T]) Commit(count int, seq int64) {
	q.stats.commits.Add(1)

	for i := int64(0); i < int64(count); i++ {
		q.commits[uint64(seq+i)&q.mask].seq.Store(seq + i)
	}

	q.sweep(q.commit.Load())
}

// sweep advances the commit boundary from commit over every contiguously committed
// sequence number. It stops at the first marker that doesn't hold the expected number:
// that range is still being written, or another producer already cleared the marker
// and owns the rest of the sweep. A marker only ever holds a reserved sequence number,
// so the CAS alone bounds the loop.
func (q *BatchMPSC[T]) sweep(commit int64) {
	var swept uint64
	for q.commits[uint64(commit)&q.mask].seq.CompareAndSwap(commit, unsetMarker) {
		commit++
		q.commit.Store(commit)
		swept++
	}

	if swept > 0 {
		q.stats.swept.Add(swept)
	}
}

// Consume pops the oldest committed element.
// Returns (zero, false) if nothing is committed.
// IMPORTANT: must be called from a single consumer goroutine.
func (q *BatchMPSC[T]) Consume() (T, bool) {
	q.stats.consumeAttempts.Add(1)

	for {
		commit := q.commit.Load()
		consume := q.consume.Load()

		if commit == consume {
			q.stats.consumeEmpty.Add(1)
			var zero T
			return zero, false
		}

		// copy the value out before releasing the slot: once consume moves,
		// a producer may reserve this index again and overwrite it
		v := q.slots[uint64(consume)&q.mask].val

		if q.consume.CompareAndSwap(consume, consume+1) {
			return v, true
		}
	}
}

// Enqueue reserves a single slot, stores v and commits it.
// Returns false if the queue is full.
// May be called concurrently from many goroutines (producers).
func (q *BatchMPSC[T]) Enqueue(v T) bool {
	seq, ok := q.Reserve(1)
	if !ok {
		return false
	}

	*q.SlotAt(seq) = v
	q.Commit(1, seq)

	return true
}

// EnqueueBatch stores all of vs in consecutive sequence numbers with one reservation.
// Returns false if vs is empty, larger than the capacity, or doesn't fit right now.
func (q *BatchMPSC[T]) EnqueueBatch(vs []T) bool {
	seq, ok := q.Reserve(len(vs))
	if !ok {
		return false
	}

	for i := range vs {
		*q.SlotAt(seq + int64(i)) = vs[i]
	}
	q.Commit(len(vs), seq)

	return true
}

// Len returns the number of committed elements not yet consumed.
func (q *BatchMPSC[T]) Len() int {
	consume := q.consume.Load()
	commit := q.commit.Load()

	return int(commit - consume)
}

// Cursors returns the current reserve, commit and consume counters.
func (q *BatchMPSC[T]) Cursors() Cursors {
	// load in reverse order of progress so the snapshot keeps consume <= commit <= reserve
	consume := q.consume.Load()
	commit := q.commit.Load()
	reserve := q.reserve.Load()

	return Cursors{
		Reserve: reserve,
		Commit:  commit,
		Consume: consume,
	}
}

// Capacity returns the fixed queue capacity.
func (q *BatchMPSC[T]) Capacity() uint64 {
	return q.capacity
}
