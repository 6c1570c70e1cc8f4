// Package commitring implements a bounded, lock-free, multi-producer single-consumer
// ring queue where producers reserve contiguous batches of slots, fill them in place
// and commit them out of order, while the single consumer observes a gap-free stream
// in sequence-number order.
package commitring

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/cpu"
)

const (
	cacheLine = unsafe.Sizeof(cpu.CacheLinePad{})

	// unsetMarker is stored in a commit marker once the sweep has passed it.
	// It never matches a real sequence number.
	unsetMarker int64 = -1
)

// slot holds a value, padded so neighbouring slots written by different
// producers don't share a cache line.
type slot[T any] struct {
	val T
	_   cpu.CacheLinePad
}

// marker records the sequence number that last finished writing the slot
// with the same index.
type marker struct {
	seq atomic.Int64
	_   [cacheLine - unsafe.Sizeof(atomic.Int64{})]byte
}
