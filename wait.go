package commitring

import (
	"context"
	"fmt"
)

var (
	ErrBatchTooLarge = fmt.Errorf("batch doesn't fit the queue")
	ErrTimeout       = fmt.Errorf("timeout")
)

// ReserveContext retries Reserve until it succeeds or ctx is done.
// Counts that can never be satisfied fail immediately with ErrBatchTooLarge.
// May be called concurrently from many goroutines (producers).
func (q *BatchMPSC[T]) ReserveContext(ctx context.Context, count int) (int64, error) {
	if count <= 0 || uint64(count) > q.capacity {
		return 0, fmt.Errorf("%w: count %d, capacity %d", ErrBatchTooLarge, count, q.capacity)
	}

	var b Backoff
	for {
		if seq, ok := q.Reserve(count); ok {
			return seq, nil
		}

		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("%w: reserve %d: %w", ErrTimeout, count, ctx.Err())
		default:
		}

		b.Wait()
	}
}

// ConsumeContext retries Consume until an element is committed or ctx is done.
// IMPORTANT: must be called from the single consumer goroutine.
func (q *BatchMPSC[T]) ConsumeContext(ctx context.Context) (T, error) {
	var b Backoff
	for {
		if v, ok := q.Consume(); ok {
			return v, nil
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, fmt.Errorf("%w: consume: %w", ErrTimeout, ctx.Err())
		default:
		}

		b.Wait()
	}
}
