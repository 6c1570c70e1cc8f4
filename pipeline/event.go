// Package pipeline drives a BatchMPSC queue with many producer goroutines and one
// consumer goroutine that processes events until it reads the nil stop sentinel.
package pipeline

import (
	"context"
	"sync/atomic"
)

// Event is a unit of work handed from producers to the consumer.
// A nil Event in the queue tells the consumer to stop.
type Event interface {
	Process(ctx context.Context) error
}

// SequenceEvent is the demo payload: it remembers the sequence number it was stored at.
type SequenceEvent struct {
	Seq int64

	processed *atomic.Int64
}

// NewSequenceEvent creates an event that bumps counter when processed.
// counter may be nil.
func NewSequenceEvent(seq int64, counter *atomic.Int64) *SequenceEvent {
	return &SequenceEvent{Seq: seq, processed: counter}
}

func (e *SequenceEvent) Process(ctx context.Context) error {
	if e.processed != nil {
		e.processed.Add(1)
	}
	return nil
}
