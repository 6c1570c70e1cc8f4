package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aradilov/commitring"
)

// ErrNilEvent is returned by Publish when build returns nil for some sequence number.
var ErrNilEvent = errors.New("nil event published")

// Summary reports what a consumer run did
type Summary struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// Processor hands events from producer goroutines to a single consumer through a BatchMPSC queue
type Processor struct {
	cfg     Config
	queue   *commitring.BatchMPSC[Event]
	logger  *zap.Logger
	metrics *Metrics

	// bumped by SequenceEvents published from Produce
	demoProcessed atomic.Int64
}

// New creates a Processor. A nil logger disables logging, a nil registerer keeps
// metrics on a private registry.
func New(cfg Config, logger *zap.Logger, reg prometheus.Registerer) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	q := commitring.NewBatchMPSC[Event](cfg.CapacityExp)

	return &Processor{
		cfg:     cfg,
		queue:   q,
		logger:  logger,
		metrics: newMetrics(reg, q),
	}, nil
}

// Queue returns the underlying queue
func (p *Processor) Queue() *commitring.BatchMPSC[Event] {
	return p.queue
}

// Publish reserves count consecutive slots, fills them with build(seq) and commits them.
// Returns the first sequence number of the batch.
// nil is the stop sentinel and is reserved for Stop: a nil from build is stored as an
// event that fails with ErrNilEvent, and Publish returns ErrNilEvent after committing
// the batch.
// May be called concurrently from many goroutines (producers).
func (p *Processor) Publish(ctx context.Context, count int, build func(seq int64) Event) (int64, error) {
	var nils int
	seq, err := p.publish(ctx, count, func(seq int64) Event {
		if ev := build(seq); ev != nil {
			return ev
		}
		nils++
		return nilEvent{seq: seq}
	})
	if err != nil {
		return 0, err
	}

	p.metrics.published.Add(float64(count))
	if nils > 0 {
		return seq, fmt.Errorf("%w: %d of %d events at sequence %d", ErrNilEvent, nils, count, seq)
	}
	return seq, nil
}

// nilEvent takes the slot of a nil returned by a Publish build func.
type nilEvent struct {
	seq int64
}

func (e nilEvent) Process(context.Context) error {
	return fmt.Errorf("%w: sequence %d", ErrNilEvent, e.seq)
}

func (p *Processor) publish(ctx context.Context, count int, build func(seq int64) Event) (int64, error) {
	seq, err := p.queue.ReserveContext(ctx, count)
	if err != nil {
		return 0, fmt.Errorf("reserve %d slots: %w", count, err)
	}

	for i := int64(0); i < int64(count); i++ {
		*p.queue.SlotAt(seq + i) = build(seq + i)
	}
	p.queue.Commit(count, seq)

	return seq, nil
}

// Stop publishes the nil sentinel. The consumer returns from Run once it reads it,
// after everything committed before it.
func (p *Processor) Stop(ctx context.Context) error {
	_, err := p.publish(ctx, 1, func(int64) Event { return nil })
	if err != nil {
		return fmt.Errorf("publish stop sentinel: %w", err)
	}
	return nil
}

// Run consumes and processes events until the stop sentinel arrives or ctx is done.
// IMPORTANT: must be called from a single goroutine.
func (p *Processor) Run(ctx context.Context) (Summary, error) {
	var s Summary

	for {
		ev, err := p.queue.ConsumeContext(ctx)
		if err != nil {
			return s, fmt.Errorf("consume: %w", err)
		}

		if ev == nil {
			p.logger.Info("Stop sentinel received",
				zap.Int64("processed", s.Processed),
				zap.Int64("failed", s.Failed),
			)
			return s, nil
		}

		if err := p.process(ctx, ev); err != nil {
			s.Failed++
			p.metrics.failed.Inc()
			p.logger.Debug("Event processing failed", zap.Error(err))
			continue
		}

		s.Processed++
		p.metrics.processed.Inc()
	}
}

func (p *Processor) process(ctx context.Context, ev Event) error {
	if p.cfg.ProcessTimeout <= 0 {
		return ev.Process(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProcessTimeout)
	defer cancel()

	return ev.Process(ctx)
}

// Produce is the demo producer: it publishes SequenceEvents in batches of id%MaxBatch+1
// until it reserved a sequence number at or above SequenceLimit.
// Returns the number of events published.
func (p *Processor) Produce(ctx context.Context, id int) (int, error) {
	batch := id%p.cfg.MaxBatch + 1
	build := func(seq int64) Event { return NewSequenceEvent(seq, &p.demoProcessed) }

	var published int
	for {
		seq, err := p.Publish(ctx, batch, build)
		if err != nil {
			return published, fmt.Errorf("producer %d: %w", id, err)
		}
		published += batch

		if seq >= p.cfg.SequenceLimit {
			return published, nil
		}
	}
}

// RunDemo runs cfg.Producers producers and one consumer, stops the consumer once every
// producer finished and returns the consumer's summary.
func (p *Processor) RunDemo(ctx context.Context) (Summary, error) {
	type result struct {
		summary Summary
		err     error
	}
	consumed := make(chan result, 1)

	go func() {
		s, err := p.Run(ctx)
		consumed <- result{summary: s, err: err}
	}()

	p.logger.Info("Starting producers",
		zap.Int("producers", p.cfg.Producers),
		zap.Uint64("capacity", p.queue.Capacity()),
		zap.Int64("sequence_limit", p.cfg.SequenceLimit),
	)

	eg, egCtx := errgroup.WithContext(ctx)
	published := make([]int, p.cfg.Producers)
	for i := 0; i < p.cfg.Producers; i++ {
		eg.Go(func() error {
			n, err := p.Produce(egCtx, i)
			published[i] = n
			return err
		})
	}
	produceErr := eg.Wait()

	var total int
	for _, n := range published {
		total += n
	}
	p.logger.Info("Producers finished", zap.Int("published", total), zap.Error(produceErr))

	// the consumer only exits on the sentinel or ctx, so it is sent even after a producer failure
	stopErr := p.Stop(ctx)

	r := <-consumed
	if err := errors.Join(produceErr, stopErr, r.err); err != nil {
		return r.summary, err
	}

	if r.summary.Processed+r.summary.Failed != int64(total) {
		return r.summary, fmt.Errorf("consumer saw %d events, producers published %d",
			r.summary.Processed+r.summary.Failed, total)
	}
	if n := p.demoProcessed.Load(); n != r.summary.Processed {
		return r.summary, fmt.Errorf("consumer reported %d processed events, events counted %d", r.summary.Processed, n)
	}

	return r.summary, nil
}
