package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aradilov/commitring"
)

func testConfig() Config {
	return Config{
		CapacityExp:   4,
		Producers:     16,
		SequenceLimit: 1 << 12,
		MaxBatch:      5,
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "capacity exponent too large", mutate: func(c *Config) { c.CapacityExp = commitring.MaxCapacityExp + 1 }, wantErr: true},
		{name: "no producers", mutate: func(c *Config) { c.Producers = 0 }, wantErr: true},
		{name: "negative limit", mutate: func(c *Config) { c.SequenceLimit = -1 }, wantErr: true},
		{name: "zero max batch", mutate: func(c *Config) { c.MaxBatch = 0 }, wantErr: true},
		{name: "batch larger than queue", mutate: func(c *Config) { c.CapacityExp = 2; c.MaxBatch = 5 }, wantErr: true},
		{name: "batch equal to queue", mutate: func(c *Config) { c.CapacityExp = 2; c.MaxBatch = 4 }},
		{name: "negative timeout", mutate: func(c *Config) { c.ProcessTimeout = -time.Second }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Producers = -1

	p, err := New(cfg, zaptest.NewLogger(t), prometheus.NewRegistry())
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Nil(t, p)
}

func TestProcessorRunDemo(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := New(testConfig(), zaptest.NewLogger(t), reg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	summary, err := p.RunDemo(ctx)
	require.NoError(t, err)

	assert.Greater(t, summary.Processed, int64(0))
	assert.Zero(t, summary.Failed)
	assert.Equal(t, float64(summary.Processed), testutil.ToFloat64(p.metrics.published))
	assert.Equal(t, float64(summary.Processed), testutil.ToFloat64(p.metrics.processed))
	assert.Equal(t, summary.Processed, p.demoProcessed.Load(), "every demo event counts itself once")

	// every producer stops once it reserved a sequence number at or past the limit
	c := p.Queue().Cursors()
	assert.GreaterOrEqual(t, c.Reserve, testConfig().SequenceLimit)
	assert.Equal(t, c.Reserve, c.Commit)
	assert.Equal(t, c.Commit, c.Consume)
	assert.Equal(t, summary.Processed+1, c.Consume, "the stop sentinel takes one sequence number")
}

type orderedEvent struct {
	seq  int64
	seen *[]int64
}

func (e *orderedEvent) Process(context.Context) error {
	*e.seen = append(*e.seen, e.seq)
	return nil
}

func TestProcessorDeliversInSequenceOrder(t *testing.T) {
	const (
		producers = 8
		batches   = 500
	)

	p, err := New(testConfig(), zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// only the consumer goroutine appends
	var seen []int64
	done := make(chan Summary, 1)
	go func() {
		s, err := p.Run(ctx)
		assert.NoError(t, err)
		done <- s
	}()

	var wg sync.WaitGroup
	wg.Add(producers)
	for i := 0; i < producers; i++ {
		go func(batch int) {
			defer wg.Done()
			for n := 0; n < batches; n++ {
				_, err := p.Publish(ctx, batch, func(seq int64) Event {
					return &orderedEvent{seq: seq, seen: &seen}
				})
				if !assert.NoError(t, err) {
					return
				}
			}
		}(i%5 + 1)
	}
	wg.Wait()
	require.NoError(t, p.Stop(ctx))

	summary := <-done
	require.Equal(t, int64(len(seen)), summary.Processed)
	for i, seq := range seen {
		require.Equal(t, int64(i), seq, "event at position %d out of order", i)
	}
}

type failingEvent struct{}

func (failingEvent) Process(context.Context) error {
	return errors.New("boom")
}

type slowEvent struct{}

func (slowEvent) Process(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestProcessorCountsFailures(t *testing.T) {
	cfg := testConfig()
	cfg.ProcessTimeout = time.Millisecond

	p, err := New(cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	events := []Event{failingEvent{}, NewSequenceEvent(1, nil), slowEvent{}, NewSequenceEvent(3, nil)}
	_, err = p.Publish(ctx, len(events), func(seq int64) Event { return events[seq] })
	require.NoError(t, err)
	require.NoError(t, p.Stop(ctx))

	summary, err := p.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, Summary{Processed: 2, Failed: 2}, summary)
	assert.Equal(t, float64(2), testutil.ToFloat64(p.metrics.failed))
	assert.Equal(t, float64(2), testutil.ToFloat64(p.metrics.processed))
}

func TestProcessorPublishNilEvent(t *testing.T) {
	p, err := New(testConfig(), zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var counted atomic.Int64
	seq, err := p.Publish(ctx, 3, func(seq int64) Event {
		if seq == 1 {
			return nil
		}
		return NewSequenceEvent(seq, &counted)
	})
	require.ErrorIs(t, err, ErrNilEvent)
	assert.Zero(t, seq)

	// the batch is committed in full, so nothing blocks the slots behind it
	c := p.Queue().Cursors()
	assert.Equal(t, int64(3), c.Commit)

	_, err = p.Publish(ctx, 1, func(seq int64) Event { return NewSequenceEvent(seq, &counted) })
	require.NoError(t, err)
	require.NoError(t, p.Stop(ctx))

	// a nil from build must not stop the consumer early
	summary, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 3, Failed: 1}, summary)
	assert.Equal(t, int64(3), counted.Load())
	assert.Equal(t, float64(4), testutil.ToFloat64(p.metrics.published))
	assert.Equal(t, int64(5), p.Queue().Cursors().Consume)
}

func TestProcessorRunCanceled(t *testing.T) {
	p, err := New(testConfig(), zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err = p.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, commitring.ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProcessorPublishTooLarge(t *testing.T) {
	p, err := New(testConfig(), zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), 17, func(seq int64) Event { return NewSequenceEvent(seq, nil) })
	assert.ErrorIs(t, err, commitring.ErrBatchTooLarge)
}

func TestProcessorQueueGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := New(testConfig(), zaptest.NewLogger(t), reg)
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), 3, func(seq int64) Event { return NewSequenceEvent(seq, nil) })
	require.NoError(t, err)

	// a reservation that is never committed counts as outstanding but not as depth
	_, ok := p.Queue().Reserve(2)
	require.True(t, ok)

	expected := `
# HELP commitring_queue_capacity Fixed queue capacity
# TYPE commitring_queue_capacity gauge
commitring_queue_capacity 16
# HELP commitring_queue_depth Committed events waiting for the consumer
# TYPE commitring_queue_depth gauge
commitring_queue_depth 3
# HELP commitring_queue_outstanding Reserved sequence numbers not yet consumed
# TYPE commitring_queue_outstanding gauge
commitring_queue_outstanding 5
`
	err = testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"commitring_queue_capacity", "commitring_queue_depth", "commitring_queue_outstanding")
	assert.NoError(t, err)
}
