package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aradilov/commitring"
)

// Metrics holds the Prometheus collectors of a Processor
type Metrics struct {
	published prometheus.Counter
	processed prometheus.Counter
	failed    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, q *commitring.BatchMPSC[Event]) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		published: factory.NewCounter(prometheus.CounterOpts{
			Name: "commitring_events_published_total",
			Help: "Events committed by producers",
		}),
		processed: factory.NewCounter(prometheus.CounterOpts{
			Name: "commitring_events_processed_total",
			Help: "Events processed by the consumer",
		}),
		failed: factory.NewCounter(prometheus.CounterOpts{
			Name: "commitring_events_failed_total",
			Help: "Events whose processing returned an error",
		}),
	}

	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "commitring_reserve_refused_total",
		Help: "Reservations refused because the queue was full",
	}, func() float64 {
		return float64(q.Stats().ReserveRefusedFull)
	})

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "commitring_queue_depth",
		Help: "Committed events waiting for the consumer",
	}, func() float64 {
		return float64(q.Len())
	})

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "commitring_queue_outstanding",
		Help: "Reserved sequence numbers not yet consumed",
	}, func() float64 {
		c := q.Cursors()
		return float64(c.Reserve - c.Consume)
	})

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "commitring_queue_capacity",
		Help: "Fixed queue capacity",
	}, func() float64 {
		return float64(q.Capacity())
	})

	return m
}
