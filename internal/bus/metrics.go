package bus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// BusMetrics exposes the bus's otherwise-silent behaviors as Prometheus
// collectors: dropped unregistered actions, orphaned results, correlation
// key collisions, and unreachable flush targets. A nil *BusMetrics is valid
// and records nothing.
type BusMetrics struct {
	mu         sync.Mutex
	registered bool
	registerer prometheus.Registerer

	droppedActions   *prometheus.CounterVec
	orphanResults    prometheus.Counter
	ackCollisions    prometheus.Counter
	unreachableSends prometheus.Counter
	pendingAcks      prometheus.Gauge
	channelsCurrent  prometheus.Gauge
	flushBatchSize   prometheus.Histogram
}

func newBusCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "interbus",
		Name:      name,
		Help:      help,
	})
}

func newBusGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "interbus",
		Name:      name,
		Help:      help,
	})
}

// NewBusMetrics creates the bus metrics collectors. Pass nil to use the
// default Prometheus registerer.
func NewBusMetrics(registerer prometheus.Registerer) *BusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &BusMetrics{
		registerer: registerer,
		droppedActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "interbus",
			Name:      "dispatch_dropped_total",
			Help:      "Requests silently dropped because no handler was registered for the action",
		}, []string{"action"}),
		orphanResults:    newBusCounter("orphan_results_total", "Result messages whose correlation key had no pending entry"),
		ackCollisions:    newBusCounter("ack_key_collisions_total", "Correlation entries overwritten by a second registration with the same key"),
		unreachableSends: newBusCounter("unreachable_drops_total", "Buffered batches dropped because the destination had no routing info at flush time"),
		pendingAcks:      newBusGauge("pending_acks", "Correlation entries currently awaiting a result"),
		channelsCurrent:  newBusGauge("channels_current", "Channels currently registered"),
		flushBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "interbus",
			Name:      "flush_batch_size",
			Help:      "Messages per flushed outbound batch",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128},
		}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *BusMetrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.droppedActions,
		m.orphanResults,
		m.ackCollisions,
		m.unreachableSends,
		m.pendingAcks,
		m.channelsCurrent,
		m.flushBatchSize,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *BusMetrics) DroppedAction(action string) {
	if m == nil {
		return
	}
	m.droppedActions.WithLabelValues(action).Inc()
}

func (m *BusMetrics) OrphanResult() {
	if m == nil {
		return
	}
	m.orphanResults.Inc()
}

func (m *BusMetrics) AckCollision() {
	if m == nil {
		return
	}
	m.ackCollisions.Inc()
}

func (m *BusMetrics) UnreachableDrop() {
	if m == nil {
		return
	}
	m.unreachableSends.Inc()
}

func (m *BusMetrics) SetPendingAcks(n int) {
	if m == nil {
		return
	}
	m.pendingAcks.Set(float64(n))
}

func (m *BusMetrics) SetChannels(n int) {
	if m == nil {
		return
	}
	m.channelsCurrent.Set(float64(n))
}

func (m *BusMetrics) FlushedBatch(size int) {
	if m == nil {
		return
	}
	m.flushBatchSize.Observe(float64(size))
}
