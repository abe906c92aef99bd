package tkey

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for one or more ThresholdKey
// instances. A nil *Metrics records nothing.
type Metrics struct {
	syncTotal        *prometheus.CounterVec
	syncDuration     prometheus.Histogram
	lockContention   prometheus.Counter
	reconstructTotal *prometheus.CounterVec
	tssRefreshTotal  prometheus.Counter
	sharesGenerated  prometheus.Counter
	sharesDeleted    prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		syncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tkey_sync_total",
			Help: "Metadata sync attempts by result.",
		}, []string{"result"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tkey_sync_duration_seconds",
			Help:    "Time spent committing the local transition log.",
			Buckets: prometheus.DefBuckets,
		}),
		lockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tkey_lock_contention_total",
			Help: "Write lock acquisitions lost to another writer.",
		}),
		reconstructTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tkey_reconstruct_total",
			Help: "Key reconstruction attempts by result.",
		}, []string{"result"}),
		tssRefreshTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tkey_tss_refresh_total",
			Help: "TSS share refreshes, imports included.",
		}),
		sharesGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tkey_share_generated_total",
			Help: "Shares added to the main key.",
		}),
		sharesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tkey_share_deleted_total",
			Help: "Shares removed from the main key.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.syncTotal,
			m.syncDuration,
			m.lockContention,
			m.reconstructTotal,
			m.tssRefreshTotal,
			m.sharesGenerated,
			m.sharesDeleted,
		)
	}
	return m
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (m *Metrics) observeSync(start time.Time, err error) {
	if m == nil {
		return
	}
	m.syncTotal.WithLabelValues(resultLabel(err)).Inc()
	m.syncDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) observeLockContention() {
	if m == nil {
		return
	}
	m.lockContention.Inc()
}

func (m *Metrics) observeReconstruct(err error) {
	if m == nil {
		return
	}
	m.reconstructTotal.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) observeTSSRefresh() {
	if m == nil {
		return
	}
	m.tssRefreshTotal.Inc()
}

func (m *Metrics) observeShareGenerated() {
	if m == nil {
		return
	}
	m.sharesGenerated.Inc()
}

func (m *Metrics) observeShareDeleted() {
	if m == nil {
		return
	}
	m.sharesDeleted.Inc()
}
