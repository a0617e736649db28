package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the prometheus registry. It satisfies submit.Metrics and
// syncer.Metrics so the whole client reports through one /metrics endpoint.
type Metrics struct {
	registry     *prometheus.Registry
	txTotal      *prometheus.CounterVec
	txDuration   *prometheus.HistogramVec
	readsTotal   *prometheus.CounterVec
	replaysTotal *prometheus.CounterVec
	syncTotal    *prometheus.CounterVec
	syncDuration prometheus.Histogram
	snapshotBlk  prometheus.Gauge
	refreshToken prometheus.Gauge
}

func NewMetrics() *Metrics {
	tx := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crowdfund_transactions_total",
		Help: "Write transactions by action and result",
	}, []string{"action", "result"})

	txDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crowdfund_transaction_duration_seconds",
		Help:    "Time from request to confirmed or failed transaction",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"action"})

	reads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crowdfund_reads_total",
		Help: "Direct campaign reads served by the API",
	}, []string{"kind", "result"})

	replays := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crowdfund_idempotent_replays_total",
		Help: "Write requests answered from a recorded outcome",
	}, []string{"action"})

	syncs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crowdfund_syncs_total",
		Help: "Campaign list syncs by result",
	}, []string{"result"})

	syncDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "crowdfund_sync_duration_seconds",
		Help:    "Duration of a full campaign list sync",
		Buckets: prometheus.DefBuckets,
	})

	block := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crowdfund_snapshot_block",
		Help: "Block number of the published campaign snapshot",
	})

	token := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crowdfund_refresh_token",
		Help: "Refresh generation of the published campaign snapshot",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(tx, txDuration, reads, replays, syncs, syncDuration, block, token)

	return &Metrics{
		registry:     r,
		txTotal:      tx,
		txDuration:   txDuration,
		readsTotal:   reads,
		replaysTotal: replays,
		syncTotal:    syncs,
		syncDuration: syncDuration,
		snapshotBlk:  block,
		refreshToken: token,
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveTx(action, result string, elapsed time.Duration) {
	m.txTotal.WithLabelValues(action, result).Inc()
	m.txDuration.WithLabelValues(action).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveSync(result string, elapsed time.Duration) {
	m.syncTotal.WithLabelValues(result).Inc()
	m.syncDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) SetSnapshot(block, token uint64) {
	m.snapshotBlk.Set(float64(block))
	m.refreshToken.Set(float64(token))
}

func (m *Metrics) incRead(kind, result string) {
	m.readsTotal.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) incReplay(action string) {
	m.replaysTotal.WithLabelValues(action).Inc()
}
