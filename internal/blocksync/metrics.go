package blocksync

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "blocksync"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of blocks committed to the chain through the scheduler.
	BlocksImported metrics.Counter
	// Number of blocks the chain refused to commit.
	ImportFailures metrics.Counter
	// Number of blocks received that no reservation had requested.
	UnsolicitedBlocks metrics.Counter
	// Number of channels stopped as rate outliers.
	PeersEvicted metrics.Counter
	// Number of times a reservation donated half its targets to another.
	Partitions metrics.Counter
	// Number of published rate updates that evicted at least one history
	// entry, i.e. the rolling window was saturated. An update that evicts
	// entries but leaves too few samples to publish a rate is not counted.
	WindowFull metrics.Counter
	// Import cost of a single block, in seconds of database time.
	ImportCostSeconds metrics.Histogram
	// Arithmetic mean of the fleet's normal rates.
	FleetMean metrics.Gauge
	// Standard deviation of the fleet's normal rates.
	FleetStdDev metrics.Gauge
	// Number of reservations with a published (non-idle) rate.
	ActivePeers metrics.Gauge
}

// PrometheusMetrics returns Metrics built using the Prometheus client
// library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		BlocksImported: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_imported_total",
			Help:      "Number of blocks committed to the chain through the scheduler.",
		}, []string{}),
		ImportFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "import_failures_total",
			Help:      "Number of blocks the chain refused to commit.",
		}, []string{}),
		UnsolicitedBlocks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "unsolicited_blocks_total",
			Help:      "Number of blocks received that no reservation had requested.",
		}, []string{}),
		PeersEvicted: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peers_evicted_total",
			Help:      "Number of channels stopped as rate outliers.",
		}, []string{}),
		Partitions: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "partitions_total",
			Help:      "Number of times a reservation donated half its targets to another.",
		}, []string{}),
		WindowFull: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "rate_window_full_total",
			Help:      "Number of rate updates performed with a saturated rolling window.",
		}, []string{}),
		ImportCostSeconds: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "import_cost_seconds",
			Help:      "Import cost of a single block in seconds of database time.",
			Buckets:   stdprometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{}),
		FleetMean: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "fleet_mean_rate",
			Help:      "Arithmetic mean of the fleet's normal rates (blocks/µs).",
		}, []string{}),
		FleetStdDev: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "fleet_stddev_rate",
			Help:      "Standard deviation of the fleet's normal rates (blocks/µs).",
		}, []string{}),
		ActivePeers: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "active_peers",
			Help:      "Number of reservations with a published (non-idle) rate.",
		}, []string{}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		BlocksImported:    discard.NewCounter(),
		ImportFailures:    discard.NewCounter(),
		UnsolicitedBlocks: discard.NewCounter(),
		PeersEvicted:      discard.NewCounter(),
		Partitions:        discard.NewCounter(),
		WindowFull:        discard.NewCounter(),
		ImportCostSeconds: discard.NewHistogram(),
		FleetMean:         discard.NewGauge(),
		FleetStdDev:       discard.NewGauge(),
		ActivePeers:       discard.NewGauge(),
	}
}
