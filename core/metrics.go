package core

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsSet holds the controller's operational gauges and counters,
// registered on the default registry like the rest of the process.
type metricsSet struct {
	blocksCommitted      prometheus.Counter
	transactionsExecuted prometheus.Counter
	forkSwitches         prometheus.Counter
	headBlockNum         prometheus.Gauge
	irreversibleBlockNum prometheus.Gauge
}

var (
	metricsOnce   sync.Once
	sharedMetrics *metricsSet
)

// newMetrics returns the process-wide metric set. Registration happens once;
// every controller (tests spin up several) shares the same series.
func newMetrics() *metricsSet {
	metricsOnce.Do(func() {
		sharedMetrics = buildMetrics()
	})
	return sharedMetrics
}

func buildMetrics() *metricsSet {
	return &metricsSet{
		blocksCommitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "jmzk_blocks_committed_total",
			Help: "Blocks committed to the chain head.",
		}),
		transactionsExecuted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "jmzk_transactions_executed_total",
			Help: "Transactions executed successfully.",
		}),
		forkSwitches: promauto.NewCounter(prometheus.CounterOpts{
			Name: "jmzk_fork_switches_total",
			Help: "Fork switches performed by the controller.",
		}),
		headBlockNum: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "jmzk_head_block_num",
			Help: "Current head block number.",
		}),
		irreversibleBlockNum: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "jmzk_irreversible_block_num",
			Help: "Last irreversible block number.",
		}),
	}
}
