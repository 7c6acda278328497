package pebble

import (
	"fmt"
	"io"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/eigerco/kvbridge/pkg/status"
)

// dbMetrics is a per-database metric set so that two handles in one process
// do not share counters.
type dbMetrics struct {
	set *metrics.Set
}

func newDBMetrics() *dbMetrics {
	return &dbMetrics{set: metrics.NewSet()}
}

// observe records one boundary operation.
func (m *dbMetrics) observe(op string, start time.Time, err error) {
	m.set.GetOrCreateCounter(fmt.Sprintf(`kvbridge_ops_total{op=%q}`, op)).Inc()
	m.set.GetOrCreateHistogram(fmt.Sprintf(`kvbridge_op_duration_seconds{op=%q}`, op)).UpdateDuration(start)
	if err != nil {
		code := status.CodeOf(err)
		if code == status.NotFound {
			return
		}
		m.set.GetOrCreateCounter(fmt.Sprintf(`kvbridge_op_errors_total{op=%q,code=%q}`, op, code)).Inc()
	}
}

func (m *dbMetrics) inc(name string) {
	m.set.GetOrCreateCounter(name).Inc()
}

func (m *dbMetrics) add(name string, n int) {
	m.set.GetOrCreateCounter(name).Add(n)
}

func (m *dbMetrics) gauge(name string, f func() float64) {
	m.set.GetOrCreateGauge(name, f)
}

func (m *dbMetrics) counter(name string) uint64 {
	return m.set.GetOrCreateCounter(name).Get()
}

func (m *dbMetrics) write(w io.Writer) {
	m.set.WritePrometheus(w)
}

const (
	metricCommits       = "kvbridge_txn_commits_total"
	metricRollbacks     = "kvbridge_txn_rollbacks_total"
	metricConflicts     = "kvbridge_txn_conflicts_total"
	metricLockTimeouts  = "kvbridge_lock_timeouts_total"
	metricDeadlocks     = "kvbridge_deadlocks_total"
	metricIngestedBytes = "kvbridge_ingested_bytes_total"
	metricFlushes       = "kvbridge_flushes_total"
	metricCompactions   = "kvbridge_compactions_total"
	metricWriteStalls   = "kvbridge_write_stalls_total"
	metricBgErrors      = "kvbridge_background_errors_total"
	metricOpenHandles   = "kvbridge_open_handles"
)
