package metrics

import (
	"time"

	pebblestore "github.com/rzbill/reactor/internal/storage/pebble"
)

type storageHook struct{ m *Metrics }

// Storage adapts the collectors to pebble's metrics hook.
func (m *Metrics) Storage() pebblestore.MetricsHook {
	if m == nil {
		return pebblestore.NoopMetrics{}
	}
	return storageHook{m: m}
}

func (h storageHook) ObserveWrite(elapsed time.Duration, bytes int) {
	h.m.StorageOps.WithLabelValues("write").Observe(elapsed.Seconds())
	h.m.StorageBytes.WithLabelValues("write").Add(float64(bytes))
}

func (h storageHook) ObserveRead(elapsed time.Duration, bytes int) {
	h.m.StorageOps.WithLabelValues("read").Observe(elapsed.Seconds())
	h.m.StorageBytes.WithLabelValues("read").Add(float64(bytes))
}

func (h storageHook) ObserveBatchCommit(elapsed time.Duration, _ int, bytes int) {
	h.m.StorageOps.WithLabelValues("commit").Observe(elapsed.Seconds())
	h.m.StorageBytes.WithLabelValues("write").Add(float64(bytes))
}
