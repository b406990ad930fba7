package store

import (
	"fmt"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
)

type storeMetrics struct {
	set *metrics.Set

	reads        *metrics.Counter
	writes       *metrics.Counter
	bytesRead    *metrics.Counter
	bytesWritten *metrics.Counter
	txns         *metrics.Counter
	batches      *metrics.Counter
	casMisses    *metrics.Counter
	resizes      *metrics.Counter
	recoveries   *metrics.Counter

	mapSize atomic.Int64
}

func newStoreMetrics(table string) *storeMetrics {
	set := metrics.NewSet()
	name := func(metric string) string { return fmt.Sprintf(`%s{table=%q}`, metric, table) }
	m := &storeMetrics{
		set:          set,
		reads:        set.NewCounter(name("cobase_store_reads_total")),
		writes:       set.NewCounter(name("cobase_store_writes_total")),
		bytesRead:    set.NewCounter(name("cobase_store_read_bytes_total")),
		bytesWritten: set.NewCounter(name("cobase_store_written_bytes_total")),
		txns:         set.NewCounter(name("cobase_store_transactions_total")),
		batches:      set.NewCounter(name("cobase_store_batches_total")),
		casMisses:    set.NewCounter(name("cobase_store_conditional_misses_total")),
		resizes:      set.NewCounter(name("cobase_store_resizes_total")),
		recoveries:   set.NewCounter(name("cobase_store_recoveries_total")),
	}
	set.NewGauge(name("cobase_store_map_size_bytes"), func() float64 {
		return float64(m.mapSize.Load())
	})
	return m
}
