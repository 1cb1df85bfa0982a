package blockcache

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	hits        prometheus.Counter
	misses      prometheus.Counter
	evictions   prometheus.Counter
	flushes     prometheus.Counter
	flushErrors prometheus.Counter
	usedBytes   prometheus.Gauge
	blocks      prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	const ns, sub = "rasterband", "blockcache"
	m := &metrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "hits_total",
			Help: "Block lookups served from the cache.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "misses_total",
			Help: "Block lookups that had to create a block.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "evictions_total",
			Help: "Blocks freed to stay under the memory ceiling.",
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "flushes_total",
			Help: "Dirty blocks written back to their driver.",
		}),
		flushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "flush_errors_total",
			Help: "Dirty blocks that failed to write during eviction.",
		}),
		usedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: "used_bytes",
			Help: "Bytes reserved by resident blocks.",
		}),
		blocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: "blocks",
			Help: "Resident blocks.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.hits, m.misses, m.evictions, m.flushes, m.flushErrors, m.usedBytes, m.blocks)
	}
	return m
}
