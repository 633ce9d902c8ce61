package abicache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 收敛 ABI 缓存相关指标。
type Metrics struct {
	hits          prometheus.Counter
	misses        prometheus.Counter
	fetchFailures prometheus.Counter
}

// NewMetrics 构造指标集合，reg 为空时默认使用全局注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "abi_cache_hits_total",
			Help: "Number of ABI lookups served from cache",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "abi_cache_misses_total",
			Help: "Number of ABI lookups requiring an upstream fetch",
		}),
		fetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "abi_cache_fetch_failures_total",
			Help: "Number of failed upstream ABI fetches",
		}),
	}
	reg.MustRegister(m.hits, m.misses, m.fetchFailures)
	return m
}

func (m *Metrics) incHit() {
	if m == nil {
		return
	}
	m.hits.Inc()
}

func (m *Metrics) incMiss() {
	if m == nil {
		return
	}
	m.misses.Inc()
}

func (m *Metrics) incFetchFailure() {
	if m == nil {
		return
	}
	m.fetchFailures.Inc()
}
