package chainapi

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 收敛节点客户端相关指标。
type Metrics struct {
	requestLatency *prometheus.HistogramVec
	failuresTotal  *prometheus.CounterVec
}

// NewMetrics 构造指标集合，reg 为空时默认使用全局注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chainapi_request_latency_ms",
			Help:    "Latency of chain node requests (milliseconds)",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"path"}),
		failuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainapi_failures_total",
			Help: "Number of failed chain node requests",
		}, []string{"path"}),
	}
	reg.MustRegister(m.requestLatency, m.failuresTotal)
	return m
}

func (m *Metrics) observeRequest(path string, elapsed time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.requestLatency.WithLabelValues(path).Observe(float64(elapsed.Milliseconds()))
	if !ok {
		m.failuresTotal.WithLabelValues(path).Inc()
	}
}

func (m *Metrics) incFailure(path string) {
	if m == nil {
		return
	}
	m.failuresTotal.WithLabelValues(path).Inc()
}
