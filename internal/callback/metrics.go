package callback

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/esr-link/link/pkg/linkerrors"
)

// Metrics 收敛回调关联相关指标。
type Metrics struct {
	pendingGauge  prometheus.Gauge
	resolvedTotal *prometheus.CounterVec
	lateTotal     prometheus.Counter
}

// NewMetrics 构造指标集合，reg 为空时默认使用全局注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		pendingGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "callback_pending",
			Help: "Number of callbacks awaiting resolution",
		}),
		resolvedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callback_resolved_total",
			Help: "Number of callbacks resolved, by outcome",
		}, []string{"outcome"}),
		lateTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callback_late_total",
			Help: "Number of duplicate or late callback deliveries ignored",
		}),
	}
	reg.MustRegister(m.pendingGauge, m.resolvedTotal, m.lateTotal)
	return m
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pendingGauge.Set(float64(n))
}

func (m *Metrics) incResolved(out outcome) {
	if m == nil {
		return
	}
	label := "success"
	switch {
	case out.err == nil:
	case linkerrors.IsCancel(out.err):
		label = "cancelled"
	default:
		label = "error"
	}
	m.resolvedTotal.WithLabelValues(label).Inc()
}

func (m *Metrics) incLate() {
	if m == nil {
		return
	}
	m.lateTotal.Inc()
}
