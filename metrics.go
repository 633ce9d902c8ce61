package link

import "github.com/prometheus/client_golang/prometheus"

// Metrics 汇总 Link 操作级指标。零值（nil）安全，未注册时所有方法为无操作。
type Metrics struct {
	operationsTotal *prometheus.CounterVec
}

// NewMetrics 创建并注册指标。reg 为空时使用默认注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "link",
			Name:      "operations_total",
			Help:      "Link operations by op and outcome.",
		}, []string{"op", "outcome"}),
	}
	reg.MustRegister(m.operationsTotal)
	return m
}

func (m *Metrics) incOperation(op, outcome string) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(op, outcome).Inc()
}
