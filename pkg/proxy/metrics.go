package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	directionRequest  = "request"
	directionResponse = "response"
)

type metrics struct {
	relayed *prometheus.CounterVec
	dropped *prometheus.CounterVec
	joints  *prometheus.GaugeVec
}

func newMetrics(registerer prometheus.Registerer) (*metrics, error) {
	relayed, err := register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tubes",
		Subsystem: "proxy",
		Name:      "messages_relayed_total",
		Help:      "Messages forwarded through a proxy joint.",
	}, []string{"proxy", "direction"}))
	if err != nil {
		return nil, err
	}
	dropped, err := register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tubes",
		Subsystem: "proxy",
		Name:      "messages_dropped_total",
		Help:      "Messages denied by the proxy filter chain.",
	}, []string{"proxy", "direction"}))
	if err != nil {
		return nil, err
	}
	joints, err := register(registerer, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tubes",
		Subsystem: "proxy",
		Name:      "joints",
		Help:      "Live proxy joints.",
	}, []string{"proxy"}))
	if err != nil {
		return nil, err
	}
	return &metrics{relayed: relayed, dropped: dropped, joints: joints}, nil
}

// register reuses an identical collector that is already registered, so
// several proxies can share one registry.
func register[T prometheus.Collector](registerer prometheus.Registerer, collector T) (T, error) {
	if err := registerer.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return collector, nil
}

func direction(response bool) string {
	if response {
		return directionResponse
	}
	return directionRequest
}
