package edge

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce   sync.Once
	proxyRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deployx",
		Subsystem: "edge",
		Name:      "proxy_requests_total",
		Help:      "Proxied artifact requests by outcome",
	}, []string{"outcome"})
)

func initMetrics() {
	metricsOnce.Do(func() {
		if err := prometheus.Register(proxyRequests); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	})
}
