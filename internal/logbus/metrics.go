package logbus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce         sync.Once
	publishFailures     *prometheus.CounterVec
	subscribeReconnects prometheus.Counter
)

func init() {
	publishFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deployx",
		Subsystem: "logbus",
		Name:      "publish_failures_total",
		Help:      "Log bus messages that could not be published",
	}, []string{"kind", "reason"})
	subscribeReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "deployx",
		Subsystem: "logbus",
		Name:      "subscribe_reconnects_total",
		Help:      "Reconnect attempts of the wildcard log subscription",
	})
}

func initMetrics() {
	metricsOnce.Do(func() {
		for _, collector := range []prometheus.Collector{publishFailures, subscribeReconnects} {
			if err := prometheus.Register(collector); err != nil {
				if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
					panic(err)
				}
			}
		}
	})
}
