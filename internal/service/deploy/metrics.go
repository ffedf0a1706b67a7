package deploy

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce   sync.Once
	deployResults *prometheus.CounterVec
)

func init() {
	deployResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deployx",
		Name:      "deploy_results_total",
		Help:      "Deploy submissions by outcome",
	}, []string{"outcome"})
}

func initMetrics() {
	metricsOnce.Do(func() {
		if err := prometheus.Register(deployResults); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	})
}
