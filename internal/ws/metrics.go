package ws

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce      sync.Once
	relayedMessages  prometheus.Counter
	droppedFrames    prometheus.Counter
	connectedClients prometheus.Gauge
)

func init() {
	relayedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "deployx",
		Subsystem: "gateway",
		Name:      "relayed_messages_total",
		Help:      "Frames broadcast to rooms",
	})
	droppedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "deployx",
		Subsystem: "gateway",
		Name:      "dropped_frames_total",
		Help:      "Frames dropped because a client send queue was full",
	})
	connectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "deployx",
		Subsystem: "gateway",
		Name:      "connected_clients",
		Help:      "Open websocket connections",
	})
}

func initMetrics() {
	metricsOnce.Do(func() {
		for _, collector := range []prometheus.Collector{relayedMessages, droppedFrames, connectedClients} {
			if err := prometheus.Register(collector); err != nil {
				if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
					panic(err)
				}
			}
		}
	})
}
