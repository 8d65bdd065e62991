// Package metrics centralizes Prometheus collector registration for the
// bridge process. It exposes typed collectors so the gateway pool, the
// event forwarder, and the RPC client can update them without importing
// each other, mirroring Voskan-flarego's internal/metrics/prom.go.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var once sync.Once

var (
	PoolConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bff",
		Subsystem: "pool",
		Name:      "connections",
		Help:      "Current number of tokens with a pooled (or pooling) Gateway connection.",
	})

	PoolHandshakes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bff",
		Subsystem: "pool",
		Name:      "handshakes_total",
		Help:      "Total number of connect handshakes started by the connection pool.",
	})

	RpcReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bff",
		Subsystem: "rpc",
		Name:      "reconnects_total",
		Help:      "Total number of RpcClient reconnect attempts across all connections.",
	})

	ForwarderTokens = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bff",
		Subsystem: "forwarder",
		Name:      "tokens",
		Help:      "Current number of tokens with at least one persistent SSE subscriber.",
	})

	ForwarderSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bff",
		Subsystem: "forwarder",
		Name:      "subscribers",
		Help:      "Current number of connected persistent SSE subscribers across all tokens.",
	})
)

// Register exports all collectors to the default registry; safe to call
// more than once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			PoolConnections,
			PoolHandshakes,
			RpcReconnects,
			ForwarderTokens,
			ForwarderSubscribers,
		)
	})
}
