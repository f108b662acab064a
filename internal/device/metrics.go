package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "longbow_dropout_tensor_pool_hits_total",
		Help: "Total number of tensor pool retrievals that reused a buffer",
	}, []string{"device"})

	poolMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "longbow_dropout_tensor_pool_misses_total",
		Help: "Total number of tensor pool misses (allocations)",
	}, []string{"device"})
)
