package network

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// layerDuration tracks time spent in each layer operation
	layerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "longbow_dropout_layer_duration_seconds",
		Help:    "Time spent in layer forward/backward passes",
		Buckets: []float64{0.00001, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	}, []string{"layer_type", "op"})

	elementsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "longbow_dropout_layer_elements_total",
		Help: "Total number of tensor elements passed through layers",
	}, []string{"layer_type", "op"})

	elementsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "longbow_dropout_elements_dropped_total",
		Help: "Total number of activations zeroed by dropout masks",
	})
)
