package device

import (
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Gauge != nil {
		return *metric.Gauge.Value
	}
	return 0
}

func TestCPU_PoolMetrics(t *testing.T) {
	backend := NewCPUBackend()
	assert.Equal(t, "CPU", backend.Name())

	// Metrics are global, so track deltas.
	startHits := getMetricValue(poolHits.WithLabelValues(backend.Name()))
	startMisses := getMetricValue(poolMisses.WithLabelValues(backend.Name()))

	t1 := backend.GetTensor(8, 8)
	assert.Equal(t, float64(1), getMetricValue(poolMisses.WithLabelValues(backend.Name()))-startMisses)

	backend.PutTensor(t1)

	// sync.Pool may drop entries at any GC, so a hit is likely but not guaranteed.
	t2 := backend.GetTensor(4, 4)
	hits := getMetricValue(poolHits.WithLabelValues(backend.Name())) - startHits
	misses := getMetricValue(poolMisses.WithLabelValues(backend.Name())) - startMisses
	assert.Equal(t, float64(2), hits+misses)

	r, c := t2.Dims()
	assert.Equal(t, 4, r)
	assert.Equal(t, 4, c)
	assert.Len(t, t2.Data(), 16)
	backend.PutTensor(t2)
}

func TestCPU_PutTransposedIgnored(t *testing.T) {
	backend := NewCPUBackend()
	a := backend.NewTensor(2, 3, []float32{1, 2, 3, 4, 5, 6})

	// A transposed view shares storage with a; pooling it would let a later
	// GetTensor clobber a's data.
	backend.PutTensor(a.T())

	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, a.ToHost())
}

func TestCPU_NewTensorOverflow(t *testing.T) {
	backend := NewCPUBackend()
	assert.Panics(t, func() { backend.NewTensor(math.MaxInt/2+1, 4, nil) })
	assert.Panics(t, func() { backend.NewTensor(-1, 4, nil) })
	assert.NotPanics(t, func() { backend.NewTensor(math.MaxInt, 0, nil) })
}
