package main

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-dropout/internal/client"
	"github.com/23skdu/longbow-dropout/internal/device"
	"github.com/23skdu/longbow-dropout/internal/network"
)

func TestDropoutFlightServer_Exchange(t *testing.T) {
	backend := device.NewCPUBackend()
	layer, err := network.ParseSpec("[Dr0.5Dr0.5]", 3)
	require.NoError(t, err)

	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewDropoutFlightServer(layer, backend))
	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	defer server.Shutdown()

	fc, err := client.NewFlightClient(server.Addr().String())
	require.NoError(t, err)
	defer fc.Close()

	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildRecordBatch(client.Column{
		Name: client.FeaturesColumn,
		Data: network.NewIOFromData(backend, 2, 3, []float32{1, 1, 1, 1, 1, 1}),
	})
	require.NoError(t, err)
	defer rec.Release()

	out, err := fc.Exchange(context.Background(), layer.Spec(), rec)
	require.NoError(t, err)
	require.Len(t, out, 1)
	defer out[0].Release()

	got, err := client.FeaturesFromRecord(backend, out[0], client.FeaturesColumn)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Width())
	for i, v := range got.ToHost() {
		// Two stacked 0.5 dropouts leave 0 or 1*2*2.
		assert.Contains(t, []float32{0, 4}, v, "index %d", i)
	}

	_, err = fc.Exchange(context.Background(), "Dr0.1", rec)
	assert.Error(t, err)
}
