package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-dropout/internal/device"
	"github.com/23skdu/longbow-dropout/internal/network"
)

type mockFlightServer struct {
	flight.BaseFlightServer

	mu              sync.Mutex
	cmd             string
	recordsReceived []arrow.RecordBatch
}

// DoExchange echoes every record back on the same stream.
func (s *mockFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer reader.Release()

	if desc := reader.LatestFlightDescriptor(); desc != nil {
		s.mu.Lock()
		s.cmd = string(desc.Cmd)
		s.mu.Unlock()
	}

	var writer *flight.Writer
	for reader.Next() {
		rec := reader.Record()
		if writer == nil {
			writer = flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
			defer writer.Close()
		}
		if err := writer.Write(rec); err != nil {
			return err
		}
	}
	return reader.Err()
}

func (s *mockFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer reader.Release()

	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		s.mu.Lock()
		s.recordsReceived = append(s.recordsReceived, rec)
		s.mu.Unlock()
	}
	return reader.Err()
}

func startMockServer(t *testing.T) (*mockFlightServer, string) {
	t.Helper()
	mockServer := &mockFlightServer{}
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(mockServer)

	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(server.Shutdown)
	return mockServer, server.Addr().String()
}

func testRecord(t *testing.T) arrow.RecordBatch {
	t.Helper()
	backend := device.NewCPUBackend()
	rb, err := NewRecordBatchBuilder(memory.NewGoAllocator()).BuildRecordBatch(Column{
		Name: FeaturesColumn,
		Data: network.NewIOFromData(backend, 2, 2, []float32{1, 2, 3, 4}),
	})
	require.NoError(t, err)
	return rb
}

func TestFlightClient_Exchange(t *testing.T) {
	mockServer, addr := startMockServer(t)

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()

	rb := testRecord(t)
	defer rb.Release()

	out, err := client.Exchange(context.Background(), "Dr0.5", rb)
	require.NoError(t, err)
	require.Len(t, out, 1)
	defer out[0].Release()

	got, err := FeaturesFromRecord(device.NewCPUBackend(), out[0], FeaturesColumn)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, got.ToHost())

	mockServer.mu.Lock()
	assert.Equal(t, "Dr0.5", mockServer.cmd)
	mockServer.mu.Unlock()
	assert.Equal(t, StateClosed, client.Breaker().State())
}

func TestFlightClient_DoPut(t *testing.T) {
	mockServer, addr := startMockServer(t)

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()

	rb := testRecord(t)
	defer rb.Release()

	require.NoError(t, client.DoPut(context.Background(), "test-dataset", rb))

	mockServer.mu.Lock()
	defer mockServer.mu.Unlock()
	require.Len(t, mockServer.recordsReceived, 1)
	assert.Equal(t, int64(2), mockServer.recordsReceived[0].NumRows())
	mockServer.recordsReceived[0].Release()
}

func TestFlightClient_BreakerOpens(t *testing.T) {
	// Nothing listens on the discard port.
	client, err := NewFlightClient("localhost:9")
	require.NoError(t, err)
	defer client.Close()

	rb := testRecord(t)
	defer rb.Release()

	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err := client.Exchange(ctx, "", rb)
		cancel()
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}

	_, err = client.Exchange(context.Background(), "", rb)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, client.DoPut(context.Background(), "x", rb), ErrCircuitOpen)
	assert.Equal(t, StateOpen, client.Breaker().State())
}
