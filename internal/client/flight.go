package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// FlightClient talks to a dropout server over Apache Arrow Flight. Calls
// fail fast with ErrCircuitOpen after repeated transport errors.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	breaker *CircuitBreaker
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	client := flight.NewClientFromConn(conn, nil)
	return &FlightClient{
		client:  client,
		conn:    conn,
		breaker: NewCircuitBreaker(5, 10*time.Second),
	}, nil
}

// Breaker exposes the client's circuit breaker.
func (c *FlightClient) Breaker() *CircuitBreaker { return c.breaker }

// Exchange streams rec to the server's DoExchange endpoint and collects the
// records it answers with. cmd travels as the flight descriptor command and
// may be empty. The caller releases the returned records.
func (c *FlightClient) Exchange(ctx context.Context, cmd string, rec arrow.RecordBatch) ([]arrow.RecordBatch, error) {
	if !c.breaker.Allow() {
		return nil, ErrCircuitOpen
	}
	out, err := c.exchange(ctx, cmd, rec)
	if err != nil {
		c.breaker.Failure()
		log.Warn().Err(err).Str("breaker", c.breaker.State().String()).Msg("Flight exchange failed")
		return nil, err
	}
	c.breaker.Success()
	return out, nil
}

func (c *FlightClient) exchange(ctx context.Context, cmd string, rec arrow.RecordBatch) ([]arrow.RecordBatch, error) {
	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, fmt.Errorf("open exchange: %w", err)
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorCMD,
		Cmd:  []byte(cmd),
	})
	if err := writer.Write(rec); err != nil {
		return nil, fmt.Errorf("send record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("close send: %w", err)
	}

	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("open reader: %w", err)
	}
	defer reader.Release()

	var out []arrow.RecordBatch
	for reader.Next() {
		r := reader.Record()
		r.Retain()
		out = append(out, r)
	}
	if err := reader.Err(); err != nil {
		for _, r := range out {
			r.Release()
		}
		return nil, err
	}
	return out, nil
}

// DoPut uploads a RecordBatch under the given dataset path.
func (c *FlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	if !c.breaker.Allow() {
		return ErrCircuitOpen
	}
	err := c.doPut(ctx, datasetName, record)
	if err != nil {
		c.breaker.Failure()
		return err
	}
	c.breaker.Success()
	return nil
}

func (c *FlightClient) doPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(record.Schema()))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{datasetName},
	})
	if err := writer.Write(record); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	// Drain acknowledgements until the server ends the call.
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
