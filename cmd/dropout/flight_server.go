package main

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-dropout/internal/client"
	"github.com/23skdu/longbow-dropout/internal/device"
	"github.com/23skdu/longbow-dropout/internal/network"
)

// DropoutFlightServer serves a layer's forward pass over DoExchange.
type DropoutFlightServer struct {
	flight.BaseFlightServer
	layer   network.Layer
	backend device.Backend
	alloc   memory.Allocator
	builder *client.RecordBatchBuilder
}

func NewDropoutFlightServer(layer network.Layer, backend device.Backend) *DropoutFlightServer {
	alloc := memory.NewGoAllocator()
	return &DropoutFlightServer{
		layer:   layer,
		backend: backend,
		alloc:   alloc,
		builder: client.NewRecordBatchBuilder(alloc),
	}
}

// DoExchange reads feature records and writes one dropped-out record back
// for each. A descriptor command, when present, must name the served
// topology.
func (s *DropoutFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	if desc := reader.LatestFlightDescriptor(); desc != nil && len(desc.Cmd) > 0 {
		if want := s.layer.Spec(); string(desc.Cmd) != want {
			return fmt.Errorf("exchange asks for %q, server runs %q", desc.Cmd, want)
		}
	}

	var writer *flight.Writer
	defer func() {
		if writer != nil {
			_ = writer.Close()
		}
	}()

	for reader.Next() {
		rec := reader.Record()
		in, err := client.FeaturesFromRecord(s.backend, rec, client.FeaturesColumn)
		if err != nil {
			return err
		}
		out := &network.IO{}
		if _, err := s.layer.Forward(false, in, nil, nil, out); err != nil {
			return err
		}
		outRec, err := s.builder.BuildRecordBatch(client.Column{Name: client.FeaturesColumn, Data: out})
		if err != nil {
			return err
		}
		if writer == nil {
			writer = flight.NewRecordWriter(stream, ipc.WithSchema(outRec.Schema()), ipc.WithAllocator(s.alloc))
		}
		err = writer.Write(outRec)
		outRec.Release()
		if err != nil {
			return err
		}
	}
	return reader.Err()
}

func (s *DropoutFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	for reader.Next() {
		rec := reader.Record()
		log.Info().Int64("rows", rec.NumRows()).Int64("cols", rec.NumCols()).Msg("DoPut received batch")
	}
	return reader.Err()
}

func StartFlightServer(addr string, layer network.Layer, backend device.Backend) {
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewDropoutFlightServer(layer, backend))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting Dropout Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
