package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/x448/float16"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-dropout/internal/cache"
	"github.com/23skdu/longbow-dropout/internal/client"
	"github.com/23skdu/longbow-dropout/internal/device"
	"github.com/23skdu/longbow-dropout/internal/network"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "longbow_dropout_http_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"route", "code"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "longbow_dropout_request_duration_seconds",
		Help:    "Time spent serving requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	passesHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "longbow_dropout_passes_held",
		Help: "Forward passes waiting for their backward request",
	})
)

const arrowStreamType = "application/vnd.apache.arrow.stream"

// FlightClientInterface is the upstream that /forward/arrow results are
// copied to when the server runs with -server.
type FlightClientInterface interface {
	DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error
	Close() error
}

// tensorMessage is the CBOR body of /forward and /backward, in both
// directions. Values travel in Data as float32, or in Half as IEEE 754
// binary16 bits.
type tensorMessage struct {
	PassID   string    `cbor:"pass_id,omitempty"`
	Width    int       `cbor:"width"`
	Features int       `cbor:"features"`
	Data     []float32 `cbor:"data,omitempty"`
	Half     []uint16  `cbor:"half,omitempty"`
}

func (m *tensorMessage) toIO(b device.Backend) (*network.IO, error) {
	if m.Width < 0 || m.Features <= 0 {
		return nil, fmt.Errorf("invalid shape %dx%d", m.Width, m.Features)
	}
	if m.Width > math.MaxInt/m.Features {
		return nil, fmt.Errorf("shape %dx%d is too large", m.Width, m.Features)
	}
	n := m.Width * m.Features
	data := m.Data
	if len(m.Half) > 0 {
		data = make([]float32, len(m.Half))
		for i, bits := range m.Half {
			data[i] = float16.Frombits(bits).Float32()
		}
	}
	if len(data) != n {
		return nil, fmt.Errorf("shape %dx%d needs %d values, got %d", m.Width, m.Features, n, len(data))
	}
	return network.NewIOFromData(b, m.Width, m.Features, data), nil
}

func newTensorMessage(id string, f *network.IO, half bool) tensorMessage {
	m := tensorMessage{PassID: id, Width: f.Width(), Features: f.NumFeatures()}
	data := f.ToHost()
	if !half {
		m.Data = data
		return m
	}
	m.Half = make([]uint16, len(data))
	for i, v := range data {
		m.Half[i] = float16.Fromfloat32(v).Bits()
	}
	return m
}

// Server exposes one layer over HTTP. Every /forward stores its pass until
// the matching /backward takes it.
type Server struct {
	layer        network.Layer
	backend      device.Backend
	scratch      *network.Scratch
	passes       cache.PassStore
	flightClient FlightClientInterface
	datasetName  string
	alloc        memory.Allocator
	builder      *client.RecordBatchBuilder
	sem          *semaphore.Weighted
	maxWeight    int64
	debug        bool
}

// ServerConfig holds the knobs main passes to NewServer.
type ServerConfig struct {
	MaxConcurrent int64
	MaxPasses     int
	DatasetName   string
	Debug         bool
}

func NewServer(layer network.Layer, backend device.Backend, fc FlightClientInterface, cfg ServerConfig) *Server {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1 << 20
	}
	alloc := memory.NewGoAllocator()
	return &Server{
		layer:        layer,
		backend:      backend,
		scratch:      network.NewScratch(backend),
		passes:       cache.NewMapStore(cfg.MaxPasses),
		flightClient: fc,
		datasetName:  cfg.DatasetName,
		alloc:        alloc,
		builder:      client.NewRecordBatchBuilder(alloc),
		sem:          semaphore.NewWeighted(cfg.MaxConcurrent),
		maxWeight:    cfg.MaxConcurrent,
		debug:        cfg.Debug,
	}
}

// Routes returns the HTTP handler tree.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/forward", s.instrument("forward", s.handleForward))
	mux.HandleFunc("/backward", s.instrument("backward", s.handleBackward))
	mux.HandleFunc("/forward/arrow", s.instrument("forward_arrow", s.handleForwardArrow))
	mux.HandleFunc("/spec", s.handleSpec)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, srv *Server) {
	log.Info().Str("addr", addr).Str("spec", srv.layer.Spec()).Msg("Starting Dropout Server")
	if srv.flightClient != nil {
		log.Info().Str("dataset", srv.datasetName).Msg("Forwarding Arrow outputs upstream")
	}

	hs := &http.Server{
		Addr:              addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := hs.ListenAndServe(); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("dropout-server")

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r)
		requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		requestsTotal.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	}
}

// admit blocks until n elements fit under the concurrency budget. Requests
// larger than the whole budget take all of it.
func (s *Server) admit(ctx context.Context, n int) (func(), error) {
	weight := int64(n)
	if weight > s.maxWeight {
		weight = s.maxWeight
	}
	if weight < 1 {
		weight = 1
	}
	if err := s.sem.Acquire(ctx, weight); err != nil {
		return nil, err
	}
	return func() { s.sem.Release(weight) }, nil
}

func layerStatus(err error) int {
	switch {
	case errors.Is(err, network.ErrShapeMismatch), errors.Is(err, network.ErrNilTensor):
		return http.StatusBadRequest
	case errors.Is(err, network.ErrNoForwardPass):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeCBOR(w http.ResponseWriter, v any) {
	data, err := cbor.Marshal(v)
	if err != nil {
		http.Error(w, fmt.Sprintf("encode response: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleForward", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req tensorMessage
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	in, err := req.toIO(s.backend)
	if err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request: %v", err), http.StatusBadRequest)
		return
	}
	span.SetAttributes(
		attribute.Int("width", req.Width),
		attribute.Int("features", req.Features),
	)

	release, err := s.admit(ctx, req.Width*req.Features)
	if err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer release()

	out := &network.IO{}
	pass, err := s.layer.Forward(s.debug, in, nil, s.scratch, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "forward failed")
		http.Error(w, err.Error(), layerStatus(err))
		return
	}

	id := req.PassID
	if id == "" {
		id = uuid.NewString()
	}
	if err := s.passes.Put(id, pass); err != nil {
		log.Warn().Err(err).Int("held", s.passes.Size()).Msg("Dropping forward pass")
		http.Error(w, "Too many pending passes", http.StatusServiceUnavailable)
		return
	}
	passesHeld.Set(float64(s.passes.Size()))
	span.SetAttributes(attribute.String("pass_id", id))

	writeCBOR(w, newTensorMessage(id, out, r.URL.Query().Get("fmt") == "fp16"))
}

func (s *Server) handleBackward(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleBackward", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req tensorMessage
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	if req.PassID == "" {
		http.Error(w, "Bad Request: pass_id is required", http.StatusBadRequest)
		return
	}
	gradIn, err := req.toIO(s.backend)
	if err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request: %v", err), http.StatusBadRequest)
		return
	}

	pass, ok := s.passes.Take(req.PassID)
	passesHeld.Set(float64(s.passes.Size()))
	if !ok {
		http.Error(w, fmt.Sprintf("Unknown pass %q", req.PassID), http.StatusNotFound)
		return
	}
	span.SetAttributes(attribute.String("pass_id", req.PassID))

	release, err := s.admit(ctx, req.Width*req.Features)
	if err != nil {
		s.restorePass(req.PassID, pass)
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer release()

	gradOut := &network.IO{}
	if err := s.layer.Backward(s.debug, pass, gradIn, s.scratch, gradOut); err != nil {
		// A rejected gradient leaves the pass usable for a corrected retry.
		if layerStatus(err) == http.StatusBadRequest {
			s.restorePass(req.PassID, pass)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "backward failed")
		http.Error(w, err.Error(), layerStatus(err))
		return
	}

	writeCBOR(w, newTensorMessage(req.PassID, gradOut, r.URL.Query().Get("fmt") == "fp16"))
}

// restorePass puts back a pass whose backward request failed before the
// layer consumed it.
func (s *Server) restorePass(id string, pass network.Pass) {
	if err := s.passes.Put(id, pass); err != nil {
		log.Warn().Err(err).Str("pass_id", id).Msg("Could not restore forward pass")
	}
	passesHeld.Set(float64(s.passes.Size()))
}

// handleForwardArrow runs every feature record of an Arrow IPC stream
// through the layer and answers with a stream of output records. Passes
// are not kept, so there is no backward counterpart.
func (s *Server) handleForwardArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleForwardArrow", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	var outputs []arrow.RecordBatch
	defer func() {
		for _, rec := range outputs {
			rec.Release()
		}
	}()

	rows := 0
	for reader.Next() {
		rec := reader.Record()
		if rec.NumRows() == 0 {
			continue
		}
		out, status, err := s.forwardRecord(ctx, rec)
		if err != nil {
			span.RecordError(err)
			http.Error(w, err.Error(), status)
			return
		}
		outputs = append(outputs, out)
		rows += int(rec.NumRows())
	}
	if err := reader.Err(); err != nil {
		log.Error().Err(err).Msg("Error reading Arrow stream")
		http.Error(w, "Stream error", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int("rows", rows))

	w.Header().Set("Content-Type", arrowStreamType)
	w.WriteHeader(http.StatusOK)
	if len(outputs) == 0 {
		return
	}
	writer := ipc.NewWriter(w, ipc.WithSchema(outputs[0].Schema()), ipc.WithAllocator(s.alloc))
	for _, rec := range outputs {
		if err := writer.Write(rec); err != nil {
			log.Error().Err(err).Msg("Error writing Arrow stream")
			break
		}
	}
	if err := writer.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close Arrow writer")
	}
}

func (s *Server) forwardRecord(ctx context.Context, rec arrow.RecordBatch) (arrow.RecordBatch, int, error) {
	in, err := client.FeaturesFromRecord(s.backend, rec, client.FeaturesColumn)
	if err != nil {
		return nil, http.StatusBadRequest, err
	}

	release, err := s.admit(ctx, in.Width()*in.NumFeatures())
	if err != nil {
		return nil, http.StatusServiceUnavailable, err
	}
	out := &network.IO{}
	_, err = s.layer.Forward(s.debug, in, nil, s.scratch, out)
	release()
	if err != nil {
		return nil, layerStatus(err), err
	}

	outRec, err := s.builder.BuildRecordBatch(client.Column{Name: client.FeaturesColumn, Data: out})
	if err != nil {
		return nil, http.StatusInternalServerError, err
	}
	if s.flightClient != nil {
		if err := s.flightClient.DoPut(ctx, s.datasetName, outRec); err != nil {
			log.Error().Err(err).Msg("Error forwarding batch upstream")
		}
	}
	return outRec, http.StatusOK, nil
}

func (s *Server) handleSpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(s.layer.Spec()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
