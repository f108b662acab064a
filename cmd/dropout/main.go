package main

import (
	"context"
	"flag"
	"math/rand/v2"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-dropout/internal/client"
	"github.com/23skdu/longbow-dropout/internal/device"
	"github.com/23skdu/longbow-dropout/internal/network"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

var (
	rate          = flag.Float64("rate", 0.5, "Dropout rate in [0, 1)")
	width         = flag.Int("width", 8, "Time steps in the demo input")
	features      = flag.Int("features", 16, "Features per time step")
	seed          = flag.Uint64("seed", 0, "Mask seed (0 draws from system entropy)")
	specFlag      = flag.String("spec", "", "Layer topology, e.g. [Dr0.5Dr0.2]; overrides -rate")
	savePath      = flag.String("save", "", "Write the layer to this model file")
	loadPath      = flag.String("load", "", "Read the layer from this model file")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	serverAddr    = flag.String("server", "", "Upstream Flight server that receives /forward/arrow outputs")
	datasetName   = flag.String("dataset", "dropout_outputs", "Target dataset name on the upstream server")
	maxConcurrent = flag.Int64("max-concurrent", 1<<22, "Maximum number of feature values processed at once")
	maxPasses     = flag.Int("max-passes", 4096, "Maximum forward passes held for /backward")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	debug         = flag.Bool("debug", false, "Log per-layer debug output")
	arrowOut      = flag.Bool("arrow", false, "Write the demo output and mask to stdout as an Arrow IPC stream")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	layer, err := buildLayer()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build layer")
	}
	log.Info().Str("spec", layer.Spec()).Str("layer", layer.Name()).Msg(layer.DebugDescribe())
	if s, ok := layer.(*network.Series); ok && *debug {
		s.DebugWeights()
	}

	if *savePath != "" {
		if err := network.Save(*savePath, layer); err != nil {
			log.Fatal().Err(err).Msg("Failed to save layer")
		}
		log.Info().Str("path", *savePath).Msg("Saved layer")
	}

	backend := device.NewCPUBackend()
	log.Info().Str("backend", backend.Name()).Msg("Tensor backend ready")

	if *listenAddr != "" {
		var fc FlightClientInterface
		if *serverAddr != "" {
			c, err := client.NewFlightClient(*serverAddr)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to create flight client")
			}
			log.Info().Str("addr", *serverAddr).Msg("Connected to Flight Server")
			fc = c
		}
		srv := NewServer(layer, backend, fc, ServerConfig{
			MaxConcurrent: *maxConcurrent,
			MaxPasses:     *maxPasses,
			DatasetName:   *datasetName,
			Debug:         *debug,
		})
		go startServer(*listenAddr, srv)
		if *flightAddr == "" {
			select {}
		}
	}

	if *flightAddr != "" {
		StartFlightServer(*flightAddr, layer, backend)
		return
	}

	if err := runDemo(layer, backend); err != nil {
		log.Fatal().Err(err).Msg("Demo failed")
	}
}

// buildLayer loads, parses or constructs the layer the flags describe.
func buildLayer() (network.Layer, error) {
	switch {
	case *loadPath != "":
		return network.Load(*loadPath)
	case *specFlag != "":
		return network.ParseSpec(*specFlag, *features)
	}
	var opts []network.DropoutOption
	if *seed != 0 {
		opts = append(opts, network.WithSeed(*seed))
	}
	return network.NewDropoutLayer("dropout", *features, float32(*rate), opts...)
}

// runDemo pushes one random batch through a training step and reports what
// the mask did to it.
func runDemo(layer network.Layer, backend device.Backend) error {
	nf := layer.NumInputs()
	rng := rand.New(rand.NewPCG(*seed, 1))
	data := make([]float32, *width*nf)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	in := network.NewIOFromData(backend, *width, nf, data)

	start := time.Now()
	out := &network.IO{}
	pass, err := layer.Forward(*debug, in, network.Transpose(in), network.NewScratch(backend), out)
	if err != nil {
		return err
	}

	ones := make([]float32, len(data))
	for i := range ones {
		ones[i] = 1
	}
	gradOut := &network.IO{}
	if err := layer.Backward(*debug, pass, network.NewIOFromData(backend, *width, nf, ones), nil, gradOut); err != nil {
		return err
	}
	elapsed := time.Since(start)

	outData := out.ToHost()
	log.Info().
		Int("width", *width).
		Int("features", nf).
		Dur("elapsed", elapsed).
		Float64("mean_in", stat.Mean(widen(data), nil)).
		Float64("mean_out", stat.Mean(widen(outData), nil)).
		Float64("kept_fraction", stat.Mean(widen(gradOut.ToHost()), nil)).
		Msg("Training step")

	if !*arrowOut {
		return nil
	}
	cols := []client.Column{{Name: client.FeaturesColumn, Data: out}}
	if dp, ok := pass.(*network.DropoutPass); ok && dp.Mask() != nil {
		cols = append(cols, client.Column{Name: client.MaskColumn, Data: dp.Mask()})
	}
	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildRecordBatch(cols...)
	if err != nil {
		return err
	}
	defer rec.Release()
	return writeArrowStream(os.Stdout, rec)
}

func widen(xs []float32) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = float64(x)
	}
	return out
}

func writeArrowStream(w *os.File, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("longbow-dropout"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
