package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lvwf1/hvtsim/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// TracerName is the instrumentation scope of the scenario pipeline spans.
const TracerName = "github.com/lvwf1/hvtsim"

// Span attribute keys shared by every pipeline stage.
const (
	StageKey    = attribute.Key("hvt.stage")
	ScenarioKey = attribute.Key("hvt.scenario")
)

// Exporter names accepted in TracingConfig.Exporter.
const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// ErrTracingConfig is wrapped by every tracing configuration error.
var ErrTracingConfig = errors.New("invalid tracing configuration")

// TracingConfig says whether the stages of a scenario run are traced and
// where their spans go.
type TracingConfig struct {
	Enabled     bool
	Exporter    string    // ExporterStdout or ExporterOTLP
	Endpoint    string    // OTLP collector, host:port
	SampleRatio float64   // fraction of runs traced
	Writer      io.Writer // stdout exporter destination, defaults to stderr

	// Scenario names the run on every span through the resource.
	Scenario string
}

// TracingConfigFromEnv reads HVT_TRACING_ENABLED, HVT_TRACING_EXPORTER,
// HVT_TRACING_SAMPLE_RATIO and HVT_OTLP_ENDPOINT. Malformed values are
// reported rather than replaced by defaults.
func TracingConfigFromEnv() (TracingConfig, error) {
	cfg := TracingConfig{
		Enabled:     strings.EqualFold(os.Getenv("HVT_TRACING_ENABLED"), "true"),
		Exporter:    strings.ToLower(os.Getenv("HVT_TRACING_EXPORTER")),
		Endpoint:    os.Getenv("HVT_OTLP_ENDPOINT"),
		SampleRatio: 1.0,
	}
	if cfg.Exporter == "" {
		cfg.Exporter = ExporterStdout
	}

	var errs []error
	if raw := os.Getenv("HVT_TRACING_SAMPLE_RATIO"); raw != "" {
		ratio, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("HVT_TRACING_SAMPLE_RATIO %q: %w", raw, err))
		} else {
			cfg.SampleRatio = ratio
		}
	}
	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return cfg, errors.Join(errs...)
	}
	return cfg, nil
}

// Validate checks the exporter name and the sample ratio.
func (cfg TracingConfig) Validate() error {
	var errs []error
	switch cfg.Exporter {
	case ExporterStdout, ExporterOTLP:
	default:
		errs = append(errs, fmt.Errorf("%w: exporter %q", ErrTracingConfig, cfg.Exporter))
	}
	if !(cfg.SampleRatio >= 0 && cfg.SampleRatio <= 1) {
		errs = append(errs, fmt.Errorf("%w: sample ratio %v outside [0,1]", ErrTracingConfig, cfg.SampleRatio))
	}
	return errors.Join(errs...)
}

// InitTracing installs the global tracer provider for one run and returns
// the function that flushes its spans. A disabled config installs a noop
// provider, so StartStage costs nothing.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	log = logging.OrNoop(log)

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", "hvtsim"),
		ScenarioKey.String(cfg.Scenario),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRatio)),
		sdktrace.WithResource(res),
	}
	switch cfg.Exporter {
	case ExporterStdout:
		// spans are written as each stage ends, interleaved with the logs
		w := cfg.Writer
		if w == nil {
			w = os.Stderr
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithoutTimestamps())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithSyncer(exp))
	case ExporterOTLP:
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		exp, err := otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		))
		if err != nil {
			return nil, fmt.Errorf("otlp exporter %s: %w", endpoint, err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("scenario", cfg.Scenario),
		logging.Float64("sample_ratio", cfg.SampleRatio),
	)
	return tp.Shutdown, nil
}

// Tracer returns the tracer used for pipeline spans.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartStage opens the span of one pipeline stage, tagged with StageKey.
func StartStage(ctx context.Context, stage string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append([]attribute.KeyValue{StageKey.String(stage)}, attrs...)
	return Tracer().Start(ctx, stage, trace.WithAttributes(attrs...))
}

// ShutdownWithTimeout flushes spans, giving up after five seconds. Failures
// are logged only: a run's results do not depend on its spans.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logging.OrNoop(log).Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
