// Package tracing wires the global OpenTelemetry tracer provider to an
// OTLP gRPC collector. When tracing is disabled the global stays on the
// default no-op provider and span creation elsewhere costs nothing.
package tracing

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/skeinhq/skein/internal/logging"
)

const serviceName = "skein"

// How long exporter setup may take before we give up.
const setupTimeout = 5 * time.Second

// Config holds tracing configuration.
type Config struct {
	Enabled        bool
	Endpoint       string // OTLP gRPC endpoint (e.g. "otel-collector:4317")
	TLSCAPath      string // CA certificate for verifying the collector (optional)
	TLSInsecure    bool   // use TLS but skip certificate verification
	ServiceVersion string // reported as service.version on every span
}

// Provider owns the SDK tracer provider and implements lifecycle.Component
// so spans get flushed on shutdown.
type Provider struct {
	sdk     *sdktrace.TracerProvider
	logger  *logging.Logger
	enabled bool
}

// NewProvider builds the exporter and installs the tracer provider as
// the process-wide default. Instrumented packages pick it up through
// otel.Tracer, nothing else needs a handle on the Provider itself.
func NewProvider(cfg Config) (*Provider, error) {
	logger := logging.GetLogger("tracing")

	if !cfg.Enabled {
		logger.Info("Tracing disabled")
		return &Provider{logger: logger}, nil
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("tracing enabled but endpoint not configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	exporter, err := newExporter(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}

	sdk := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(sdk)

	logger.Info("Tracing initialized with endpoint: %s", cfg.Endpoint)
	return &Provider{sdk: sdk, logger: logger, enabled: true}, nil
}

func newExporter(ctx context.Context, cfg Config, logger *logging.Logger) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}

	creds, err := transportCredentials(cfg, logger)
	if err != nil {
		return nil, err
	}
	if creds == nil {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(creds)))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// transportCredentials decides how the collector connection is secured.
// A nil result with nil error means plaintext gRPC. TLSInsecure wins
// over a configured CA path.
func transportCredentials(cfg Config, logger *logging.Logger) (credentials.TransportCredentials, error) {
	switch {
	case cfg.TLSInsecure:
		logger.Info("Tracing exporter uses TLS without certificate verification")
		return credentials.NewTLS(&tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // explicit opt-in via tracing.tlsInsecure
			MinVersion:         tls.VersionTLS12,
		}), nil
	case cfg.TLSCAPath != "":
		pem, err := os.ReadFile(cfg.TLSCAPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no usable certificates in %s", cfg.TLSCAPath)
		}
		logger.Info("Tracing exporter uses TLS with CA from %s", cfg.TLSCAPath)
		return credentials.NewTLS(&tls.Config{
			RootCAs:    pool,
			MinVersion: tls.VersionTLS12,
		}), nil
	default:
		logger.Info("Tracing exporter uses plaintext gRPC")
		return nil, nil
	}
}

// Start implements lifecycle.Component. Setup already happened in
// NewProvider so there is nothing left to do here.
func (p *Provider) Start(ctx context.Context) error {
	if p.enabled {
		p.logger.Info("Tracing provider started")
	}
	return nil
}

// Stop flushes and shuts down the exporter.
func (p *Provider) Stop(ctx context.Context) error {
	if !p.enabled {
		return nil
	}
	p.logger.Info("Shutting down tracing provider...")
	if err := p.sdk.Shutdown(ctx); err != nil {
		p.logger.Error("Error shutting down tracer provider: %v", err)
		return err
	}
	p.logger.Info("Tracing provider stopped")
	return nil
}

// Name implements lifecycle.Component.
func (p *Provider) Name() string {
	return "Tracing Provider"
}

// IsEnabled reports whether spans are actually exported.
func (p *Provider) IsEnabled() bool {
	return p.enabled
}
