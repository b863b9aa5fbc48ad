// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/gatepass/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials"
)

const (
	exportTimeout         = 30 * time.Second
	defaultExportInterval = 10 * time.Second
)

// Resource attribute keys describing a gatewatch deployment.
const (
	BackendKey           = attribute.Key("gatewatch.backend")
	SubscriptionCountKey = attribute.Key("gatewatch.subscriptions.count")
	SubscriptionNamesKey = attribute.Key("gatewatch.subscriptions.names")
)

// Deployment describes the running process. It is attached to every span
// and metric as resource attributes.
type Deployment struct {
	InstanceID    string
	Backend       string
	Subscriptions []string
}

// Telemetry owns the tracer and meter providers of a gatewatch process.
// With telemetry disabled both providers are noops, so callers never need
// nil checks.
type Telemetry struct {
	tracers  trace.TracerProvider
	meters   metric.MeterProvider
	resource *resource.Resource
	shutdown []func(context.Context) error
}

// Setup builds the providers selected by cfg, registers them as the
// global providers and returns them.
func Setup(ctx context.Context, cfg config.OtelConfig, d Deployment) (*Telemetry, error) {
	res, err := newResource(ctx, cfg, d)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	t := &Telemetry{
		tracers:  tracenoop.NewTracerProvider(),
		meters:   metricnoop.NewMeterProvider(),
		resource: res,
	}

	if cfg.TracesEnabled {
		tp, err := newTracerProvider(ctx, cfg, res)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer provider: %w", err)
		}
		t.tracers = tp
		t.shutdown = append(t.shutdown, tp.Shutdown)
	}

	if cfg.MetricsEnabled {
		mp, err := newMeterProvider(ctx, cfg, res)
		if err != nil {
			_ = t.Shutdown(ctx)
			return nil, fmt.Errorf("failed to initialize meter provider: %w", err)
		}
		t.meters = mp
		t.shutdown = append(t.shutdown, mp.Shutdown)
	}

	otel.SetTracerProvider(t.tracers)
	otel.SetMeterProvider(t.meters)
	return t, nil
}

// Tracer returns a named tracer from the configured provider.
func (t *Telemetry) Tracer(name string) trace.Tracer {
	return t.tracers.Tracer(name)
}

// MeterProvider returns the configured meter provider.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meters
}

// Resource returns the resource attached to exported telemetry.
func (t *Telemetry) Resource() *resource.Resource {
	return t.resource
}

// Observer returns channel metrics on the configured meter provider.
func (t *Telemetry) Observer() (*Metrics, error) {
	return NewMetrics(t.meters)
}

// Shutdown flushes and stops every provider. It may be called more than
// once.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	fns := t.shutdown
	t.shutdown = nil

	var errs []error
	for i := len(fns) - 1; i >= 0; i-- {
		if err := fns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newResource(ctx context.Context, cfg config.OtelConfig, d Deployment) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		semconv.ServiceInstanceIDKey.String(d.InstanceID),
		SubscriptionCountKey.Int(len(d.Subscriptions)),
	}
	if d.Backend != "" {
		attrs = append(attrs, BackendKey.String(d.Backend))
	}
	if len(d.Subscriptions) > 0 {
		attrs = append(attrs, SubscriptionNamesKey.StringSlice(d.Subscriptions))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

// transportCredentials returns nil for a plaintext collector connection.
func transportCredentials(cfg config.OtelConfig) (credentials.TransportCredentials, error) {
	if cfg.Insecure {
		return nil, nil
	}
	if cfg.CAFile == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	creds, err := credentials.NewClientTLSFromFile(cfg.CAFile, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load collector CA: %w", err)
	}
	return creds, nil
}

func newTracerProvider(ctx context.Context, cfg config.OtelConfig, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	creds, err := transportCredentials(cfg)
	if err != nil {
		return nil, err
	}
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithTimeout(exportTimeout),
	}
	if creds == nil {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(creds))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TraceSampleRate))),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(128),
			sdktrace.WithBatchTimeout(2*time.Second),
		),
	), nil
}

func newMeterProvider(ctx context.Context, cfg config.OtelConfig, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	creds, err := transportCredentials(cfg)
	if err != nil {
		return nil, err
	}
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithTimeout(exportTimeout),
	}
	if creds == nil {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	} else {
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(creds))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlpmetricgrpc.WithHeaders(cfg.Headers))
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = defaultExportInterval
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	), nil
}
