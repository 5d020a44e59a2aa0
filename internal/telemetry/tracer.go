// Package telemetry sets up tracing and the Prometheus metrics the gateway
// exports.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// TracerName names the tracer used for pipeline spans.
const TracerName = "provisioning-gateway"

// TracerOptions configures InitTracer.
type TracerOptions struct {
	// Exporter is "stdout" or "none".
	Exporter    string
	ServiceName string
	// Writer receives stdout spans; nil means os.Stdout.
	Writer io.Writer
}

// InitTracer installs the global tracer provider and returns its shutdown
// function. With exporter "none" spans are still created but never exported.
func InitTracer(opts TracerOptions, logger *slog.Logger) (func(context.Context) error, error) {
	var exporterOpts []stdouttrace.Option
	switch opts.Exporter {
	case "none":
		return func(context.Context) error { return nil }, nil
	case "", "stdout":
		w := opts.Writer
		if w == nil {
			w = os.Stdout
		}
		exporterOpts = append(exporterOpts, stdouttrace.WithWriter(w))
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", opts.Exporter)
	}

	exporter, err := stdouttrace.New(exporterOpts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(opts.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("OpenTelemetry initialized",
		slog.String("service", opts.ServiceName),
		slog.String("exporter", "stdout"),
	)
	return tp.Shutdown, nil
}
