package internal

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"runtime/trace"

	"go.opentelemetry.io/contrib/propagators/jaeger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	otrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "receipt-sync"

// Span is both a runtime/trace region, for `go tool trace`, and an OTLP span.
type Span struct {
	region *trace.Region
	span   otrace.Span
}

func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	region := trace.StartRegion(ctx, name)
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	return ctx, &Span{region: region, span: span}
}

// StartRoomSpan is StartSpan for work on a single room.
func StartRoomSpan(ctx context.Context, name, roomID string) (context.Context, *Span) {
	ctx, s := StartSpan(ctx, name)
	s.span.SetAttributes(attribute.String("room_id", roomID))
	return ctx, s
}

func (s *Span) End() {
	s.region.End()
	s.span.End()
}

// Outcome records what happened to a room's receipts.
func (s *Span) Outcome(ctx context.Context, outcome string, numChanged int) {
	trace.Logf(ctx, "receipts", "%s: %d changed", outcome, numChanged)
	s.span.SetAttributes(
		attribute.String("outcome", outcome),
		attribute.Int("num_changed", numChanged),
	)
}

// Fail marks the span as errored.
func (s *Span) Fail(err error) {
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func basicAuthHeader(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

// ConfigureOTLP exports spans over HTTP to the collector at otlpURL, which must be a bare
// scheme://host[:port]. An http:// URL is sent without TLS.
func ConfigureOTLP(otlpURL, otlpUser, otlpPass, version string) error {
	u, err := url.Parse(otlpURL)
	if err != nil {
		return fmt.Errorf("bad OTLP URL: %w", err)
	}
	if u.Path != "" && u.Path != "/" {
		return fmt.Errorf("OTLP URL %s must not have a path", otlpURL)
	}
	insecure := u.Scheme == "http"
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(u.Host)}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if otlpUser != "" && otlpPass != "" {
		opts = append(opts, otlptracehttp.WithHeaders(map[string]string{
			"Authorization": basicAuthHeader(otlpUser, otlpPass),
		}))
	}
	exp, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
	if err != nil {
		return fmt.Errorf("failed to create OTLP exporter: %w", err)
	}
	logger.Info().Str("host", u.Host).Bool("insecure", insecure).Msg("exporting traces")

	otel.SetTracerProvider(tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(tracerName),
			semconv.ServiceVersion(version),
		)),
	))
	// jaeger's uber-trace-id as well as W3C traceparent
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.Baggage{}, propagation.TraceContext{}, jaeger.Jaeger{},
	))
	return nil
}
