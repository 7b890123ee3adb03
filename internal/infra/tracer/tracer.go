// Package tracer wires OpenTelemetry for daemon requests and session
// operations. Spans carry the frame correlation id and the session id so a
// request can be followed across the WebSocket.
package tracer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"cvmlink/internal/infra/config"
)

const (
	tracerName  = "cvmlink"
	serviceName = "cvmweb"
)

// Attribute keys set on spans.
const (
	KeyAction        = attribute.Key("rpc.action")
	KeyFrameID       = attribute.Key("rpc.frame_id")
	KeyCode          = attribute.Key("rpc.code")
	KeyRemoteVersion = attribute.Key("daemon.version")
	KeySessionID     = attribute.Key("session.id")
	KeySessionOp     = attribute.Key("session.op")
	KeyVMCP          = attribute.Key("session.vmcp")
)

// Setup installs the tracer provider selected by cfg and returns its
// shutdown function. Disabled tracing and the "noop" exporter install a noop
// provider.
func Setup(ctx context.Context, cfg config.TracerConfig) (func(context.Context) error, error) {
	exporter, err := newExporter(cfg)
	if err != nil {
		return nil, err
	}
	if exporter == nil {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes("", attribute.String("service.name", serviceName))),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// newExporter returns nil when spans should not be exported.
func newExporter(cfg config.TracerConfig) (sdktrace.SpanExporter, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Exporter {
	case "noop", "":
		return nil, nil
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}
}

// StartSpan starts a named span on the package tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartRequest starts the span of one daemon action.
func StartRequest(ctx context.Context, action string) (context.Context, trace.Span) {
	return StartSpan(ctx, "rpc."+action, Action(action))
}

// StartSessionOp starts the span of a lifecycle operation on a session.
func StartSessionOp(ctx context.Context, sessionID, op string) (context.Context, trace.Span) {
	return StartSpan(ctx, "session."+op, Session(sessionID), attribute.String(string(KeySessionOp), op))
}

func Action(action string) attribute.KeyValue { return KeyAction.String(action) }
func Frame(id string) attribute.KeyValue      { return KeyFrameID.String(id) }
func Session(id string) attribute.KeyValue    { return KeySessionID.String(id) }
func VMCP(url string) attribute.KeyValue      { return KeyVMCP.String(url) }
func Version(v string) attribute.KeyValue     { return KeyRemoteVersion.String(v) }

// RecordError records err on the span and marks it failed.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordRemote is RecordError for daemon refusals, adding the numeric code.
func RecordRemote(span trace.Span, err error, code int) {
	span.SetAttributes(KeyCode.Int(code))
	RecordError(span, err)
}

// SetOK marks the span successful.
func SetOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
