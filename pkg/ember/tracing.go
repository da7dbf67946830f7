package ember

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "ember"

// startRequestSpan opens a server span for one request with the standard
// HTTP attributes.
func startRequestSpan(ctx context.Context, req *Request) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(
		ctx,
		req.Method+" "+req.URI,
		trace.WithSpanKind(trace.SpanKindServer),
	)
	span.SetAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("http.target", req.URI),
		attribute.String("http.flavor", req.Proto),
	)
	if req.RemoteAddr != nil {
		span.SetAttributes(attribute.String("net.peer.addr", req.RemoteAddr.String()))
	}
	return ctx, span
}

// endRequestSpan records the transmitted status and closes the span.
func endRequestSpan(span trace.Span, status int) {
	if status > 0 {
		span.SetAttributes(attribute.Int("http.status_code", status))
	}
	switch {
	case status >= 500:
		span.SetStatus(codes.Error, "HTTP server error")
	case status == 0:
		span.SetStatus(codes.Error, "no response transmitted")
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
