package observability

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/hanko-field/cartsync/internal/platform/requestctx"
)

// Transport wraps an http.RoundTripper with a client span, Cloud Trace header
// propagation, and structured request logging.
type Transport struct {
	base   http.RoundTripper
	logger *zap.Logger
}

// NewTransport constructs a Transport around base, defaulting to http.DefaultTransport.
func NewTransport(base http.RoundTripper, logger *zap.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{base: base, logger: OrNop(logger)}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	target := ""
	if req.URL != nil {
		target = req.URL.String()
	}
	ctx, span := StartClientSpan(req.Context(), req.Method, target)
	defer span.End()

	req = req.Clone(ctx)
	InjectCloudTrace(ctx, req.Header)

	logger := requestctx.Logger(ctx)
	if logger == requestctx.NoopLogger() {
		logger = t.logger
	}
	logger = logger.With(
		zap.String("method", RedactMethod(req.Method)),
		zap.String("url", RedactURL(target)),
		zap.String("trace_id", requestctx.TraceID(ctx)),
	)
	if origin := requestctx.Origin(ctx); origin != "" {
		logger = logger.With(zap.String("origin", origin))
	}

	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	latency := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport failure")
		logger.Warn("request failed", zap.Duration("latency", latency), zap.Error(err))
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	fields := []zap.Field{
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", latency),
	}
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
		logger.Error("request completed", fields...)
	case resp.StatusCode >= http.StatusBadRequest:
		logger.Warn("request completed", fields...)
	default:
		span.SetStatus(codes.Ok, http.StatusText(resp.StatusCode))
		logger.Debug("request completed", fields...)
	}
	return resp, nil
}
