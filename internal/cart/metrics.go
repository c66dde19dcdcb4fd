package cart

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const metricNamespace = "github.com/hanko-field/cartsync/internal/cart"

type source string

const (
	sourceNetwork source = "network"
	sourcePeer    source = "peer"
)

type metrics struct {
	adopted   metric.Int64Counter
	discarded metric.Int64Counter
	latency   metric.Float64Histogram
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *metrics {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(metricNamespace)
	}
	m := &metrics{}
	var err error
	m.adopted, err = meter.Int64Counter(
		"cartsync.ingest.adopted",
		metric.WithDescription("Snapshots adopted by the staleness gate"),
	)
	if err != nil {
		logger.Warn("cart: unable to register adopted metric", zap.Error(err))
	}
	m.discarded, err = meter.Int64Counter(
		"cartsync.ingest.discarded",
		metric.WithDescription("Snapshots discarded as not newer than the held one"),
	)
	if err != nil {
		logger.Warn("cart: unable to register discarded metric", zap.Error(err))
	}
	m.latency, err = meter.Float64Histogram(
		"cartsync.refetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds of cart refetches"),
	)
	if err != nil {
		logger.Warn("cart: unable to register refetch latency metric", zap.Error(err))
	}
	return m
}

func (m *metrics) recordIngest(ctx context.Context, src source, adopted bool) {
	counter := m.discarded
	if adopted {
		counter = m.adopted
	}
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("source", string(src))))
}

func (m *metrics) recordRefetch(ctx context.Context, start time.Time, err error) {
	if m.latency == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)
	m.latency.Record(ctx, elapsed, metric.WithAttributes(attribute.String("outcome", outcome)))
}
