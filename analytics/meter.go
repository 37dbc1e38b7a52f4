package analytics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const namespace = "cardreader"

var _ Tracker = (*MeterTracker)(nil)

// MeterTracker counts analytics events with an OpenTelemetry counter.
// Properties are not exported as attributes to keep cardinality bounded.
type MeterTracker struct {
	events metric.Int64Counter
}

func MeterTrackerNew(mp metric.MeterProvider) (*MeterTracker, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	events, err := meter.Int64Counter(
		"card_reader_events_total",
		metric.WithDescription("Total number of card reader analytics events"),
	)
	if err != nil {
		return nil, err
	}

	return &MeterTracker{events: events}, nil
}

func (t *MeterTracker) Track(stat Stat, properties Properties) {
	t.events.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("stat", string(stat)),
		attribute.Bool("error", false),
	))
}

func (t *MeterTracker) TrackError(stat Stat, err error) {
	t.events.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("stat", string(stat)),
		attribute.Bool("error", true),
	))
}
