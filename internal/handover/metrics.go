// ABOUTME: OpenTelemetry counters for ownership transitions, conflicts and suppressed replies
// ABOUTME: A nil meter yields no-op instruments

package handover

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the handover instruments.
type Metrics struct {
	Transitions     metric.Int64Counter
	Conflicts       metric.Int64Counter
	Suppressed      metric.Int64Counter
	StoreErrors     metric.Int64Counter
	PublishFailures metric.Int64Counter
}

// NewMetrics creates all instruments from meter. A nil meter yields no-op instruments.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("handover")
	}
	m := &Metrics{}
	var err error

	m.Transitions, err = meter.Int64Counter("handover.transitions",
		metric.WithDescription("Committed ownership transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.Conflicts, err = meter.Int64Counter("handover.conflicts",
		metric.WithDescription("Transitions rejected because another writer committed first"),
	)
	if err != nil {
		return nil, err
	}

	m.Suppressed, err = meter.Int64Counter("handover.agent.suppressed",
		metric.WithDescription("Agent replies suppressed because an operator owns the conversation"),
	)
	if err != nil {
		return nil, err
	}

	m.StoreErrors, err = meter.Int64Counter("handover.store.errors",
		metric.WithDescription("Operations that failed because the store was unavailable"),
	)
	if err != nil {
		return nil, err
	}

	m.PublishFailures, err = meter.Int64Counter("handover.publish.failures",
		metric.WithDescription("Snapshots that could not be handed to a publisher"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) observe(ctx context.Context, kind EventKind, outcome string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("event", string(kind)))
	switch outcome {
	case outcomeCommitted:
		m.Transitions.Add(ctx, 1, attrs)
	case outcomeConflict:
		m.Conflicts.Add(ctx, 1, attrs)
	case outcomeSuppressed:
		m.Suppressed.Add(ctx, 1)
	case outcomeStoreError:
		m.StoreErrors.Add(ctx, 1, attrs)
	}
}

// eventRead labels store failures outside a transition.
const eventRead EventKind = "read"

const (
	outcomeCommitted  = "committed"
	outcomeNoop       = "noop"
	outcomeConflict   = "conflict"
	outcomeSuppressed = "suppressed"
	outcomeInvalid    = "invalid"
	outcomeStoreError = "store_error"
)
