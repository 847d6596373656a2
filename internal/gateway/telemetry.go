// ABOUTME: OpenTelemetry meter provider for the gateway and the /metrics snapshot endpoint
// ABOUTME: Disabled metrics use the no-op provider so instruments cost nothing

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
)

// MeterName is the instrumentation scope for gateway metrics.
const MeterName = "handover-gateway"

type telemetry struct {
	meter    metric.Meter
	provider *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader
}

func newTelemetry(enabled bool) (*telemetry, error) {
	if !enabled {
		return &telemetry{meter: noop.NewMeterProvider().Meter(MeterName)}, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", MeterName),
	))
	if err != nil {
		return nil, err
	}
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	return &telemetry{
		meter:    mp.Meter(MeterName),
		provider: mp,
		reader:   reader,
	}, nil
}

func (t *telemetry) shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// counterPoint is one attribute set of a counter.
type counterPoint struct {
	Attributes map[string]string `json:"attributes,omitempty"`
	Value      int64             `json:"value"`
}

// snapshot collects every int64 counter, keyed by instrument name.
func (t *telemetry) snapshot(ctx context.Context) (map[string][]counterPoint, error) {
	var rm metricdata.ResourceMetrics
	if err := t.reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	out := make(map[string][]counterPoint)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				attrs := make(map[string]string, dp.Attributes.Len())
				for _, kv := range dp.Attributes.ToSlice() {
					attrs[string(kv.Key)] = kv.Value.Emit()
				}
				out[m.Name] = append(out[m.Name], counterPoint{Attributes: attrs, Value: dp.Value})
			}
			sort.Slice(out[m.Name], func(i, j int) bool {
				return out[m.Name][i].Value > out[m.Name][j].Value
			})
		}
	}
	return out, nil
}

// handleMetrics serves the current counter values as JSON.
func (g *Gateway) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := g.telemetry.snapshot(r.Context())
	if err != nil {
		g.logger.Error("collecting metrics", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}
