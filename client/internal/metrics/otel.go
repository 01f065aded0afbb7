package metrics

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// otelMetrics is the OpenTelemetry implementation of UpdateMetrics
type otelMetrics struct {
	reader        *sdkmetric.ManualReader
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter

	registrations   metric.Int64Counter
	revalidations   metric.Int64Counter
	updatesDetected metric.Int64Counter
	activations     metric.Int64Counter
	reloads         metric.Int64Counter
}

func newOtelMetrics() metricsImplementation {
	reader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	otel.SetMeterProvider(meterProvider)

	meter := meterProvider.Meter("swupdate.client")

	registrations, err := meter.Int64Counter(
		"swupdate_registrations_total",
		metric.WithDescription("Attempts to acquire the background agent registration by result"),
	)
	if err != nil {
		return &noopMetrics{}
	}

	revalidations, err := meter.Int64Counter(
		"swupdate_revalidations_total",
		metric.WithDescription("Update checks issued against the server by source and outcome"),
	)
	if err != nil {
		return &noopMetrics{}
	}

	updatesDetected, err := meter.Int64Counter(
		"swupdate_updates_detected_total",
		metric.WithDescription("Waiting candidates that superseded a running controller"),
	)
	if err != nil {
		return &noopMetrics{}
	}

	activations, err := meter.Int64Counter(
		"swupdate_activations_total",
		metric.WithDescription("Activation messages sent to waiting candidates"),
	)
	if err != nil {
		return &noopMetrics{}
	}

	reloads, err := meter.Int64Counter(
		"swupdate_reloads_total",
		metric.WithDescription("Full reloads performed after a controller handoff"),
	)
	if err != nil {
		return &noopMetrics{}
	}

	return &otelMetrics{
		reader:          reader,
		meterProvider:   meterProvider,
		meter:           meter,
		registrations:   registrations,
		revalidations:   revalidations,
		updatesDetected: updatesDetected,
		activations:     activations,
		reloads:         reloads,
	}
}

func (m *otelMetrics) RecordRegistration(ctx context.Context, result RegistrationResult) {
	m.registrations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", string(result))))
}

func (m *otelMetrics) RecordRevalidation(ctx context.Context, source RevalidationSource, failed bool) {
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	m.revalidations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", string(source)),
		attribute.String("outcome", outcome),
	))
}

func (m *otelMetrics) RecordUpdateDetected(ctx context.Context) {
	m.updatesDetected.Add(ctx, 1)
}

func (m *otelMetrics) RecordActivation(ctx context.Context, reload bool) {
	m.activations.Add(ctx, 1, metric.WithAttributes(attribute.Bool("reload", reload)))
}

func (m *otelMetrics) RecordReload(ctx context.Context) {
	m.reloads.Add(ctx, 1)
}

// Export writes metrics in Prometheus text format
func (m *otelMetrics) Export(w io.Writer) error {
	if m.reader == nil {
		return fmt.Errorf("metrics reader not initialized")
	}

	var rm metricdata.ResourceMetrics
	if err := m.reader.Collect(context.Background(), &rm); err != nil {
		return fmt.Errorf("failed to collect metrics: %w", err)
	}

	for _, sm := range rm.ScopeMetrics {
		for _, mt := range sm.Metrics {
			sum, ok := mt.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}

			if _, err := fmt.Fprintf(w, "# HELP %s %s\n", mt.Name, mt.Description); err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "# TYPE %s counter\n", mt.Name); err != nil {
				return err
			}

			for _, dp := range sum.DataPoints {
				labels := formatLabels(dp.Attributes.ToSlice())
				if _, err := fmt.Fprintf(w, "%s%s %d\n", mt.Name, labels, dp.Value); err != nil {
					return err
				}
			}

			if _, err := fmt.Fprintf(w, "\n"); err != nil {
				return err
			}
		}
	}

	return nil
}

func formatLabels(attrs []attribute.KeyValue) string {
	if len(attrs) == 0 {
		return ""
	}

	parts := make([]string, 0, len(attrs))
	for _, attr := range attrs {
		parts = append(parts, fmt.Sprintf("%s=\"%s\"", attr.Key, attr.Value.Emit()))
	}
	return "{" + strings.Join(parts, ",") + "}"
}
