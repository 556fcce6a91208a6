// Package observability wires OpenTelemetry tracing and metrics for the controller and worker.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics installs the global meter provider backed by a Prometheus exporter.
// It returns the handler to mount on /metrics.
func InitMetrics(ctx context.Context, serviceName string) (http.Handler, ShutdownFunc, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res, err := serviceResource(ctx, serviceName)
	if err != nil {
		return nil, nil, err
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(exporter),
		metric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}
