package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	expansionRuns      metric.Int64Counter
	recurrencesScanned metric.Int64Counter
	billingEvents      metric.Int64Counter
	cursorAdvances     metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "renovo"
	}
	meter := provider.Meter(name)

	expansionRuns, err := meter.Int64Counter("renovo_expansion_runs_total")
	if err != nil {
		return nil, err
	}
	recurrencesScanned, err := meter.Int64Counter("renovo_recurrences_scanned_total")
	if err != nil {
		return nil, err
	}
	billingEvents, err := meter.Int64Counter("renovo_billing_events_total")
	if err != nil {
		return nil, err
	}
	cursorAdvances, err := meter.Int64Counter("renovo_cursor_advances_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		expansionRuns:      expansionRuns,
		recurrencesScanned: recurrencesScanned,
		billingEvents:      billingEvents,
		cursorAdvances:     cursorAdvances,
	}, nil
}

// RecordExpansionRun increments run counts by strategy and outcome.
func (m *Metrics) RecordExpansionRun(ctx context.Context, strategy, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("strategy", strings.TrimSpace(strategy)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.expansionRuns.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRecurrencesScanned adds scanned candidate counts.
func (m *Metrics) RecordRecurrencesScanned(ctx context.Context, strategy string, count int64) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("strategy", strings.TrimSpace(strategy)))
	m.recurrencesScanned.Add(ctx, count, metric.WithAttributes(attrs...))
}

// RecordBillingEvents adds materialized event counts by TLD and mode.
func (m *Metrics) RecordBillingEvents(ctx context.Context, tld, mode string, count int64) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(
		attribute.String("tld", strings.TrimSpace(tld)),
		attribute.String("mode", strings.TrimSpace(mode)),
	)
	m.billingEvents.Add(ctx, count, metric.WithAttributes(attrs...))
}

// RecordCursorAdvance increments checkpoint advance counts.
func (m *Metrics) RecordCursorAdvance(ctx context.Context) {
	if m == nil {
		return
	}
	m.cursorAdvances.Add(ctx, 1)
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"strategy":    {},
	"outcome":     {},
	"mode":        {},
	"tld":         {},
	"reason":      {},
	"endpoint":    {},
	"status_code": {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
