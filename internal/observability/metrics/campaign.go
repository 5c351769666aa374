// Package metrics captures low-cardinality campaign counters.
package metrics

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/fx"
)

// CampaignMetrics counts cycle work. The default meter provider is a noop
// until an exporter is installed, so instrumented code never branches on
// whether metrics are enabled.
type CampaignMetrics struct {
	cyclesRun       metric.Int64Counter
	cartsDiscovered metric.Int64Counter
	cartsQueued     metric.Int64Counter
	cartsSuspended  metric.Int64Counter
	callsPlaced     metric.Int64Counter
}

// Config names the meter.
type Config struct {
	ServiceName string
}

func NewCampaignMetrics(cfg Config, provider metric.MeterProvider) (*CampaignMetrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "cartcall"
	}
	meter := provider.Meter(name + "/campaign")

	cyclesRun, err := meter.Int64Counter("campaign.cycles_run")
	if err != nil {
		return nil, err
	}
	cartsDiscovered, err := meter.Int64Counter("campaign.carts_discovered")
	if err != nil {
		return nil, err
	}
	cartsQueued, err := meter.Int64Counter("campaign.carts_queued")
	if err != nil {
		return nil, err
	}
	cartsSuspended, err := meter.Int64Counter("campaign.carts_suspended")
	if err != nil {
		return nil, err
	}
	callsPlaced, err := meter.Int64Counter("campaign.calls_placed")
	if err != nil {
		return nil, err
	}

	return &CampaignMetrics{
		cyclesRun:       cyclesRun,
		cartsDiscovered: cartsDiscovered,
		cartsQueued:     cartsQueued,
		cartsSuspended:  cartsSuspended,
		callsPlaced:     callsPlaced,
	}, nil
}

func (m *CampaignMetrics) IncCycle(ctx context.Context, component string) {
	if m == nil {
		return
	}
	m.cyclesRun.Add(ctx, 1, metric.WithAttributes(attribute.String("component", component)))
}

func (m *CampaignMetrics) AddDiscovered(ctx context.Context, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.cartsDiscovered.Add(ctx, count)
}

func (m *CampaignMetrics) IncQueued(ctx context.Context) {
	if m == nil {
		return
	}
	m.cartsQueued.Add(ctx, 1)
}

func (m *CampaignMetrics) IncSuspended(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.cartsSuspended.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *CampaignMetrics) IncCallPlaced(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.callsPlaced.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

var Module = fx.Module("observability.metrics",
	fx.Provide(func() Config { return Config{ServiceName: "cartcall"} }),
	fx.Provide(func() metric.MeterProvider { return otel.GetMeterProvider() }),
	fx.Provide(NewCampaignMetrics),
)
