package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/volsurface/internal/infra/telemetry"
)

type poolGauge struct {
	name        string
	description string
	read        func(*pgxpool.Stat) int64
}

var poolGauges = []poolGauge{
	{"volsurface_db_pool_connections_total", "Total connections (idle + acquired + constructing)",
		func(s *pgxpool.Stat) int64 { return int64(s.TotalConns()) }},
	{"volsurface_db_pool_connections_idle", "Idle connections ready for checkout",
		func(s *pgxpool.Stat) int64 { return int64(s.IdleConns()) }},
	{"volsurface_db_pool_connections_acquired", "Connections currently held by snapshot writers and readers",
		func(s *pgxpool.Stat) int64 { return int64(s.AcquiredConns()) }},
	{"volsurface_db_pool_connections_max", "Configured pool ceiling",
		func(s *pgxpool.Stat) int64 { return int64(s.MaxConns()) }},
	{"volsurface_db_pool_empty_acquire_total", "Acquires that waited because the pool was empty",
		func(s *pgxpool.Stat) int64 { return s.EmptyAcquireCount() }},
}

// ObservePoolMetrics registers observable gauges that report pgx pool health under the given pool name.
// It returns the number of gauges registered.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) int {
	if pool == nil {
		return 0
	}
	normalized := strings.TrimSpace(poolName)
	if normalized == "" {
		normalized = "snapshots"
	}
	attrs := metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("db_pool", normalized),
	)

	meter := otel.Meter("postgres.pool")
	registered := 0
	for _, gauge := range poolGauges {
		read := gauge.read
		_, err := meter.Int64ObservableGauge(gauge.name,
			metric.WithDescription(gauge.description),
			metric.WithUnit("{connection}"),
			metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
				observer.Observe(read(pool.Stat()), attrs)
				return nil
			}),
		)
		if err != nil {
			return registered
		}
		registered++
	}
	return registered
}
