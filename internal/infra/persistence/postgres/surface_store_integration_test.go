package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	dbmigrations "github.com/coachpo/volsurface/db/migrations"
	"github.com/coachpo/volsurface/errs"
	"github.com/coachpo/volsurface/internal/domain/schema"
	"github.com/coachpo/volsurface/internal/domain/surfacestore"
	"github.com/coachpo/volsurface/internal/infra/persistence"
	"github.com/coachpo/volsurface/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/volsurface/internal/infra/persistence/postgres"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration skipped in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "volsurface"},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/volsurface?sslmode=disable", host, port.Port())

	require.NoError(t, migrations.ApplyEmbedded(ctx, dsn, dbmigrations.Files, nil))
	pool, err := persistence.Connect(ctx, persistence.PoolOptions{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func samplePoints() []surfacestore.DataPoint {
	exp := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	return []surfacestore.DataPoint{
		{Expiration: exp, Strike: 101, ImpliedVol: 0.19, Right: schema.Call},
		{Expiration: exp, Strike: 99, ImpliedVol: 0.21, Right: schema.Put},
		{Expiration: exp.AddDate(0, 0, 5), Strike: 100, ImpliedVol: 0.2, Right: schema.Call},
	}
}

func TestSurfaceStoreRoundTrip(t *testing.T) {
	pool := startPostgres(t)
	store := pgstore.New(pool).Surfaces
	ctx := context.Background()
	note := "pre-FOMC"

	var id int64
	err := store.WithTransaction(ctx, func(ctx context.Context, tx surfacestore.Tx) error {
		var err error
		id, err = tx.CreateSnapshot(ctx, surfacestore.Header{Symbol: "spy", ConID: 756733, Spot: 100.5, Note: &note})
		if err != nil {
			return err
		}
		n, err := tx.BulkInsertDataPoints(ctx, id, samplePoints())
		if err != nil {
			return err
		}
		require.Equal(t, int64(3), n)
		return nil
	})
	require.NoError(t, err)

	record, err := store.GetSnapshot(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "SPY", record.Symbol)
	require.Equal(t, int64(756733), record.ConID)
	require.Equal(t, 3, record.PointCount)
	require.Equal(t, "pre-FOMC", *record.Note)
	require.False(t, record.CapturedAt.IsZero())

	points, err := store.DataPoints(ctx, id)
	require.NoError(t, err)
	require.Len(t, points, 3)
	require.Equal(t, 99.0, points[0].Strike)
	require.Equal(t, schema.Put, points[0].Right)
	require.Equal(t, 100.0, points[2].Strike)

	require.NoError(t, store.UpdateNote(ctx, id, nil))
	record, err = store.GetSnapshot(ctx, id)
	require.NoError(t, err)
	require.Nil(t, record.Note)

	recent, err := store.RecentSnapshots(ctx, "SPY", 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)

	require.NoError(t, store.DeleteSnapshot(ctx, id))
	_, err = store.GetSnapshot(ctx, id)
	require.True(t, errs.IsCode(err, errs.CodeNotFound))
	points, err = store.DataPoints(ctx, id)
	require.NoError(t, err)
	require.Empty(t, points)
}

func TestSurfaceStoreRollsBackFailedBatch(t *testing.T) {
	pool := startPostgres(t)
	store := pgstore.NewSurfaceStore(pool)
	ctx := context.Background()

	bad := samplePoints()
	bad[2].ImpliedVol = -1

	err := store.WithTransaction(ctx, func(ctx context.Context, tx surfacestore.Tx) error {
		id, err := tx.CreateSnapshot(ctx, surfacestore.Header{Symbol: "SPY", Spot: 100})
		if err != nil {
			return err
		}
		_, err = tx.BulkInsertDataPoints(ctx, id, bad)
		return err
	})
	require.Error(t, err)

	recent, err := store.RecentSnapshots(ctx, "", 10)
	require.NoError(t, err)
	require.Empty(t, recent)

	var count int
	require.NoError(t, pool.QueryRow(ctx, "SELECT COUNT(*) FROM surface_data_points").Scan(&count))
	require.Zero(t, count)

	sentinel := errors.New("abort")
	err = store.WithTransaction(ctx, func(ctx context.Context, tx surfacestore.Tx) error {
		if _, err := tx.CreateSnapshot(ctx, surfacestore.Header{Symbol: "SPY", Spot: 100}); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	recent, err = store.RecentSnapshots(ctx, "SPY", 10)
	require.NoError(t, err)
	require.Empty(t, recent)
}
