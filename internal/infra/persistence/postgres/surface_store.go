package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/volsurface/errs"
	"github.com/coachpo/volsurface/internal/domain/schema"
	"github.com/coachpo/volsurface/internal/domain/surfacestore"
)

const (
	snapshotInsertSQL = `
INSERT INTO surface_snapshots (
    symbol,
    underlying_con_id,
    spot_price,
    note,
    captured_at
)
VALUES (
    @symbol,
    @con_id,
    @spot,
    @note,
    COALESCE(@captured_at::timestamptz, NOW())
)
RETURNING snapshot_id;
`

	snapshotSelectBase = `
SELECT
    s.snapshot_id,
    s.symbol,
    s.underlying_con_id,
    s.spot_price,
    s.note,
    s.captured_at,
    (SELECT COUNT(*) FROM surface_data_points d WHERE d.snapshot_id = s.snapshot_id)
FROM surface_snapshots s
`

	dataPointsSelectSQL = `
SELECT expiration, strike, implied_vol, option_type
FROM surface_data_points
WHERE snapshot_id = $1
ORDER BY expiration, strike, option_type;
`

	noteUpdateSQL = `UPDATE surface_snapshots SET note = $2 WHERE snapshot_id = $1;`

	snapshotDeleteSQL = `DELETE FROM surface_snapshots WHERE snapshot_id = $1;`

	defaultSnapshotLimit = 10
	maxSnapshotLimit     = 500
)

var dataPointColumns = []string{"snapshot_id", "expiration", "strike", "implied_vol", "option_type"}

// SurfaceStore persists volatility surface snapshots and their data points.
type SurfaceStore struct {
	pool *pgxpool.Pool
}

var _ surfacestore.Store = (*SurfaceStore)(nil)

// NewSurfaceStore constructs a SurfaceStore backed by the provided pool.
func NewSurfaceStore(pool *pgxpool.Pool) *SurfaceStore {
	return &SurfaceStore{pool: pool}
}

type surfaceTx struct {
	tx pgx.Tx
}

func (s *SurfaceStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("surface store: nil pool")
	}
	return s.pool, nil
}

// WithTransaction runs fn inside a read-committed transaction on one pooled connection. The
// connection returns to the pool on commit, rollback or panic.
func (s *SurfaceStore) WithTransaction(ctx context.Context, fn func(context.Context, surfacestore.Tx) error) error {
	if fn == nil {
		return fmt.Errorf("surface store: transaction callback required")
	}
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("surface store: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
	}()

	if runErr := fn(ctx, &surfaceTx{tx: tx}); runErr != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("surface store: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("surface store: commit tx: %w", err)
	}
	return nil
}

// CreateSnapshot inserts the snapshot header and returns its identifier.
func (t *surfaceTx) CreateSnapshot(ctx context.Context, header surfacestore.Header) (int64, error) {
	symbol := strings.ToUpper(strings.TrimSpace(header.Symbol))
	if symbol == "" {
		return 0, fmt.Errorf("surface store: symbol required")
	}
	var capturedAt *time.Time
	if !header.CapturedAt.IsZero() {
		ts := header.CapturedAt.UTC()
		capturedAt = &ts
	}
	args := pgx.NamedArgs{
		"symbol":      symbol,
		"con_id":      nullableConID(header.ConID),
		"spot":        header.Spot,
		"note":        header.Note,
		"captured_at": capturedAt,
	}
	var id int64
	if err := t.tx.QueryRow(ctx, snapshotInsertSQL, args).Scan(&id); err != nil {
		return 0, fmt.Errorf("surface store: insert snapshot: %w", err)
	}
	return id, nil
}

// BulkInsertDataPoints copies every point into surface_data_points in one round trip.
func (t *surfaceTx) BulkInsertDataPoints(ctx context.Context, snapshotID int64, points []surfacestore.DataPoint) (int64, error) {
	if len(points) == 0 {
		return 0, nil
	}
	rows := make([][]any, 0, len(points))
	for _, p := range points {
		rows = append(rows, []any{snapshotID, p.Expiration, p.Strike, p.ImpliedVol, string(p.Right)})
	}
	copied, err := t.tx.CopyFrom(ctx, pgx.Identifier{"surface_data_points"}, dataPointColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("surface store: copy data points: %w", err)
	}
	return copied, nil
}

// GetSnapshot loads a snapshot header with its point count.
func (s *SurfaceStore) GetSnapshot(ctx context.Context, id int64) (surfacestore.SnapshotRecord, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return surfacestore.SnapshotRecord{}, err
	}
	row := pool.QueryRow(ctx, snapshotSelectBase+" WHERE s.snapshot_id = $1", id)
	record, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return surfacestore.SnapshotRecord{}, notFound(id)
	}
	if err != nil {
		return surfacestore.SnapshotRecord{}, fmt.Errorf("surface store: get snapshot: %w", err)
	}
	return record, nil
}

// RecentSnapshots lists the newest snapshots, optionally filtered by symbol.
func (s *SurfaceStore) RecentSnapshots(ctx context.Context, symbol string, limit int) ([]surfacestore.SnapshotRecord, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit, defaultSnapshotLimit, maxSnapshotLimit)

	builder := strings.Builder{}
	builder.WriteString(snapshotSelectBase)
	args := make([]any, 0, 2)
	argPos := 1
	if trimmed := strings.ToUpper(strings.TrimSpace(symbol)); trimmed != "" {
		fmt.Fprintf(&builder, " WHERE s.symbol = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY s.captured_at DESC, s.snapshot_id DESC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("surface store: list snapshots: %w", err)
	}
	defer rows.Close()

	records := make([]surfacestore.SnapshotRecord, 0, limit)
	for rows.Next() {
		record, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("surface store: scan snapshot: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("surface store: iterate snapshots: %w", err)
	}
	return records, nil
}

// DataPoints loads a snapshot's points ordered by expiration and strike.
func (s *SurfaceStore) DataPoints(ctx context.Context, snapshotID int64) ([]surfacestore.DataPoint, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, dataPointsSelectSQL, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("surface store: list data points: %w", err)
	}
	defer rows.Close()

	points := make([]surfacestore.DataPoint, 0, 64)
	for rows.Next() {
		var (
			point surfacestore.DataPoint
			right string
		)
		if err := rows.Scan(&point.Expiration, &point.Strike, &point.ImpliedVol, &right); err != nil {
			return nil, fmt.Errorf("surface store: scan data point: %w", err)
		}
		point.Expiration = point.Expiration.UTC()
		point.Right = schema.OptionRight(strings.TrimSpace(right))
		points = append(points, point)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("surface store: iterate data points: %w", err)
	}
	return points, nil
}

// UpdateNote replaces a snapshot's note; nil clears it.
func (s *SurfaceStore) UpdateNote(ctx context.Context, id int64, note *string) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, noteUpdateSQL, id, note)
	if err != nil {
		return fmt.Errorf("surface store: update note: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(id)
	}
	return nil
}

// DeleteSnapshot removes a snapshot; its data points cascade.
func (s *SurfaceStore) DeleteSnapshot(ctx context.Context, id int64) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, snapshotDeleteSQL, id)
	if err != nil {
		return fmt.Errorf("surface store: delete snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(id)
	}
	return nil
}

func scanSnapshot(row pgx.Row) (surfacestore.SnapshotRecord, error) {
	var (
		record surfacestore.SnapshotRecord
		conID  *int64
		spot   *float64
		count  int64
	)
	if err := row.Scan(&record.ID, &record.Symbol, &conID, &spot, &record.Note, &record.CapturedAt, &count); err != nil {
		return surfacestore.SnapshotRecord{}, err
	}
	if conID != nil {
		record.ConID = *conID
	}
	if spot != nil {
		record.Spot = *spot
	}
	record.CapturedAt = record.CapturedAt.UTC()
	record.PointCount = int(count)
	return record, nil
}

func nullableConID(id int64) *int64 {
	if id <= 0 {
		return nil
	}
	return &id
}

func notFound(id int64) error {
	return errs.New("postgres/surface", errs.CodeNotFound,
		errs.WithMessage("snapshot not found"),
		errs.WithField("snapshot_id", strconv.FormatInt(id, 10)))
}

func clampLimit(limit, fallback, ceiling int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > ceiling {
		return ceiling
	}
	return limit
}
