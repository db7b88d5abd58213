package surface

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/volsurface/errs"
	"github.com/coachpo/volsurface/internal/domain/schema"
	"github.com/coachpo/volsurface/internal/domain/surfacestore"
	"github.com/coachpo/volsurface/internal/infra/logging"
	"github.com/coachpo/volsurface/internal/infra/telemetry"
)

const maxRecentSnapshots = 500

// SurfaceSource yields the live surface.
type SurfaceSource interface {
	CurrentSurface() schema.Snapshot
}

// SaveResult describes a persisted snapshot.
type SaveResult struct {
	SnapshotID int64 `json:"snapshotId"`
	Inserted   int64 `json:"inserted"`
}

// SnapshotDetail is a stored snapshot with its ordered data points.
type SnapshotDetail struct {
	surfacestore.SnapshotRecord
	Points []surfacestore.DataPoint `json:"points"`
}

// Writer persists finished surface snapshots and manages the stored archive.
type Writer struct {
	store surfacestore.Store
	log   *logrus.Entry

	savesCounter metric.Int64Counter
	saveDuration metric.Float64Histogram
}

// NewWriter constructs a snapshot writer over store.
func NewWriter(store surfacestore.Store, log *logrus.Entry) *Writer {
	if log == nil {
		log = logging.Discard()
	}
	writer := &Writer{store: store, log: log}
	meter := otel.Meter("surface.writer")
	writer.savesCounter, _ = meter.Int64Counter("snapshot.save.count",
		metric.WithDescription("Snapshot save attempts"),
		metric.WithUnit("{snapshot}"))
	writer.saveDuration, _ = meter.Float64Histogram("snapshot.save.duration",
		metric.WithDescription("Snapshot save duration"),
		metric.WithUnit("ms"))
	return writer
}

// SaveCurrent reads the live surface from src and persists it.
func (w *Writer) SaveCurrent(ctx context.Context, src SurfaceSource, note *string) (SaveResult, error) {
	if src == nil {
		return SaveResult{}, errs.New("surface/writer", errs.CodeUnavailable, errs.WithMessage("no live surface"))
	}
	return w.Save(ctx, src.CurrentSurface(), note)
}

// Save writes the snapshot header and every point in one transaction. Any failure rolls the
// whole unit back and surfaces a persistence_failure; the live surface is never touched.
func (w *Writer) Save(ctx context.Context, snap schema.Snapshot, note *string) (SaveResult, error) {
	if w.store == nil {
		return SaveResult{}, errs.New("surface/writer", errs.CodeUnavailable, errs.WithMessage("snapshot store not configured"))
	}
	if strings.TrimSpace(snap.Symbol) == "" {
		return SaveResult{}, errs.New("surface/writer", errs.CodeInvalid, errs.WithMessage("snapshot symbol required"))
	}
	points, err := DataPointsFor(snap)
	if err != nil {
		return SaveResult{}, err
	}
	header := surfacestore.Header{
		Symbol:     snap.Symbol,
		ConID:      snap.ConID,
		Spot:       snap.Spot,
		Note:       normaliseNote(note),
		CapturedAt: snap.CapturedAt,
	}

	started := time.Now()
	var result SaveResult
	err = w.store.WithTransaction(ctx, func(ctx context.Context, tx surfacestore.Tx) error {
		id, err := tx.CreateSnapshot(ctx, header)
		if err != nil {
			return fmt.Errorf("create snapshot: %w", err)
		}
		inserted, err := tx.BulkInsertDataPoints(ctx, id, points)
		if err != nil {
			return fmt.Errorf("insert data points: %w", err)
		}
		result = SaveResult{SnapshotID: id, Inserted: inserted}
		return nil
	})
	w.observe(ctx, snap.Symbol, started, err)
	if err != nil {
		w.log.WithError(err).WithField("points", len(points)).Warn("snapshot save rolled back")
		return SaveResult{}, errs.New("surface/writer", errs.CodePersistence,
			errs.WithMessage("snapshot save failed"),
			errs.WithField("symbol", snap.Symbol),
			errs.WithField("points", strconv.Itoa(len(points))),
			errs.WithCause(err))
	}
	w.log.WithFields(logrus.Fields{"snapshot_id": result.SnapshotID, "inserted": result.Inserted}).Info("snapshot saved")
	return result, nil
}

// Recent lists the newest snapshots for symbol.
func (w *Writer) Recent(ctx context.Context, symbol string, limit int) ([]surfacestore.SnapshotRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > maxRecentSnapshots {
		limit = maxRecentSnapshots
	}
	records, err := w.store.RecentSnapshots(ctx, strings.ToUpper(strings.TrimSpace(symbol)), limit)
	if err != nil {
		return nil, fmt.Errorf("recent snapshots: %w", err)
	}
	return records, nil
}

// Detail loads a snapshot and its data points ordered by expiration and strike.
func (w *Writer) Detail(ctx context.Context, id int64) (SnapshotDetail, error) {
	record, err := w.store.GetSnapshot(ctx, id)
	if err != nil {
		return SnapshotDetail{}, fmt.Errorf("get snapshot %d: %w", id, err)
	}
	points, err := w.store.DataPoints(ctx, id)
	if err != nil {
		return SnapshotDetail{}, fmt.Errorf("snapshot %d data points: %w", id, err)
	}
	return SnapshotDetail{SnapshotRecord: record, Points: points}, nil
}

// UpdateNote replaces the note on a stored snapshot; an empty note clears it.
func (w *Writer) UpdateNote(ctx context.Context, id int64, note *string) error {
	if err := w.store.UpdateNote(ctx, id, normaliseNote(note)); err != nil {
		return fmt.Errorf("update snapshot %d note: %w", id, err)
	}
	return nil
}

// Delete removes a stored snapshot and its data points.
func (w *Writer) Delete(ctx context.Context, id int64) error {
	if err := w.store.DeleteSnapshot(ctx, id); err != nil {
		return fmt.Errorf("delete snapshot %d: %w", id, err)
	}
	return nil
}

// DataPointsFor converts snapshot points into persistence rows.
func DataPointsFor(snap schema.Snapshot) ([]surfacestore.DataPoint, error) {
	points := make([]surfacestore.DataPoint, 0, len(snap.Points))
	for _, p := range snap.Points {
		if err := p.Key.Validate(); err != nil {
			return nil, errs.New("surface/writer", errs.CodeInvalid,
				errs.WithMessage("invalid snapshot point"),
				errs.WithField("contract", p.Key.String()),
				errs.WithCause(err))
		}
		expiration, _ := schema.ParseExpiration(p.Key.Expiration)
		points = append(points, surfacestore.DataPoint{
			Expiration: expiration,
			Strike:     p.Key.Strike,
			ImpliedVol: p.ImpliedVol,
			Right:      p.Key.Right,
		})
	}
	return points, nil
}

func normaliseNote(note *string) *string {
	if note == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*note)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func (w *Writer) observe(ctx context.Context, symbol string, started time.Time, err error) {
	result := telemetry.ResultSuccess
	if err != nil {
		result = telemetry.ResultFailure
	}
	attrs := metric.WithAttributes(telemetry.OperationResultAttributes(telemetry.Environment(), symbol, "save", result)...)
	ctx = context.WithoutCancel(ctx)
	if w.savesCounter != nil {
		w.savesCounter.Add(ctx, 1, attrs)
	}
	if w.saveDuration != nil {
		w.saveDuration.Record(ctx, float64(time.Since(started).Microseconds())/1000, attrs)
	}
}
