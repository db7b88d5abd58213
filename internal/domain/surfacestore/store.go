// Package surfacestore defines persistence contracts for volatility surface snapshots.
package surfacestore

import (
	"context"
	"time"

	"github.com/coachpo/volsurface/internal/domain/schema"
)

// Header carries the snapshot row written before its data points.
type Header struct {
	Symbol     string    `json:"symbol"`
	ConID      int64     `json:"conId"`
	Spot       float64   `json:"spot"`
	Note       *string   `json:"note,omitempty"`
	CapturedAt time.Time `json:"capturedAt"`
}

// DataPoint is a single persisted surface observation.
type DataPoint struct {
	Expiration time.Time          `json:"expiration"`
	Strike     float64            `json:"strike"`
	ImpliedVol float64            `json:"impliedVol"`
	Right      schema.OptionRight `json:"right"`
}

// SnapshotRecord represents a stored snapshot header enriched with its identifier and size.
type SnapshotRecord struct {
	ID int64 `json:"id"`
	Header
	PointCount int `json:"pointCount"`
}

// Tx encapsulates snapshot persistence operations executed within a single transaction.
type Tx interface {
	CreateSnapshot(ctx context.Context, header Header) (int64, error)
	BulkInsertDataPoints(ctx context.Context, snapshotID int64, points []DataPoint) (int64, error)
}

// Store defines the contract for snapshot persistence operations.
type Store interface {
	WithTransaction(ctx context.Context, fn func(context.Context, Tx) error) error
	GetSnapshot(ctx context.Context, id int64) (SnapshotRecord, error)
	RecentSnapshots(ctx context.Context, symbol string, limit int) ([]SnapshotRecord, error)
	DataPoints(ctx context.Context, snapshotID int64) ([]DataPoint, error)
	UpdateNote(ctx context.Context, id int64, note *string) error
	DeleteSnapshot(ctx context.Context, id int64) error
}
