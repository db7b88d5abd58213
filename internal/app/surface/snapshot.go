package surface

import (
	"time"

	"github.com/coachpo/volsurface/internal/domain/schema"
)

// BuildSnapshot joins a store reading with the registry into an ordered, immutable surface copy.
// Points whose identifier has no registered leg are skipped.
func BuildSnapshot(symbol string, reading Reading, registry *Registry, capturedAt time.Time) schema.Snapshot {
	points := make([]schema.SnapshotPoint, 0, len(reading.Points))
	for id, point := range reading.Points {
		key, ok := registry.Lookup(id)
		if !ok {
			continue
		}
		points = append(points, schema.SnapshotPoint{Key: key, ImpliedVol: point.ImpliedVol})
	}
	schema.SortPoints(points)
	return schema.Snapshot{
		Symbol:     symbol,
		ConID:      reading.ConID,
		Spot:       reading.Spot,
		CapturedAt: capturedAt.UTC(),
		Points:     points,
	}
}
