package schema

import (
	"sort"
	"time"
)

// SnapshotPoint pairs a contract with its implied volatility at capture time.
type SnapshotPoint struct {
	Key        ContractKey `json:"key"`
	ImpliedVol float64     `json:"impliedVol"`
}

// Snapshot is an immutable point-in-time copy of the surface.
type Snapshot struct {
	Symbol     string          `json:"symbol"`
	ConID      int64           `json:"conId"`
	Spot       float64         `json:"spot"`
	CapturedAt time.Time       `json:"capturedAt"`
	Points     []SnapshotPoint `json:"points"`
}

// Len returns the number of surface points captured.
func (s Snapshot) Len() int {
	return len(s.Points)
}

// Expirations returns the distinct expirations present, ascending.
func (s Snapshot) Expirations() []string {
	seen := make(map[string]struct{}, len(s.Points))
	out := make([]string, 0, len(s.Points))
	for _, p := range s.Points {
		if _, ok := seen[p.Key.Expiration]; ok {
			continue
		}
		seen[p.Key.Expiration] = struct{}{}
		out = append(out, p.Key.Expiration)
	}
	sort.Strings(out)
	return out
}

// SortPoints orders points by expiration, strike, then right.
func SortPoints(points []SnapshotPoint) {
	sort.Slice(points, func(i, j int) bool {
		a, b := points[i].Key, points[j].Key
		if a.Expiration != b.Expiration {
			return a.Expiration < b.Expiration
		}
		if a.Strike != b.Strike {
			return a.Strike < b.Strike
		}
		return a.Right < b.Right
	})
}
