// Package viewer turns the live surface into renderable frames and owns the interactive view state.
package viewer

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/coachpo/volsurface/internal/app/surface"
	"github.com/coachpo/volsurface/internal/domain/schema"
)

const lockedSuffix = " [LOCKED]"

// Frame is one rendered view of the surface: an expiration by strike grid plus the front-month skew.
// Grid cells that cannot be filled are nil.
type Frame struct {
	Symbol      string       `json:"symbol"`
	Title       string       `json:"title"`
	GeneratedAt time.Time    `json:"generatedAt"`
	CapturedAt  time.Time    `json:"capturedAt"`
	Points      int          `json:"points"`
	Locked      bool         `json:"locked"`
	Note        string       `json:"note,omitempty"`
	Spot        float64      `json:"spot"`
	Expirations []string     `json:"expirations"`
	Strikes     []float64    `json:"strikes"`
	Grid        [][]*float64 `json:"grid"`
	Skew        Skew         `json:"skew"`
}

// Skew is the nearest expiration's volatility by strike with the spot marker.
type Skew struct {
	Expiration string     `json:"expiration"`
	Strikes    []float64  `json:"strikes"`
	Vols       []*float64 `json:"vols"`
	Spot       float64    `json:"spot"`
}

func frameTitle(now time.Time, points int, locked bool) string {
	title := fmt.Sprintf("Live Vol Surface | %s | %d pts", now.Format("15:04:05"), points)
	if locked {
		title += lockedSuffix
	}
	return title
}

// BuildFrame pivots snap into a grid, fills gaps along the expiration axis and extracts the
// front-month skew.
func BuildFrame(snap schema.Snapshot, locked bool, note string, now time.Time) Frame {
	expirations, strikes, grid := pivot(snap.Points)
	fillColumns(grid)

	frame := Frame{
		Symbol:      snap.Symbol,
		GeneratedAt: now,
		CapturedAt:  snap.CapturedAt,
		Points:      len(snap.Points),
		Locked:      locked,
		Note:        note,
		Spot:        snap.Spot,
		Expirations: expirations,
		Strikes:     strikes,
		Grid:        toCells(grid),
	}
	frame.Title = frameTitle(now, frame.Points, locked)
	if len(expirations) > 0 {
		frame.Skew = Skew{
			Expiration: expirations[0],
			Strikes:    strikes,
			Vols:       frame.Grid[0],
			Spot:       snap.Spot,
		}
	}
	return frame
}

// pivot averages duplicate cells and sorts both axes ascending.
func pivot(points []schema.SnapshotPoint) ([]string, []float64, [][]float64) {
	type cell struct {
		sum   float64
		count int
	}
	expIndex := make(map[string]struct{})
	strikeByKey := make(map[string]float64)
	cells := make(map[string]map[string]*cell)
	for _, p := range points {
		exp := p.Key.Expiration
		strikeKey := surface.StrikeKey(p.Key.Strike)
		expIndex[exp] = struct{}{}
		strikeByKey[strikeKey] = p.Key.Strike
		row, ok := cells[exp]
		if !ok {
			row = make(map[string]*cell)
			cells[exp] = row
		}
		c, ok := row[strikeKey]
		if !ok {
			c = &cell{}
			row[strikeKey] = c
		}
		c.sum += p.ImpliedVol
		c.count++
	}

	expirations := make([]string, 0, len(expIndex))
	for exp := range expIndex {
		expirations = append(expirations, exp)
	}
	sort.Strings(expirations)
	strikeKeys := make([]string, 0, len(strikeByKey))
	for key := range strikeByKey {
		strikeKeys = append(strikeKeys, key)
	}
	sort.Slice(strikeKeys, func(i, j int) bool { return strikeByKey[strikeKeys[i]] < strikeByKey[strikeKeys[j]] })
	strikes := make([]float64, len(strikeKeys))
	for i, key := range strikeKeys {
		strikes[i] = strikeByKey[key]
	}

	grid := make([][]float64, len(expirations))
	for i, exp := range expirations {
		grid[i] = make([]float64, len(strikes))
		for j, key := range strikeKeys {
			if c, ok := cells[exp][key]; ok {
				grid[i][j] = c.sum / float64(c.count)
			} else {
				grid[i][j] = math.NaN()
			}
		}
	}
	return expirations, strikes, grid
}

// fillColumns linearly interpolates interior gaps of each strike column by row position, then
// back-fills leading gaps and forward-fills trailing ones. All-empty columns stay empty.
func fillColumns(grid [][]float64) {
	if len(grid) == 0 {
		return
	}
	rows, cols := len(grid), len(grid[0])
	for j := 0; j < cols; j++ {
		prev := -1
		for i := 0; i < rows; i++ {
			if math.IsNaN(grid[i][j]) {
				continue
			}
			if prev >= 0 && i-prev > 1 {
				lo, hi := grid[prev][j], grid[i][j]
				span := float64(i - prev)
				for k := prev + 1; k < i; k++ {
					grid[k][j] = lo + (hi-lo)*float64(k-prev)/span
				}
			}
			prev = i
		}
		if prev < 0 {
			continue
		}
		first := -1
		for i := 0; i < rows; i++ {
			if !math.IsNaN(grid[i][j]) {
				first = i
				break
			}
		}
		for i := 0; i < first; i++ {
			grid[i][j] = grid[first][j]
		}
		for i := prev + 1; i < rows; i++ {
			grid[i][j] = grid[prev][j]
		}
	}
}

func toCells(grid [][]float64) [][]*float64 {
	out := make([][]*float64, len(grid))
	for i, row := range grid {
		out[i] = make([]*float64, len(row))
		for j, v := range row {
			if math.IsNaN(v) {
				continue
			}
			value := v
			out[i][j] = &value
		}
	}
	return out
}
