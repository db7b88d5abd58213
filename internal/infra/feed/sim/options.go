package sim

import (
	"strings"
	"time"
)

const (
	defaultConID        = 756733
	defaultSpot         = 100.0
	defaultBaseVol      = 0.2
	defaultSkew         = -0.15
	defaultSmile        = 0.8
	defaultExpirations  = 8
	defaultStrikeStep   = 1.0
	defaultStrikeCount  = 21
	defaultTickInterval = 250 * time.Millisecond
	defaultWorkers      = 4
	defaultPriceDrift   = 0.0004
)

// Options configures the simulated venue.
type Options struct {
	Symbol       string
	ConID        int64
	Spot         float64
	BaseVol      float64
	Skew         float64
	Smile        float64
	Expirations  int
	StrikeStep   float64
	StrikeCount  int
	TickInterval time.Duration
	Workers      int
	// InvalidEvery makes every n-th option computation carry an unusable volatility. Zero disables it.
	InvalidEvery int
	Seed         int64
	// PrimaryRoute is the route advertised with the full chain; secondary routes carry subsets.
	PrimaryRoute    string
	SecondaryRoutes []string
	Clock           func() time.Time
}

func withDefaults(in Options) Options {
	in.Symbol = strings.ToUpper(strings.TrimSpace(in.Symbol))
	if in.ConID <= 0 {
		in.ConID = defaultConID
	}
	if in.Spot <= 0 {
		in.Spot = defaultSpot
	}
	if in.BaseVol <= 0 {
		in.BaseVol = defaultBaseVol
	}
	if in.Skew == 0 {
		in.Skew = defaultSkew
	}
	if in.Smile == 0 {
		in.Smile = defaultSmile
	}
	if in.Expirations <= 0 {
		in.Expirations = defaultExpirations
	}
	if in.StrikeStep <= 0 {
		in.StrikeStep = defaultStrikeStep
	}
	if in.StrikeCount <= 0 {
		in.StrikeCount = defaultStrikeCount
	}
	if in.TickInterval <= 0 {
		in.TickInterval = defaultTickInterval
	}
	if in.Workers <= 0 {
		in.Workers = defaultWorkers
	}
	if in.InvalidEvery < 0 {
		in.InvalidEvery = 0
	}
	if in.Seed == 0 {
		in.Seed = 42
	}
	in.PrimaryRoute = strings.ToUpper(strings.TrimSpace(in.PrimaryRoute))
	if in.PrimaryRoute == "" {
		in.PrimaryRoute = "SMART"
	}
	if in.SecondaryRoutes == nil {
		in.SecondaryRoutes = []string{"CBOE", "AMEX"}
	}
	if in.Clock == nil {
		in.Clock = time.Now
	}
	return in
}
