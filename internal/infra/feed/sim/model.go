package sim

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/volsurface/internal/domain/schema"
)

// market holds the random walk of the underlying and the volatility smile.
type market struct {
	mu   sync.Mutex
	rng  *rand.Rand
	spot float64
	opts Options
}

func newMarket(opts Options) *market {
	seed := uint64(opts.Seed)
	return &market{
		rng:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		spot: opts.Spot,
		opts: opts,
	}
}

func (m *market) step() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	shock := m.rng.NormFloat64() * defaultPriceDrift
	m.spot = roundCents(m.spot * math.Exp(shock))
	return m.spot
}

func (m *market) currentSpot() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spot
}

func (m *market) noise(scale float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (m.rng.Float64()*2 - 1) * scale
}

// impliedVol prices the smile as a quadratic in log-moneyness with a term-structure factor.
func (m *market) impliedVol(key schema.ContractKey, now time.Time) float64 {
	spot := m.currentSpot()
	moneyness := math.Log(key.Strike / spot)
	days := 30.0
	if exp, err := schema.ParseExpiration(key.Expiration); err == nil {
		days = math.Max(exp.Sub(now.UTC().Truncate(24*time.Hour)).Hours()/24, 1)
	}
	term := 1 + 0.08*math.Sqrt(30/days)
	iv := m.opts.BaseVol*term + m.opts.Skew*moneyness + m.opts.Smile*moneyness*moneyness
	if key.Right == schema.Put {
		iv += 0.004
	}
	iv += m.noise(0.002)
	return math.Max(iv, 0.01)
}

// strikeLadder centres StrikeCount strikes on spot, snapped to StrikeStep.
func strikeLadder(spot, step float64, count int) []float64 {
	stepDec := decimal.NewFromFloat(step)
	centre := decimal.NewFromFloat(spot).Div(stepDec).Round(0).Mul(stepDec)
	half := count / 2
	strikes := make([]float64, 0, count)
	for i := -half; len(strikes) < count; i++ {
		strike := centre.Add(stepDec.Mul(decimal.NewFromInt(int64(i))))
		if !strike.IsPositive() {
			continue
		}
		value, _ := strike.Float64()
		strikes = append(strikes, value)
	}
	return strikes
}

// fridayExpirations lists the next n Fridays on or after today as YYYYMMDD strings.
func fridayExpirations(today time.Time, n int) []string {
	day := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)
	for day.Weekday() != time.Friday {
		day = day.AddDate(0, 0, 1)
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, schema.FormatExpiration(day))
		day = day.AddDate(0, 0, 7)
	}
	return out
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
