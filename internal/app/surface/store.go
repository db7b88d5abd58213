package surface

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/volsurface/internal/domain/schema"
)

// Store is the concurrently updated projection of the latest surface.
// Unrelated request identifiers never contend beyond the shared map lookup; updates to one
// identifier are serialized by its entry mutex.
type Store struct {
	mu      sync.RWMutex
	entries map[schema.RequestID]*entry

	spotBits atomic.Uint64
	conID    atomic.Int64
	resolved atomic.Bool
	chain    atomic.Pointer[schema.ChainDefinition]

	now func() time.Time
}

type entry struct {
	mu    sync.Mutex
	point schema.Point
}

// Reading is a copy of the store taken by ReadAll; callers own it.
type Reading struct {
	Points   map[schema.RequestID]schema.Point
	Spot     float64
	ConID    int64
	Resolved bool
}

// NewStore constructs an empty surface store.
func NewStore() *Store {
	store := new(Store)
	store.entries = make(map[schema.RequestID]*entry)
	store.now = time.Now
	return store
}

// UpdateVol stores iv for id, last write wins. Non-finite or negative values are dropped.
func (s *Store) UpdateVol(id schema.RequestID, iv float64) bool {
	if math.IsNaN(iv) || math.IsInf(iv, 0) || iv < 0 {
		return false
	}
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		e, ok = s.entries[id]
		if !ok {
			// Published fully built so readers never see an empty point.
			s.entries[id] = &entry{point: schema.Point{ID: id, ImpliedVol: iv, UpdatedAt: s.now()}}
			s.mu.Unlock()
			return true
		}
		s.mu.Unlock()
	}

	e.mu.Lock()
	e.point = schema.Point{ID: id, ImpliedVol: iv, UpdatedAt: s.now()}
	e.mu.Unlock()
	return true
}

// UpdateSpot overwrites the spot price when price is positive.
func (s *Store) UpdateSpot(price float64) bool {
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return false
	}
	s.spotBits.Store(math.Float64bits(price))
	return true
}

// Spot returns the latest accepted spot price, or zero.
func (s *Store) Spot() float64 {
	return math.Float64frombits(s.spotBits.Load())
}

// SetInstrumentID records the underlying's canonical identifier, overwriting any previous value.
func (s *Store) SetInstrumentID(conID int64) {
	s.conID.Store(conID)
	s.resolved.Store(true)
}

// InstrumentID returns the resolved identifier and whether resolution has happened.
func (s *Store) InstrumentID() (int64, bool) {
	return s.conID.Load(), s.resolved.Load()
}

// Instrument returns the underlying's state.
func (s *Store) Instrument() schema.InstrumentState {
	return schema.InstrumentState{
		ConID:    s.conID.Load(),
		Spot:     s.Spot(),
		Resolved: s.resolved.Load(),
	}
}

// SetChain replaces the stored chain definition after normalising it.
func (s *Store) SetChain(def schema.ChainDefinition) schema.ChainDefinition {
	normalised := normaliseChain(def.Route, def.Expirations, def.Strikes)
	s.chain.Store(&normalised)
	return normalised.Clone()
}

// MergeChain unions def into the stored definition, keeping both sequences strictly ascending.
func (s *Store) MergeChain(def schema.ChainDefinition) schema.ChainDefinition {
	for {
		current := s.chain.Load()
		var merged schema.ChainDefinition
		if current == nil {
			merged = normaliseChain(def.Route, def.Expirations, def.Strikes)
		} else {
			exps := append(append([]string(nil), current.Expirations...), def.Expirations...)
			strikes := append(append([]float64(nil), current.Strikes...), def.Strikes...)
			merged = normaliseChain(current.Route, exps, strikes)
		}
		if s.chain.CompareAndSwap(current, &merged) {
			return merged.Clone()
		}
	}
}

// Chain returns a copy of the stored chain definition.
func (s *Store) Chain() (schema.ChainDefinition, bool) {
	current := s.chain.Load()
	if current == nil {
		return schema.ChainDefinition{}, false
	}
	return current.Clone(), true
}

// Len reports the number of identifiers holding a value.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// ReadAll copies every point together with the instrument state. The returned map is owned by the caller.
func (s *Store) ReadAll() Reading {
	s.mu.RLock()
	snapshot := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		snapshot = append(snapshot, e)
	}
	s.mu.RUnlock()

	points := make(map[schema.RequestID]schema.Point, len(snapshot))
	for _, e := range snapshot {
		e.mu.Lock()
		p := e.point
		e.mu.Unlock()
		points[p.ID] = p
	}
	state := s.Instrument()
	return Reading{
		Points:   points,
		Spot:     state.Spot,
		ConID:    state.ConID,
		Resolved: state.Resolved,
	}
}

func normaliseChain(route string, expirations []string, strikes []float64) schema.ChainDefinition {
	exps := make([]string, 0, len(expirations))
	seenExp := make(map[string]struct{}, len(expirations))
	for _, exp := range expirations {
		if _, err := schema.ParseExpiration(exp); err != nil {
			continue
		}
		if _, ok := seenExp[exp]; ok {
			continue
		}
		seenExp[exp] = struct{}{}
		exps = append(exps, exp)
	}
	sort.Strings(exps)

	// Strikes dedupe on their rounded decimal form.
	out := make([]float64, 0, len(strikes))
	seenStrike := make(map[string]struct{}, len(strikes))
	for _, strike := range strikes {
		if math.IsNaN(strike) || math.IsInf(strike, 0) || strike <= 0 {
			continue
		}
		canonical := StrikeKey(strike)
		if _, ok := seenStrike[canonical]; ok {
			continue
		}
		seenStrike[canonical] = struct{}{}
		out = append(out, strike)
	}
	sort.Float64s(out)
	return schema.ChainDefinition{Route: route, Expirations: exps, Strikes: out}
}

// StrikeKey canonicalises a strike price to at most six decimal places.
func StrikeKey(strike float64) string {
	return decimal.NewFromFloat(strike).Round(6).String()
}
