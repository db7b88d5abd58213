package surface

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// GateName identifies a rendezvous gate.
type GateName string

const (
	// InstrumentResolved fires once the underlying's canonical identifier is known.
	InstrumentResolved GateName = "instrument_resolved"
	// ChainResolved fires once the primary route's option chain is stored.
	ChainResolved GateName = "chain_resolved"
)

// WaitResult reports how a gate wait ended.
type WaitResult int

const (
	// TimedOut means the budget elapsed (or the context ended) before the gate fired.
	TimedOut WaitResult = iota
	// Signaled means the gate has fired.
	Signaled
)

func (r WaitResult) String() string {
	if r == Signaled {
		return "signaled"
	}
	return "timed_out"
}

// Gate is a one-shot signal. Once fired it stays fired.
type Gate struct {
	once sync.Once
	done chan struct{}
}

func newGate() *Gate {
	return &Gate{once: sync.Once{}, done: make(chan struct{})}
}

// Signal fires the gate; repeated calls are no-ops.
func (g *Gate) Signal() {
	g.once.Do(func() { close(g.done) })
}

// Done returns a channel closed when the gate fires.
func (g *Gate) Done() <-chan struct{} {
	return g.done
}

// Fired reports whether the gate has been signaled, without blocking.
func (g *Gate) Fired() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the gate fires, timeout elapses or ctx ends. A zero timeout probes without blocking.
func (g *Gate) Wait(ctx context.Context, timeout time.Duration) WaitResult {
	if g.Fired() {
		return Signaled
	}
	if timeout <= 0 {
		return TimedOut
	}
	if ctx == nil {
		ctx = context.Background()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-g.done:
		return Signaled
	case <-timer.C:
		return TimedOut
	case <-ctx.Done():
		return TimedOut
	}
}

// Gates holds the session's named rendezvous gates.
type Gates struct {
	gates map[GateName]*Gate
}

// NewGates constructs the instrument and chain gates, unsignaled.
func NewGates() *Gates {
	return &Gates{gates: map[GateName]*Gate{
		InstrumentResolved: newGate(),
		ChainResolved:      newGate(),
	}}
}

// Gate returns the named gate.
func (g *Gates) Gate(name GateName) (*Gate, error) {
	gate, ok := g.gates[name]
	if !ok {
		return nil, fmt.Errorf("unknown gate %q", name)
	}
	return gate, nil
}

// Signal fires the named gate. Unknown names are ignored.
func (g *Gates) Signal(name GateName) {
	if gate, ok := g.gates[name]; ok {
		gate.Signal()
	}
}

// Wait waits on the named gate. Unknown names time out immediately.
func (g *Gates) Wait(ctx context.Context, name GateName, timeout time.Duration) WaitResult {
	gate, ok := g.gates[name]
	if !ok {
		return TimedOut
	}
	return gate.Wait(ctx, timeout)
}

// Fired reports whether the named gate has been signaled.
func (g *Gates) Fired(name GateName) bool {
	gate, ok := g.gates[name]
	return ok && gate.Fired()
}
