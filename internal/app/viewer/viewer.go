package viewer

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/volsurface/internal/app/surface"
	"github.com/coachpo/volsurface/internal/infra/logging"
	"github.com/coachpo/volsurface/internal/infra/telemetry"
)

const (
	defaultRefreshInterval = 500 * time.Millisecond
	defaultMinPoints       = 10
)

// Publisher receives every freshly built frame.
type Publisher interface {
	Publish(ctx context.Context, frame Frame) error
}

// Options configures a Viewer.
type Options struct {
	RefreshInterval time.Duration
	// MinPoints is the point count a surface must exceed before a frame is built.
	MinPoints int
	Publisher Publisher
	Clock     func() time.Time
}

// Viewer periodically renders the live surface into frames. While the view is locked the last
// frame is kept and only its lock marker changes.
type Viewer struct {
	source    surface.SurfaceSource
	state     *State
	interval  time.Duration
	minPoints int
	publisher Publisher
	clock     func() time.Time
	log       *logrus.Entry

	mu     sync.RWMutex
	latest *Frame

	refreshes metric.Int64Counter
}

// New constructs a viewer over source.
func New(source surface.SurfaceSource, state *State, opts Options, log *logrus.Entry) *Viewer {
	if state == nil {
		state = NewState()
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = defaultRefreshInterval
	}
	if opts.MinPoints <= 0 {
		opts.MinPoints = defaultMinPoints
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if log == nil {
		log = logging.Discard()
	}
	v := &Viewer{
		source:    source,
		state:     state,
		interval:  opts.RefreshInterval,
		minPoints: opts.MinPoints,
		publisher: opts.Publisher,
		clock:     opts.Clock,
		log:       log,
	}
	meter := otel.Meter("viewer")
	v.refreshes, _ = meter.Int64Counter("viewer.refresh.count",
		metric.WithDescription("Viewer refresh outcomes"),
		metric.WithUnit("{refresh}"))
	return v
}

// State exposes the interactive view state.
func (v *Viewer) State() *State {
	return v.state
}

// Source exposes the live surface the viewer renders.
func (v *Viewer) Source() surface.SurfaceSource {
	return v.source
}

// Run refreshes on every interval until ctx is cancelled.
func (v *Viewer) Run(ctx context.Context) error {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	v.log.WithField("interval", v.interval).Info("viewer loop started")
	for {
		select {
		case <-ctx.Done():
			v.log.Info("viewer loop stopped")
			return nil
		case <-ticker.C:
			v.Refresh(ctx)
		}
	}
}

// Refresh builds a new frame unless the view is locked or the surface is too sparse. It reports
// whether a new frame was produced.
func (v *Viewer) Refresh(ctx context.Context) bool {
	if v.source == nil {
		return false
	}
	locked := v.state.Locked()
	note := v.state.Note()

	if locked {
		v.mu.Lock()
		if v.latest != nil {
			// The held grid stays put; only the clock and lock marker move.
			now := v.clock()
			held := *v.latest
			held.Locked = true
			held.Note = note
			held.GeneratedAt = now
			held.Title = frameTitle(now, held.Points, true)
			v.latest = &held
		}
		v.mu.Unlock()
		v.record(ctx, "locked")
		return false
	}

	snap := v.source.CurrentSurface()
	if snap.Len() <= v.minPoints {
		v.record(ctx, "sparse")
		return false
	}
	frame := BuildFrame(snap, false, note, v.clock())

	v.mu.Lock()
	v.latest = &frame
	v.mu.Unlock()
	v.record(ctx, telemetry.ResultSuccess)

	if v.publisher != nil {
		if err := v.publisher.Publish(ctx, frame); err != nil {
			v.log.WithError(err).Warn("frame publish failed")
		}
	}
	return true
}

// Latest returns the most recent frame, if any has been built.
func (v *Viewer) Latest() (Frame, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.latest == nil {
		return Frame{}, false
	}
	return *v.latest, true
}

func (v *Viewer) record(ctx context.Context, result string) {
	if v.refreshes == nil {
		return
	}
	v.refreshes.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrResult.String(result)))
}
