package surface

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/volsurface/errs"
	"github.com/coachpo/volsurface/internal/domain/feed"
	"github.com/coachpo/volsurface/internal/domain/schema"
	"github.com/coachpo/volsurface/internal/infra/logging"
	"github.com/coachpo/volsurface/internal/infra/telemetry"
)

// SessionConfig controls how a session resolves the underlying and subscribes to its option legs.
type SessionConfig struct {
	Symbol             string
	Exchange           string
	Currency           string
	ResolveTimeout     time.Duration
	ChainTimeout       time.Duration
	SpotPollInterval   time.Duration
	SpotPollAttempts   int
	MaxExpirations     int
	StrikeBand         float64
	OptionGenericTicks string
	RequestsPerSecond  float64
	Sink               SinkConfig
}

// DefaultSessionConfig returns the bootstrap settings used for a SMART-routed US equity.
func DefaultSessionConfig(symbol string) SessionConfig {
	return SessionConfig{
		Symbol:             symbol,
		Exchange:           "SMART",
		Currency:           "USD",
		ResolveTimeout:     5 * time.Second,
		ChainTimeout:       5 * time.Second,
		SpotPollInterval:   100 * time.Millisecond,
		SpotPollAttempts:   50,
		MaxExpirations:     6,
		StrikeBand:         DefaultStrikeBand,
		OptionGenericTicks: "106",
		RequestsPerSecond:  10,
		Sink:               DefaultSinkConfig(),
	}
}

func (c *SessionConfig) applyDefaults() {
	defaults := DefaultSessionConfig(c.Symbol)
	if strings.TrimSpace(c.Exchange) == "" {
		c.Exchange = defaults.Exchange
	}
	if strings.TrimSpace(c.Currency) == "" {
		c.Currency = defaults.Currency
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = defaults.ResolveTimeout
	}
	if c.ChainTimeout <= 0 {
		c.ChainTimeout = defaults.ChainTimeout
	}
	if c.SpotPollInterval <= 0 {
		c.SpotPollInterval = defaults.SpotPollInterval
	}
	if c.SpotPollAttempts <= 0 {
		c.SpotPollAttempts = defaults.SpotPollAttempts
	}
	if c.MaxExpirations <= 0 {
		c.MaxExpirations = defaults.MaxExpirations
	}
	if c.StrikeBand <= 0 {
		c.StrikeBand = defaults.StrikeBand
	}
	if c.OptionGenericTicks == "" {
		c.OptionGenericTicks = defaults.OptionGenericTicks
	}
}

// BootstrapReport summarises which prerequisites arrived during Bootstrap.
type BootstrapReport struct {
	SessionID          string   `json:"sessionId"`
	InstrumentResolved bool     `json:"instrumentResolved"`
	ConID              int64    `json:"conId"`
	SpotAvailable      bool     `json:"spotAvailable"`
	Spot               float64  `json:"spot"`
	ChainResolved      bool     `json:"chainResolved"`
	Expirations        int      `json:"expirations"`
	Strikes            int      `json:"strikes"`
	Planned            int      `json:"planned"`
	Subscribed         int      `json:"subscribed"`
	Degraded           []string `json:"degraded,omitempty"`
}

// Session composes a feed client with the aggregation engine for one underlying.
type Session struct {
	id      uuid.UUID
	cfg     SessionConfig
	client  feed.Client
	log     *logrus.Entry
	limiter *rate.Limiter
	clock   func() time.Time

	registry *Registry
	store    *Store
	gates    *Gates
	sink     *Sink

	nextID     atomic.Int64
	underlying feed.Instrument

	closeOnce sync.Once
	closeErr  error

	rendezvousDuration metric.Float64Histogram
	pointsRegistration metric.Registration
}

// NewSession builds a session over client. The feed is not contacted until Start.
func NewSession(cfg SessionConfig, client feed.Client, log *logrus.Entry) (*Session, error) {
	cfg.Symbol = strings.ToUpper(strings.TrimSpace(cfg.Symbol))
	if cfg.Symbol == "" {
		return nil, errs.New("surface/session", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	if client == nil {
		return nil, errs.New("surface/session", errs.CodeInvalid, errs.WithMessage("feed client required"))
	}
	cfg.applyDefaults()
	if log == nil {
		log = logging.Discard()
	}

	id := uuid.New()
	log = log.WithFields(logrus.Fields{"session": id.String(), "symbol": cfg.Symbol})

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	registry := NewRegistry()
	store := NewStore()
	gates := NewGates()
	session := &Session{
		id:         id,
		cfg:        cfg,
		client:     client,
		log:        log,
		limiter:    rate.NewLimiter(limit, 1),
		clock:      time.Now,
		registry:   registry,
		store:      store,
		gates:      gates,
		sink:       NewSink(cfg.Sink, registry, store, gates, log.WithField("component", "sink")),
		underlying: feed.Underlying(cfg.Symbol, cfg.Exchange, cfg.Currency),
	}
	session.nextID.Store(int64(schema.FirstLegRequestID))

	meter := otel.Meter("surface.session")
	session.rendezvousDuration, _ = meter.Float64Histogram("session.rendezvous.duration",
		metric.WithDescription("Time spent waiting on bootstrap prerequisites"),
		metric.WithUnit("ms"))
	if points, err := meter.Int64ObservableGauge("surface.points",
		metric.WithDescription("Contracts currently holding an implied volatility"),
		metric.WithUnit("{point}")); err == nil {
		session.pointsRegistration, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(points, int64(session.store.Len()), metric.WithAttributes(
				telemetry.AttrEnvironment.String(telemetry.Environment()),
				telemetry.AttrSymbol.String(session.cfg.Symbol)))
			return nil
		}, points)
	}
	return session, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id.String() }

// Symbol returns the underlying symbol.
func (s *Session) Symbol() string { return s.cfg.Symbol }

// Registry exposes the session's request registry.
func (s *Session) Registry() *Registry { return s.registry }

// Store exposes the session's surface store.
func (s *Session) Store() *Store { return s.store }

// Gates exposes the session's rendezvous gates.
func (s *Session) Gates() *Gates { return s.gates }

// Sink exposes the feed handler bound to this session.
func (s *Session) Sink() *Sink { return s.sink }

// Start connects the feed client and begins delivering callbacks to the sink.
func (s *Session) Start(ctx context.Context) error {
	if err := s.client.Start(ctx, s.sink); err != nil {
		return errs.New("surface/session", errs.CodeFeed,
			errs.WithMessage("start feed client"),
			errs.WithCause(err))
	}
	return nil
}

// Bootstrap resolves the underlying, waits for spot and the option chain, then subscribes to the
// planned legs. Missing prerequisites degrade the session instead of failing it; only feed
// request errors before planning and context cancellation are returned.
func (s *Session) Bootstrap(ctx context.Context) (BootstrapReport, error) {
	report := BootstrapReport{SessionID: s.ID()}

	if err := s.client.RequestContractDetails(ctx, schema.ContractDetailsRequestID, s.underlying); err != nil {
		return report, s.feedError("request contract details", schema.ContractDetailsRequestID, err)
	}
	if s.wait(ctx, InstrumentResolved, s.cfg.ResolveTimeout) == Signaled {
		report.InstrumentResolved = true
	} else {
		report.Degraded = append(report.Degraded, string(InstrumentResolved))
		s.log.WithField("timeout", s.cfg.ResolveTimeout).Warn("instrument not resolved; continuing without con id")
	}
	report.ConID, _ = s.store.InstrumentID()

	if err := s.client.RequestMarketData(ctx, schema.SpotRequestID, s.underlying, "", false, false); err != nil {
		return report, s.feedError("request spot market data", schema.SpotRequestID, err)
	}
	spot, err := s.awaitSpot(ctx)
	switch {
	case err == nil:
		report.SpotAvailable = true
		report.Spot = spot
	case ctx.Err() != nil:
		return report, fmt.Errorf("await spot: %w", ctx.Err())
	default:
		report.Degraded = append(report.Degraded, "spot")
		s.log.WithError(err).Warn("spot price unavailable; continuing in degraded mode")
	}

	if err := s.client.RequestSecDefOptParams(ctx, schema.ChainRequestID, s.cfg.Symbol, "", "STK", report.ConID); err != nil {
		return report, s.feedError("request option chain", schema.ChainRequestID, err)
	}
	if s.wait(ctx, ChainResolved, s.cfg.ChainTimeout) == Signaled {
		report.ChainResolved = true
	} else {
		report.Degraded = append(report.Degraded, string(ChainResolved))
		s.log.WithField("timeout", s.cfg.ChainTimeout).Warn("option chain not resolved; nothing to subscribe")
	}

	chain, _ := s.store.Chain()
	report.Expirations = len(chain.Expirations)
	report.Strikes = len(chain.Strikes)

	today := schema.FormatExpiration(s.clock())
	keys := Plan(s.store.Spot(), chain.Expirations, chain.Strikes, today, s.cfg.MaxExpirations, s.cfg.StrikeBand)
	report.Planned = len(keys)

	subscribed, err := s.Subscribe(ctx, keys)
	report.Subscribed = subscribed
	if err != nil {
		return report, err
	}
	s.log.WithFields(logrus.Fields{
		"planned":    report.Planned,
		"subscribed": report.Subscribed,
		"degraded":   strings.Join(report.Degraded, ","),
	}).Info("bootstrap complete")
	return report, nil
}

// Subscribe assigns fresh request identifiers to keys and requests option computations for each,
// paced by the configured request rate. Failed requests are logged and skipped.
func (s *Session) Subscribe(ctx context.Context, keys []schema.ContractKey) (int, error) {
	subscribed := 0
	for _, key := range keys {
		if err := s.limiter.Wait(ctx); err != nil {
			return subscribed, fmt.Errorf("pace subscriptions: %w", err)
		}
		id := schema.RequestID(s.nextID.Add(1) - 1)
		if err := s.registry.Assign(id, key); err != nil {
			return subscribed, err
		}
		leg := feed.OptionLeg(s.underlying, key)
		if err := s.client.RequestMarketData(ctx, id, leg, s.cfg.OptionGenericTicks, false, false); err != nil {
			if ctx.Err() != nil {
				return subscribed, fmt.Errorf("subscribe %s: %w", key, ctx.Err())
			}
			s.log.WithError(err).WithFields(logrus.Fields{"req_id": int(id), "contract": key.String()}).
				Warn("option subscription failed")
			continue
		}
		subscribed++
	}
	return subscribed, nil
}

// CurrentSurface returns an ordered copy of the latest surface without blocking writers.
func (s *Session) CurrentSurface() schema.Snapshot {
	return BuildSnapshot(s.cfg.Symbol, s.store.ReadAll(), s.registry, s.clock())
}

// Close disconnects the feed and marks the sink disconnected. Idempotent and safe to call
// concurrently with in-flight callbacks.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.pointsRegistration != nil {
			_ = s.pointsRegistration.Unregister()
		}
		s.sink.Close()
		if err := s.client.Disconnect(); err != nil {
			s.closeErr = fmt.Errorf("disconnect feed: %w", err)
		}
	})
	return s.closeErr
}

func (s *Session) awaitSpot(ctx context.Context) (float64, error) {
	started := time.Now()
	defer s.observeWait(ctx, "spot", started)

	spot, err := backoff.Retry(ctx, func() (float64, error) {
		if current := s.store.Spot(); current > 0 {
			return current, nil
		}
		return 0, errors.New("spot price not yet available")
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(s.cfg.SpotPollInterval)),
		backoff.WithMaxTries(uint(s.cfg.SpotPollAttempts)),
	)
	if err != nil {
		return 0, errs.New("surface/session", errs.CodeRendezvousTimeout,
			errs.WithMessage("spot price did not arrive"),
			errs.WithField("attempts", fmt.Sprint(s.cfg.SpotPollAttempts)),
			errs.WithField("interval", s.cfg.SpotPollInterval.String()),
			errs.WithCause(err))
	}
	return spot, nil
}

func (s *Session) wait(ctx context.Context, gate GateName, timeout time.Duration) WaitResult {
	started := time.Now()
	defer s.observeWait(ctx, string(gate), started)
	return s.gates.Wait(ctx, gate, timeout)
}

func (s *Session) observeWait(ctx context.Context, gate string, started time.Time) {
	if s.rendezvousDuration == nil {
		return
	}
	s.rendezvousDuration.Record(context.WithoutCancel(ctx), float64(time.Since(started).Microseconds())/1000,
		metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment()), telemetry.AttrGate.String(gate)))
}

func (s *Session) feedError(op string, reqID schema.RequestID, err error) error {
	return errs.New("surface/session", errs.CodeFeed,
		errs.WithMessage(op),
		errs.WithField("req_id", fmt.Sprint(int(reqID))),
		errs.WithCause(err))
}
