package surface

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/volsurface/errs"
	"github.com/coachpo/volsurface/internal/domain/feed"
	"github.com/coachpo/volsurface/internal/domain/schema"
	"github.com/coachpo/volsurface/internal/infra/logging"
	"github.com/coachpo/volsurface/internal/infra/telemetry"
)

// ConnState is the sink's connection lifecycle state.
type ConnState int32

const (
	// Connecting is the initial state before the feed acknowledges the session.
	Connecting ConnState = iota
	// Connected means the feed acknowledged the session and events flow.
	Connected
	// Disconnected is terminal; later callbacks are dropped.
	Disconnected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// SinkConfig holds the acceptance filters applied to feed callbacks.
type SinkConfig struct {
	PrimaryRoute       string
	SpotTickTypes      []feed.TickType
	ImpliedVolTickType feed.TickType
	InformationalCodes []int
}

// DefaultSinkConfig returns the filters used against the SMART-routed feed.
func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		PrimaryRoute:       "SMART",
		SpotTickTypes:      []feed.TickType{feed.TickLast, feed.TickClose},
		ImpliedVolTickType: feed.TickModelOption,
		InformationalCodes: []int{2104, 2106, 2158},
	}
}

// Sink translates feed callbacks into registry lookups, store updates and gate signals.
// It is safe for concurrent use by any number of delivery goroutines.
type Sink struct {
	registry *Registry
	store    *Store
	gates    *Gates
	log      *logrus.Entry

	primaryRoute  string
	spotTicks     map[feed.TickType]struct{}
	ivTick        feed.TickType
	informational map[int]struct{}

	state atomic.Int32

	eventsCounter metric.Int64Counter
}

var _ feed.Handler = (*Sink)(nil)

// NewSink wires a sink over the session's registry, store and gates.
func NewSink(cfg SinkConfig, registry *Registry, store *Store, gates *Gates, log *logrus.Entry) *Sink {
	defaults := DefaultSinkConfig()
	if strings.TrimSpace(cfg.PrimaryRoute) == "" {
		cfg.PrimaryRoute = defaults.PrimaryRoute
	}
	if len(cfg.SpotTickTypes) == 0 {
		cfg.SpotTickTypes = defaults.SpotTickTypes
	}
	if cfg.ImpliedVolTickType == 0 {
		cfg.ImpliedVolTickType = defaults.ImpliedVolTickType
	}
	if cfg.InformationalCodes == nil {
		cfg.InformationalCodes = defaults.InformationalCodes
	}
	if log == nil {
		log = logging.Discard()
	}

	sink := &Sink{
		registry:      registry,
		store:         store,
		gates:         gates,
		log:           log,
		primaryRoute:  strings.TrimSpace(cfg.PrimaryRoute),
		spotTicks:     make(map[feed.TickType]struct{}, len(cfg.SpotTickTypes)),
		ivTick:        cfg.ImpliedVolTickType,
		informational: make(map[int]struct{}, len(cfg.InformationalCodes)),
	}
	for _, tick := range cfg.SpotTickTypes {
		sink.spotTicks[tick] = struct{}{}
	}
	for _, code := range cfg.InformationalCodes {
		sink.informational[code] = struct{}{}
	}

	meter := otel.Meter("surface.sink")
	sink.eventsCounter, _ = meter.Int64Counter("surface.sink.events",
		metric.WithDescription("Feed callbacks processed by the surface sink"),
		metric.WithUnit("{event}"))
	return sink
}

// State returns the current lifecycle state.
func (s *Sink) State() ConnState {
	return ConnState(s.state.Load())
}

// ConnectAck moves the sink from Connecting to Connected.
func (s *Sink) ConnectAck() {
	if s.state.CompareAndSwap(int32(Connecting), int32(Connected)) {
		s.log.Info("feed connected")
		s.accepted(telemetry.EventTypeConnection)
	}
}

// ConnectionClosed moves the sink to Disconnected.
func (s *Sink) ConnectionClosed() {
	s.Close()
}

// Close moves the sink to Disconnected. Safe to call repeatedly and concurrently with callbacks.
func (s *Sink) Close() {
	if prev := ConnState(s.state.Swap(int32(Disconnected))); prev != Disconnected {
		s.log.WithField("previous", prev.String()).Info("feed disconnected")
	}
}

// ContractDetails records the underlying's canonical identifier and signals InstrumentResolved.
func (s *Sink) ContractDetails(reqID schema.RequestID, details feed.ContractDetails) {
	if s.closed() {
		s.drop(telemetry.EventTypeContractDetails, "disconnected", reqID)
		return
	}
	if details.ConID <= 0 {
		s.drop(telemetry.EventTypeContractDetails, "missing_con_id", reqID)
		return
	}
	s.store.SetInstrumentID(details.ConID)
	s.gates.Signal(InstrumentResolved)
	s.accepted(telemetry.EventTypeContractDetails)
	s.log.WithFields(logrus.Fields{"req_id": int(reqID), "con_id": details.ConID}).Info("instrument resolved")
}

// TickPrice accepts whitelisted, positive quotes on the spot subscription.
func (s *Sink) TickPrice(reqID schema.RequestID, tick feed.TickType, price float64) {
	if s.closed() {
		s.drop(telemetry.EventTypeTickPrice, "disconnected", reqID)
		return
	}
	if reqID != schema.SpotRequestID {
		s.drop(telemetry.EventTypeTickPrice, "not_spot_request", reqID)
		return
	}
	if _, ok := s.spotTicks[tick]; !ok {
		s.drop(telemetry.EventTypeTickPrice, "tick_type_filtered", reqID)
		return
	}
	if !s.store.UpdateSpot(price) {
		s.drop(telemetry.EventTypeTickPrice, "non_positive_price", reqID)
		return
	}
	s.accepted(telemetry.EventTypeTickPrice)
}

// SecurityDefinitionOptionParameter stores the primary route's chain and signals ChainResolved.
// Repeated primary-route definitions are merged into the stored chain.
func (s *Sink) SecurityDefinitionOptionParameter(reqID schema.RequestID, params feed.OptionChainParams) {
	if s.closed() {
		s.drop(telemetry.EventTypeChainDefinition, "disconnected", reqID)
		return
	}
	if strings.TrimSpace(params.Exchange) != s.primaryRoute {
		s.drop(telemetry.EventTypeChainDefinition, "secondary_route", reqID)
		return
	}
	chain := s.store.MergeChain(schema.ChainDefinition{
		Route:       s.primaryRoute,
		Expirations: params.Expirations,
		Strikes:     params.Strikes,
	})
	s.gates.Signal(ChainResolved)
	s.accepted(telemetry.EventTypeChainDefinition)
	s.log.WithFields(logrus.Fields{
		"req_id":      int(reqID),
		"route":       chain.Route,
		"expirations": len(chain.Expirations),
		"strikes":     len(chain.Strikes),
	}).Info("option chain resolved")
}

// TickOptionComputation stores the implied volatility for a registered option leg.
func (s *Sink) TickOptionComputation(reqID schema.RequestID, tick feed.TickType, comp feed.OptionComputation) {
	if s.closed() {
		s.drop(telemetry.EventTypeOptionComputation, "disconnected", reqID)
		return
	}
	if tick != s.ivTick {
		s.drop(telemetry.EventTypeOptionComputation, "tick_type_filtered", reqID)
		return
	}
	if comp.ImpliedVol == nil {
		s.drop(telemetry.EventTypeOptionComputation, "missing_iv", reqID)
		return
	}
	iv := *comp.ImpliedVol
	if math.IsNaN(iv) || math.IsInf(iv, 0) || iv < 0 {
		s.drop(telemetry.EventTypeOptionComputation, "invalid_iv", reqID)
		return
	}
	if _, ok := s.registry.Lookup(reqID); !ok {
		s.drop(telemetry.EventTypeOptionComputation, "unknown_request", reqID)
		return
	}
	s.store.UpdateVol(reqID, iv)
	s.accepted(telemetry.EventTypeOptionComputation)
}

// Error classifies feed error notifications. Informational codes log at debug; nothing terminates the session.
func (s *Sink) Error(reqID schema.RequestID, code int, message string) {
	if s.closed() {
		s.drop(telemetry.EventTypeError, "disconnected", reqID)
		return
	}
	entry := s.log.WithFields(logrus.Fields{"req_id": int(reqID), "code": code}).
		WithError(feedError(reqID, code, message))
	if _, ok := s.informational[code]; ok {
		entry.Debug(message)
		s.count(telemetry.EventTypeError, "informational")
		return
	}
	entry.Warn(message)
	s.count(telemetry.EventTypeError, "warning")
}

func feedError(reqID schema.RequestID, code int, message string) *errs.E {
	return errs.New("surface/sink", errs.CodeFeed,
		errs.WithRawCode(strconv.Itoa(code)),
		errs.WithRawMessage(message),
		errs.WithField("req_id", strconv.Itoa(int(reqID))))
}

// IsInformational reports whether code belongs to the informational allow-list.
func (s *Sink) IsInformational(code int) bool {
	_, ok := s.informational[code]
	return ok
}

func (s *Sink) closed() bool {
	return s.State() == Disconnected
}

func (s *Sink) accepted(eventType string) {
	s.count(eventType, telemetry.ResultAccepted)
}

func (s *Sink) count(eventType, result string) {
	if s.eventsCounter == nil {
		return
	}
	s.eventsCounter.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.EventAttributes(telemetry.Environment(), eventType, result)...))
}

func (s *Sink) drop(eventType, reason string, reqID schema.RequestID) {
	s.log.WithError(malformedEvent(eventType, reason, reqID)).Debug("malformed event dropped")
	if s.eventsCounter == nil {
		return
	}
	s.eventsCounter.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.DropAttributes(telemetry.Environment(), eventType, reason)...))
}

func malformedEvent(eventType, reason string, reqID schema.RequestID) *errs.E {
	return errs.New("surface/sink", errs.CodeMalformedEvent,
		errs.WithMessage("event failed acceptance filter"),
		errs.WithFields(map[string]string{
			"event":  eventType,
			"reason": reason,
			"req_id": strconv.Itoa(int(reqID)),
		}))
}
