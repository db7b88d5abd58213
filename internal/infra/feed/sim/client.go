// Package sim provides a synthetic option venue that drives a surface session without a brokerage connection.
package sim

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/volsurface/internal/domain/feed"
	"github.com/coachpo/volsurface/internal/domain/schema"
	"github.com/coachpo/volsurface/internal/infra/logging"
)

const (
	codeNoSecurityDefinition = 200
	codeMarketDataFarmOK     = 2104
	codeHistoricalFarmOK     = 2106
	codeSecDefFarmOK         = 2158
)

type subscription struct {
	id       schema.RequestID
	inst     feed.Instrument
	key      schema.ContractKey
	isOption bool
}

// Client is a feed.Client backed by a deterministic random walk and a parametric smile.
type Client struct {
	opts   Options
	market *market
	log    *logrus.Entry

	started atomic.Bool
	handler feed.Handler

	ctx    context.Context
	cancel context.CancelFunc
	ticker conc.WaitGroup

	deliverMu sync.RWMutex
	closed    bool
	workers   *pool.Pool

	subsMu sync.RWMutex
	subs   map[schema.RequestID]subscription

	computations atomic.Int64
	closeOnce    sync.Once
}

var _ feed.Client = (*Client)(nil)

// NewClient constructs a simulated venue.
func NewClient(opts Options, log *logrus.Entry) *Client {
	opts = withDefaults(opts)
	if log == nil {
		log = logging.Discard()
	}
	return &Client{
		opts:    opts,
		market:  newMarket(opts),
		log:     log.WithField("feed", "sim"),
		workers: pool.New().WithMaxGoroutines(opts.Workers),
		subs:    make(map[schema.RequestID]subscription),
	}
}

// Start acknowledges the connection, reports the farm status codes and begins ticking.
func (c *Client) Start(ctx context.Context, handler feed.Handler) error {
	if ctx == nil {
		return errors.New("sim: context required")
	}
	if handler == nil {
		return errors.New("sim: handler required")
	}
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("sim: already started")
	}
	c.handler = handler
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.deliver(func(h feed.Handler) {
		h.ConnectAck()
		h.Error(schema.NoRequestID, codeMarketDataFarmOK, "Market data farm connection is OK:usfarm")
		h.Error(schema.NoRequestID, codeHistoricalFarmOK, "HMDS data farm connection is OK:ushmds")
		h.Error(schema.NoRequestID, codeSecDefFarmOK, "Sec-def data farm connection is OK:secdefnj")
	})

	c.ticker.Go(func() {
		c.run(c.ctx)
	})
	c.log.WithField("symbol", c.opts.Symbol).Info("simulated feed started")
	return nil
}

// RequestContractDetails resolves the configured underlying; any other symbol yields error 200.
func (c *Client) RequestContractDetails(_ context.Context, reqID schema.RequestID, inst feed.Instrument) error {
	if err := c.ready(); err != nil {
		return err
	}
	symbol := strings.ToUpper(strings.TrimSpace(inst.Symbol))
	if c.opts.Symbol != "" && symbol != c.opts.Symbol {
		c.deliver(func(h feed.Handler) {
			h.Error(reqID, codeNoSecurityDefinition, "No security definition has been found for the request")
		})
		return nil
	}
	details := feed.ContractDetails{
		ConID:       c.opts.ConID,
		Symbol:      symbol,
		LongName:    symbol + " SIMULATED",
		PrimaryExch: "ARCA",
		MinTick:     "0.01",
	}
	c.deliver(func(h feed.Handler) {
		h.ContractDetails(reqID, details)
	})
	return nil
}

// RequestMarketData registers a streaming subscription. Stock requests stream quotes; option
// requests stream model computations.
func (c *Client) RequestMarketData(_ context.Context, reqID schema.RequestID, inst feed.Instrument, _ string, _, _ bool) error {
	if err := c.ready(); err != nil {
		return err
	}
	sub := subscription{id: reqID, inst: inst}
	switch strings.ToUpper(inst.SecType) {
	case "STK":
	case "OPT":
		sub.isOption = true
		sub.key = schema.ContractKey{Expiration: inst.Expiration, Strike: inst.Strike, Right: inst.Right}
		if err := sub.key.Validate(); err != nil {
			return fmt.Errorf("sim: option leg: %w", err)
		}
	default:
		return fmt.Errorf("sim: unsupported sec type %q", inst.SecType)
	}

	c.subsMu.Lock()
	c.subs[reqID] = sub
	c.subsMu.Unlock()

	if !sub.isOption {
		spot := c.market.currentSpot()
		c.deliver(func(h feed.Handler) {
			h.TickPrice(reqID, feed.TickClose, roundCents(spot*0.995))
			h.TickPrice(reqID, feed.TickLast, spot)
		})
	}
	return nil
}

// RequestSecDefOptParams answers with one definition per route. Only the primary route carries the
// full ladder; secondary routes advertise partial chains.
func (c *Client) RequestSecDefOptParams(_ context.Context, reqID schema.RequestID, symbol, _, _ string, underlyingConID int64) error {
	if err := c.ready(); err != nil {
		return err
	}
	expirations := fridayExpirations(c.opts.Clock(), c.opts.Expirations)
	strikes := strikeLadder(c.opts.Spot, c.opts.StrikeStep, c.opts.StrikeCount)
	tradingClass := strings.ToUpper(strings.TrimSpace(symbol))

	chains := make([]feed.OptionChainParams, 0, 1+len(c.opts.SecondaryRoutes))
	for i, route := range c.opts.SecondaryRoutes {
		cut := len(strikes) / (i + 2)
		chains = append(chains, feed.OptionChainParams{
			Exchange:        route,
			UnderlyingConID: underlyingConID,
			TradingClass:    tradingClass,
			Multiplier:      "100",
			Expirations:     expirations[:1],
			Strikes:         append([]float64(nil), strikes[:cut]...),
		})
	}
	chains = append(chains, feed.OptionChainParams{
		Exchange:        c.opts.PrimaryRoute,
		UnderlyingConID: underlyingConID,
		TradingClass:    tradingClass,
		Multiplier:      "100",
		Expirations:     expirations,
		Strikes:         strikes,
	})

	c.deliver(func(h feed.Handler) {
		for _, chain := range chains {
			h.SecurityDefinitionOptionParameter(reqID, chain)
		}
	})
	return nil
}

// Disconnect stops ticking, drains in-flight deliveries and reports the closed connection once.
func (c *Client) Disconnect() error {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.ticker.Wait()

		c.deliverMu.Lock()
		c.closed = true
		c.deliverMu.Unlock()
		c.workers.Wait()

		if c.handler != nil {
			c.handler.ConnectionClosed()
		}
		c.log.Info("simulated feed disconnected")
	})
	return nil
}

// Subscriptions reports the number of active market data requests.
func (c *Client) Subscriptions() int {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return len(c.subs)
}

func (c *Client) ready() error {
	if !c.started.Load() {
		return errors.New("sim: not started")
	}
	c.deliverMu.RLock()
	defer c.deliverMu.RUnlock()
	if c.closed {
		return errors.New("sim: disconnected")
	}
	return nil
}

// deliver runs fn on the worker pool unless the client has been disconnected.
func (c *Client) deliver(fn func(feed.Handler)) {
	c.deliverMu.RLock()
	defer c.deliverMu.RUnlock()
	if c.closed {
		return
	}
	handler := c.handler
	c.workers.Go(func() {
		fn(handler)
	})
}

func (c *Client) run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *Client) tick() {
	spot := c.market.step()
	now := c.opts.Clock()

	c.subsMu.RLock()
	subs := make([]subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subsMu.RUnlock()

	for _, sub := range subs {
		if !sub.isOption {
			c.deliver(func(h feed.Handler) {
				h.TickPrice(sub.id, feed.TickBid, roundCents(spot-0.01))
				h.TickPrice(sub.id, feed.TickAsk, roundCents(spot+0.01))
				h.TickPrice(sub.id, feed.TickLast, spot)
			})
			continue
		}
		comp := c.computation(sub.key, spot, now)
		c.deliver(func(h feed.Handler) {
			h.TickOptionComputation(sub.id, feed.TickModelOption, comp)
		})
	}
}

func (c *Client) computation(key schema.ContractKey, spot float64, now time.Time) feed.OptionComputation {
	n := c.computations.Add(1)
	comp := feed.OptionComputation{UnderlyingPrice: feed.Float(spot)}
	if c.opts.InvalidEvery > 0 && n%int64(c.opts.InvalidEvery) == 0 {
		// Unusable values the way a venue reports them: absent or negative.
		if n%2 == 0 {
			return comp
		}
		comp.ImpliedVol = feed.Float(-1)
		return comp
	}
	comp.ImpliedVol = feed.Float(c.market.impliedVol(key, now))
	return comp
}
