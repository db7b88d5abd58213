// Package wsbridge implements a feed client that speaks JSON over a websocket relay in front of a
// brokerage gateway.
package wsbridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/volsurface/internal/domain/feed"
	"github.com/coachpo/volsurface/internal/domain/schema"
	"github.com/coachpo/volsurface/internal/infra/logging"
	"github.com/coachpo/volsurface/internal/infra/telemetry"
)

const feedName = "wsbridge"

// Connection states recorded on the connection events counter.
const (
	stateConnected   = "connected"
	stateReconnected = "reconnected"
	stateLost        = "lost"
	stateClosed      = "closed"
)

const (
	defaultDialTimeout          = 10 * time.Second
	defaultPingInterval         = 20 * time.Second
	defaultPingTimeout          = 5 * time.Second
	defaultWriteTimeout         = 5 * time.Second
	defaultInitialReconnect     = 500 * time.Millisecond
	defaultMaxReconnectInterval = 20 * time.Second
	defaultReadLimit            = 2 * 1024 * 1024
)

// Options configures the relay connection.
type Options struct {
	URL                     string
	DialTimeout             time.Duration
	PingInterval            time.Duration
	InitialReconnectBackoff time.Duration
	MaxReconnectInterval    time.Duration
	ReadLimit               int64
}

func (o *Options) applyDefaults() {
	o.URL = strings.TrimSpace(o.URL)
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.InitialReconnectBackoff <= 0 {
		o.InitialReconnectBackoff = defaultInitialReconnect
	}
	if o.MaxReconnectInterval <= 0 {
		o.MaxReconnectInterval = defaultMaxReconnectInterval
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = defaultReadLimit
	}
}

// Client relays feed commands over a websocket and decodes relay events into handler callbacks.
// Market data requests are remembered and re-issued after every reconnect.
type Client struct {
	opts Options
	log  *logrus.Entry

	handler feed.Handler
	started atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	loop   conc.WaitGroup

	conn   *websocket.Conn
	connMu sync.RWMutex

	writeMu sync.Mutex
	msgID   atomic.Uint64

	subsMu        sync.Mutex
	subscriptions map[schema.RequestID]Command

	ready     chan struct{}
	readyOnce sync.Once
	closeOnce sync.Once

	connects    atomic.Int64
	connections metric.Int64Counter
}

var _ feed.Client = (*Client)(nil)

// NewClient constructs a relay client. Nothing is dialled until Start.
func NewClient(opts Options, log *logrus.Entry) *Client {
	opts.applyDefaults()
	if log == nil {
		log = logging.Discard()
	}
	meter := otel.Meter("feed.wsbridge")
	connections, _ := meter.Int64Counter("feed.connection.events",
		metric.WithDescription("Relay connection lifecycle transitions"),
		metric.WithUnit("{event}"))
	return &Client{
		opts:          opts,
		log:           log.WithField("feed", feedName),
		subscriptions: make(map[schema.RequestID]Command),
		ready:         make(chan struct{}),
		connections:   connections,
	}
}

// Start dials the relay and returns once the first connection is established or DialTimeout elapses.
// The connection is maintained in the background until Disconnect or ctx ends.
func (c *Client) Start(ctx context.Context, handler feed.Handler) error {
	if handler == nil {
		return errors.New("wsbridge: handler required")
	}
	if c.opts.URL == "" {
		return errors.New("wsbridge: url required")
	}
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("wsbridge: already started")
	}
	c.handler = handler
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.loop.Go(func() {
		if err := c.connectLoop(); err != nil && !errors.Is(err, context.Canceled) {
			c.log.WithError(err).Warn("relay connection loop stopped")
		}
	})

	timer := time.NewTimer(c.opts.DialTimeout)
	defer timer.Stop()
	select {
	case <-c.ready:
		return nil
	case <-timer.C:
		return fmt.Errorf("wsbridge: timeout waiting for relay connection to %s", c.opts.URL)
	case <-c.ctx.Done():
		return fmt.Errorf("wsbridge: context done: %w", c.ctx.Err())
	}
}

// RequestContractDetails asks the relay to resolve inst.
func (c *Client) RequestContractDetails(ctx context.Context, reqID schema.RequestID, inst feed.Instrument) error {
	return c.send(ctx, Command{Op: OpContractDetails, ReqID: reqID, Contract: &inst})
}

// RequestMarketData subscribes to quotes or option computations for inst.
func (c *Client) RequestMarketData(ctx context.Context, reqID schema.RequestID, inst feed.Instrument, genericTicks string, snapshot, regulatorySnapshot bool) error {
	cmd := Command{
		Op:                 OpMarketData,
		ReqID:              reqID,
		Contract:           &inst,
		GenericTicks:       genericTicks,
		Snapshot:           snapshot,
		RegulatorySnapshot: regulatorySnapshot,
	}
	if !snapshot {
		c.subsMu.Lock()
		c.subscriptions[reqID] = cmd
		c.subsMu.Unlock()
	}
	return c.send(ctx, cmd)
}

// RequestSecDefOptParams asks the relay for the option-chain definitions of the underlying.
func (c *Client) RequestSecDefOptParams(ctx context.Context, reqID schema.RequestID, symbol, exchange, secType string, underlyingConID int64) error {
	return c.send(ctx, Command{
		Op:       OpSecDefOptParams,
		ReqID:    reqID,
		Symbol:   symbol,
		Exchange: exchange,
		SecType:  secType,
		ConID:    underlyingConID,
	})
}

// Disconnect closes the relay connection, stops reconnecting and reports ConnectionClosed once.
func (c *Client) Disconnect() error {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.connMu.Lock()
		if c.conn != nil {
			_ = c.conn.Close(websocket.StatusNormalClosure, "shutdown")
			c.conn = nil
		}
		c.connMu.Unlock()
		c.loop.Wait()
		if c.handler != nil {
			c.recordConnection(stateClosed)
			c.handler.ConnectionClosed()
		}
	})
	return nil
}

// Connects reports how many relay connections have been established.
func (c *Client) Connects() int64 {
	return c.connects.Load()
}

func (c *Client) send(ctx context.Context, cmd Command) error {
	if !c.started.Load() {
		return errors.New("wsbridge: not started")
	}
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		if cmd.Op == OpMarketData && !cmd.Snapshot {
			// Re-issued by resubscribeAll once the relay is reachable again.
			return nil
		}
		return fmt.Errorf("wsbridge: %s req %d: relay not connected", cmd.Op, int(cmd.ReqID))
	}
	return c.write(ctx, conn, cmd)
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, cmd Command) error {
	cmd.ID = c.msgID.Add(1)
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal %s command: %w", cmd.Op, err)
	}
	if ctx == nil {
		ctx = c.ctx
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s command: %w", cmd.Op, err)
	}
	c.log.WithFields(logrus.Fields{"op": cmd.Op, "req_id": int(cmd.ReqID)}).Debug("command sent")
	return nil
}

func (c *Client) connectLoop() error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = c.opts.InitialReconnectBackoff
	backoffCfg.MaxInterval = c.opts.MaxReconnectInterval

	for {
		select {
		case <-c.ctx.Done():
			return context.Canceled
		default:
		}

		conn, _, err := websocket.Dial(c.ctx, c.opts.URL, nil)
		if err != nil {
			c.log.WithError(err).Warn("relay dial failed")
			if !c.sleep(backoffCfg.NextBackOff()) {
				return context.Canceled
			}
			continue
		}
		conn.SetReadLimit(c.opts.ReadLimit)

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()

		attempt := c.connects.Add(1)
		backoffCfg.Reset()
		if attempt == 1 {
			c.recordConnection(stateConnected)
			c.handler.ConnectAck()
		} else {
			c.recordConnection(stateReconnected)
			c.handler.Error(schema.NoRequestID, CodeConnectivityRestored, "Connectivity between client and relay restored")
		}
		c.readyOnce.Do(func() { close(c.ready) })
		c.log.WithField("attempt", attempt).Info("relay connected")

		if err := c.resubscribeAll(conn); err != nil {
			c.log.WithError(err).Warn("resubscribe after reconnect failed")
		}

		connErr := c.serve(conn)

		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")

		if c.ctx.Err() != nil {
			return context.Canceled
		}
		c.log.WithError(connErr).Warn("relay connection lost")
		c.recordConnection(stateLost)
		c.handler.Error(schema.NoRequestID, CodeConnectivityLost, "Connectivity between client and relay lost")

		if !c.sleep(backoffCfg.NextBackOff()) {
			return context.Canceled
		}
	}
}

func (c *Client) recordConnection(state string) {
	if c.connections == nil {
		return
	}
	c.connections.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.ConnectionAttributes(telemetry.Environment(), feedName, state)...))
}

// serve runs the read and ping loops until either fails and returns the first meaningful error.
func (c *Client) serve(conn *websocket.Conn) error {
	connCtx, connCancel := context.WithCancel(c.ctx)
	defer connCancel()

	errCh := make(chan error, 2)
	var wg conc.WaitGroup
	wg.Go(func() { errCh <- c.readLoop(connCtx, conn) })
	wg.Go(func() { errCh <- c.pingLoop(connCtx, conn) })

	firstErr := <-errCh
	connCancel()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if firstErr == nil || errors.Is(firstErr, context.Canceled) {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Client) resubscribeAll(conn *websocket.Conn) error {
	c.subsMu.Lock()
	cmds := make([]Command, 0, len(c.subscriptions))
	for _, cmd := range c.subscriptions {
		cmds = append(cmds, cmd)
	}
	c.subsMu.Unlock()
	if len(cmds) == 0 {
		return nil
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].ReqID < cmds[j].ReqID })
	for _, cmd := range cmds {
		if err := c.write(c.ctx, conn, cmd); err != nil {
			return err
		}
	}
	c.log.WithField("subscriptions", len(cmds)).Info("market data re-issued")
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			return fmt.Errorf("read websocket: %w", err)
		}
		if len(strings.TrimSpace(string(data))) == 0 {
			continue
		}
		evt, err := decodeEvent(data)
		if err != nil {
			c.log.WithError(err).Warn("relay event dropped")
			continue
		}
		if !dispatch(c.handler, evt) {
			c.log.WithFields(logrus.Fields{"event": evt.Event, "req_id": int(evt.ReqID)}).Debug("relay event ignored")
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("ping relay: %w", err)
			}
		}
	}
}

func (c *Client) sleep(d time.Duration) bool {
	if d == backoff.Stop {
		d = c.opts.MaxReconnectInterval
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
