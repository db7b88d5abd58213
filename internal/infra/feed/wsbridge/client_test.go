package wsbridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/coachpo/volsurface/internal/infra/telemetry"

	"github.com/coachpo/volsurface/internal/domain/feed"
	"github.com/coachpo/volsurface/internal/domain/schema"
)

type captureHandler struct {
	mu     sync.Mutex
	acks   int
	closes int
	conIDs []int64
	prices []float64
	chains []string
	vols   map[schema.RequestID]float64
	codes  []int
}

func newCaptureHandler() *captureHandler {
	return &captureHandler{vols: make(map[schema.RequestID]float64)}
}

func (h *captureHandler) ConnectAck() { h.mu.Lock(); h.acks++; h.mu.Unlock() }

func (h *captureHandler) ConnectionClosed() { h.mu.Lock(); h.closes++; h.mu.Unlock() }

func (h *captureHandler) ContractDetails(_ schema.RequestID, d feed.ContractDetails) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conIDs = append(h.conIDs, d.ConID)
}

func (h *captureHandler) TickPrice(_ schema.RequestID, _ feed.TickType, price float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prices = append(h.prices, price)
}

func (h *captureHandler) SecurityDefinitionOptionParameter(_ schema.RequestID, p feed.OptionChainParams) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chains = append(h.chains, p.Exchange)
}

func (h *captureHandler) TickOptionComputation(reqID schema.RequestID, _ feed.TickType, comp feed.OptionComputation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if comp.ImpliedVol != nil {
		h.vols[reqID] = *comp.ImpliedVol
	}
}

func (h *captureHandler) Error(_ schema.RequestID, code int, _ string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.codes = append(h.codes, code)
}

func (h *captureHandler) check(fn func(*captureHandler) bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fn(h)
}

// fakeRelay answers commands the way the gateway relay does and can drop the first connection
// after the first option subscription.
type fakeRelay struct {
	mu          sync.Mutex
	connections int
	received    map[int][]Command
	dropFirst   bool
}

func (r *fakeRelay) handle(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	r.mu.Lock()
	r.connections++
	connNo := r.connections
	r.mu.Unlock()

	ctx := req.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			return
		}
		r.mu.Lock()
		r.received[connNo] = append(r.received[connNo], cmd)
		r.mu.Unlock()

		var events []Event
		switch cmd.Op {
		case OpContractDetails:
			events = append(events, Event{Event: EventContractDetails, ReqID: cmd.ReqID, Details: &feed.ContractDetails{ConID: 756733, Symbol: cmd.Contract.Symbol}})
		case OpSecDefOptParams:
			events = append(events,
				Event{Event: EventSecDefOptParams, ReqID: cmd.ReqID, Chain: &feed.OptionChainParams{Exchange: "CBOE"}},
				Event{Event: EventSecDefOptParams, ReqID: cmd.ReqID, Chain: &feed.OptionChainParams{Exchange: "SMART", Expirations: []string{"20240105"}, Strikes: []float64{100}}},
			)
		case OpMarketData:
			if cmd.Contract.SecType == "STK" {
				events = append(events, Event{Event: EventTickPrice, ReqID: cmd.ReqID, TickType: feed.TickLast, Price: 100.25})
			} else {
				if r.dropFirst && connNo == 1 {
					_ = conn.Close(websocket.StatusGoingAway, "relay restart")
					return
				}
				events = append(events, Event{Event: EventOptionComputation, ReqID: cmd.ReqID, TickType: feed.TickModelOption, Computation: &feed.OptionComputation{ImpliedVol: feed.Float(0.2 + float64(connNo)/100)}})
			}
		}
		events = append(events, Event{Event: "heartbeat"})
		for _, evt := range events {
			payload, _ := json.Marshal(evt)
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
		}
	}
}

func (r *fakeRelay) commands(connNo int) []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Command(nil), r.received[connNo]...)
}

func startRelay(t *testing.T, dropFirst bool) (*fakeRelay, string) {
	t.Helper()
	relay := &fakeRelay{received: make(map[int][]Command), dropFirst: dropFirst}
	srv := httptest.NewServer(http.HandlerFunc(relay.handle))
	t.Cleanup(srv.Close)
	return relay, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testOptions(url string) Options {
	return Options{
		URL:                     url,
		DialTimeout:             2 * time.Second,
		InitialReconnectBackoff: 10 * time.Millisecond,
		MaxReconnectInterval:    50 * time.Millisecond,
	}
}

func TestClientRelaysCommandsAndEvents(t *testing.T) {
	relay, url := startRelay(t, false)
	client := NewClient(testOptions(url), nil)
	handler := newCaptureHandler()
	ctx := context.Background()

	require.NoError(t, client.Start(ctx, handler))
	underlying := feed.Underlying("SPY", "SMART", "USD")
	require.NoError(t, client.RequestContractDetails(ctx, schema.ContractDetailsRequestID, underlying))
	require.NoError(t, client.RequestMarketData(ctx, schema.SpotRequestID, underlying, "", false, false))
	require.NoError(t, client.RequestSecDefOptParams(ctx, schema.ChainRequestID, "SPY", "", "STK", 756733))
	leg := feed.OptionLeg(underlying, schema.ContractKey{Expiration: "20240105", Strike: 100, Right: schema.Call})
	require.NoError(t, client.RequestMarketData(ctx, 1000, leg, "106", false, false))

	require.Eventually(t, func() bool {
		return handler.check(func(h *captureHandler) bool {
			return len(h.conIDs) == 1 && len(h.prices) == 1 && len(h.chains) == 2 && h.vols[1000] > 0
		})
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, client.Disconnect())
	require.NoError(t, client.Disconnect())

	handler.mu.Lock()
	require.Equal(t, 1, handler.acks)
	require.Equal(t, 1, handler.closes)
	require.Equal(t, int64(756733), handler.conIDs[0])
	require.Equal(t, []string{"CBOE", "SMART"}, handler.chains)
	handler.mu.Unlock()

	cmds := relay.commands(1)
	require.Len(t, cmds, 4)
	require.Equal(t, OpSecDefOptParams, cmds[2].Op)
	require.Equal(t, int64(756733), cmds[2].ConID)
	require.Equal(t, "106", cmds[3].GenericTicks)
	require.Equal(t, schema.Call, cmds[3].Contract.Right)
}

func TestClientReissuesMarketDataAfterReconnect(t *testing.T) {
	relay, url := startRelay(t, true)
	client := NewClient(testOptions(url), nil)
	handler := newCaptureHandler()
	ctx := context.Background()
	require.NoError(t, client.Start(ctx, handler))
	t.Cleanup(func() { _ = client.Disconnect() })

	underlying := feed.Underlying("SPY", "SMART", "USD")
	require.NoError(t, client.RequestMarketData(ctx, schema.SpotRequestID, underlying, "", false, false))
	leg := feed.OptionLeg(underlying, schema.ContractKey{Expiration: "20240105", Strike: 99, Right: schema.Put})
	require.NoError(t, client.RequestMarketData(ctx, 1000, leg, "106", false, false))

	require.Eventually(t, func() bool {
		return handler.check(func(h *captureHandler) bool { return h.vols[1000] > 0 })
	}, 3*time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, client.Connects(), int64(2))

	require.Eventually(t, func() bool { return len(relay.commands(2)) == 2 }, 2*time.Second, 5*time.Millisecond)
	second := relay.commands(2)
	require.Equal(t, schema.SpotRequestID, second[1].ReqID)
	require.Equal(t, schema.RequestID(1000), second[0].ReqID)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Equal(t, 1, handler.acks)
	require.Contains(t, handler.codes, CodeConnectivityLost)
	require.Contains(t, handler.codes, CodeConnectivityRestored)
	require.InDelta(t, 0.22, handler.vols[1000], 1e-9)
}

func TestClientRecordsConnectionTransitions(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	previous := otel.GetMeterProvider()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(previous) })

	_, url := startRelay(t, true)
	client := NewClient(testOptions(url), nil)
	handler := newCaptureHandler()
	ctx := context.Background()
	require.NoError(t, client.Start(ctx, handler))

	leg := feed.OptionLeg(feed.Underlying("SPY", "SMART", "USD"),
		schema.ContractKey{Expiration: "20240105", Strike: 99, Right: schema.Put})
	require.NoError(t, client.RequestMarketData(ctx, 1000, leg, "106", false, false))
	require.Eventually(t, func() bool {
		return handler.check(func(h *captureHandler) bool { return h.vols[1000] > 0 })
	}, 3*time.Second, 5*time.Millisecond)
	require.NoError(t, client.Disconnect())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	states := connectionStates(t, rm)
	require.Equal(t, int64(1), states[stateConnected])
	require.GreaterOrEqual(t, states[stateLost], int64(1))
	require.GreaterOrEqual(t, states[stateReconnected], int64(1))
	require.Equal(t, int64(1), states[stateClosed])
}

func connectionStates(t *testing.T, rm metricdata.ResourceMetrics) map[string]int64 {
	t.Helper()
	states := make(map[string]int64)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "feed.connection.events" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				feedName, _ := dp.Attributes.Value(telemetry.AttrFeed)
				require.Equal(t, "wsbridge", feedName.AsString())
				state, _ := dp.Attributes.Value(telemetry.AttrConnectionState)
				states[state.AsString()] += dp.Value
			}
		}
	}
	return states
}

func TestClientStartFailures(t *testing.T) {
	client := NewClient(Options{}, nil)
	require.ErrorContains(t, client.Start(context.Background(), newCaptureHandler()), "url required")

	unreachable := NewClient(Options{URL: "ws://127.0.0.1:1/ws", DialTimeout: 50 * time.Millisecond, InitialReconnectBackoff: 10 * time.Millisecond}, nil)
	require.ErrorContains(t, unreachable.Start(context.Background(), newCaptureHandler()), "timeout")
	require.NoError(t, unreachable.Disconnect())

	idle := NewClient(testOptions("ws://127.0.0.1:1/ws"), nil)
	require.ErrorContains(t, idle.RequestContractDetails(context.Background(), 1, feed.Underlying("SPY", "SMART", "USD")), "not started")
}

func TestDecodeEventAndDispatch(t *testing.T) {
	_, err := decodeEvent([]byte(`{"reqId":1}`))
	require.Error(t, err)
	_, err = decodeEvent([]byte(`not json`))
	require.Error(t, err)

	handler := newCaptureHandler()
	evt, err := decodeEvent([]byte(`{"event":"tickOptionComputation","reqId":1000,"tickType":13,"computation":{"impliedVol":0.31}}`))
	require.NoError(t, err)
	require.True(t, dispatch(handler, evt))
	require.InDelta(t, 0.31, handler.vols[1000], 1e-12)

	require.False(t, dispatch(handler, Event{Event: EventContractDetails, ReqID: 1}))
	require.False(t, dispatch(handler, Event{Event: "unknown"}))
	require.True(t, dispatch(handler, Event{Event: EventError, ReqID: -1, Code: 2104, Message: "ok"}))
	require.Equal(t, []int{2104}, handler.codes)
}
