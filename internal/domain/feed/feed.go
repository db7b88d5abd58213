// Package feed defines the boundary between the aggregation engine and a push-based market-data feed.
package feed

import (
	"context"

	"github.com/coachpo/volsurface/internal/domain/schema"
)

// TickType is the feed's quote or computation type code.
type TickType int

const (
	// TickBid is the best bid quote.
	TickBid TickType = 1
	// TickAsk is the best ask quote.
	TickAsk TickType = 2
	// TickLast is the last traded price.
	TickLast TickType = 4
	// TickClose is the prior session close.
	TickClose TickType = 9
	// TickModelOption carries the model option computation, including implied volatility.
	TickModelOption TickType = 13
)

// Instrument describes a contract sent with outbound requests.
type Instrument struct {
	Symbol     string             `json:"symbol"`
	SecType    string             `json:"secType"`
	Exchange   string             `json:"exchange"`
	Currency   string             `json:"currency"`
	Expiration string             `json:"expiration,omitempty"`
	Strike     float64            `json:"strike,omitempty"`
	Right      schema.OptionRight `json:"right,omitempty"`
}

// Underlying builds a stock instrument.
func Underlying(symbol, exchange, currency string) Instrument {
	return Instrument{Symbol: symbol, SecType: "STK", Exchange: exchange, Currency: currency}
}

// OptionLeg builds an option instrument for key on the underlying.
func OptionLeg(underlying Instrument, key schema.ContractKey) Instrument {
	return Instrument{
		Symbol:     underlying.Symbol,
		SecType:    "OPT",
		Exchange:   underlying.Exchange,
		Currency:   underlying.Currency,
		Expiration: key.Expiration,
		Strike:     key.Strike,
		Right:      key.Right,
	}
}

// ContractDetails is the instrument resolution result.
type ContractDetails struct {
	ConID        int64  `json:"conId"`
	Symbol       string `json:"symbol"`
	LongName     string `json:"longName,omitempty"`
	PrimaryExch  string `json:"primaryExchange,omitempty"`
	MinTick      string `json:"minTick,omitempty"`
	TradingHours string `json:"tradingHours,omitempty"`
}

// OptionChainParams is one route's option-chain definition.
type OptionChainParams struct {
	Exchange        string    `json:"exchange"`
	UnderlyingConID int64     `json:"underlyingConId"`
	TradingClass    string    `json:"tradingClass"`
	Multiplier      string    `json:"multiplier"`
	Expirations     []string  `json:"expirations"`
	Strikes         []float64 `json:"strikes"`
}

// OptionComputation carries the feed's per-contract model values. Absent values are nil.
type OptionComputation struct {
	ImpliedVol      *float64 `json:"impliedVol,omitempty"`
	Delta           *float64 `json:"delta,omitempty"`
	OptPrice        *float64 `json:"optPrice,omitempty"`
	Gamma           *float64 `json:"gamma,omitempty"`
	Vega            *float64 `json:"vega,omitempty"`
	Theta           *float64 `json:"theta,omitempty"`
	UnderlyingPrice *float64 `json:"undPrice,omitempty"`
}

// Handler receives inbound feed callbacks. Implementations must be safe for concurrent use.
type Handler interface {
	ConnectAck()
	ConnectionClosed()
	ContractDetails(reqID schema.RequestID, details ContractDetails)
	TickPrice(reqID schema.RequestID, tick TickType, price float64)
	SecurityDefinitionOptionParameter(reqID schema.RequestID, params OptionChainParams)
	TickOptionComputation(reqID schema.RequestID, tick TickType, comp OptionComputation)
	Error(reqID schema.RequestID, code int, message string)
}

// Commands issues outbound feed requests.
type Commands interface {
	RequestContractDetails(ctx context.Context, reqID schema.RequestID, inst Instrument) error
	RequestMarketData(ctx context.Context, reqID schema.RequestID, inst Instrument, genericTicks string, snapshot, regulatorySnapshot bool) error
	RequestSecDefOptParams(ctx context.Context, reqID schema.RequestID, symbol, exchange, secType string, underlyingConID int64) error
	Disconnect() error
}

// Client is a feed transport: it accepts commands and delivers callbacks to a Handler once started.
type Client interface {
	Commands
	Start(ctx context.Context, handler Handler) error
}

// Float returns a pointer to v, for optional computation fields.
func Float(v float64) *float64 {
	return &v
}
