package wsbridge

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/volsurface/internal/domain/feed"
	"github.com/coachpo/volsurface/internal/domain/schema"
)

// Command operations understood by the relay.
const (
	OpContractDetails = "reqContractDetails"
	OpMarketData      = "reqMktData"
	OpSecDefOptParams = "reqSecDefOptParams"
)

// Event names emitted by the relay.
const (
	EventConnectAck        = "connectAck"
	EventContractDetails   = "contractDetails"
	EventTickPrice         = "tickPrice"
	EventSecDefOptParams   = "securityDefinitionOptionParameter"
	EventOptionComputation = "tickOptionComputation"
	EventError             = "error"
)

// Connectivity notices raised locally when the relay link drops and recovers.
const (
	CodeConnectivityLost     = 1100
	CodeConnectivityRestored = 1102
)

// Command is the outbound JSON envelope.
type Command struct {
	ID                 uint64           `json:"id"`
	Op                 string           `json:"op"`
	ReqID              schema.RequestID `json:"reqId"`
	Contract           *feed.Instrument `json:"contract,omitempty"`
	GenericTicks       string           `json:"genericTicks,omitempty"`
	Snapshot           bool             `json:"snapshot,omitempty"`
	RegulatorySnapshot bool             `json:"regulatorySnapshot,omitempty"`
	Symbol             string           `json:"symbol,omitempty"`
	Exchange           string           `json:"exchange,omitempty"`
	SecType            string           `json:"secType,omitempty"`
	ConID              int64            `json:"conId,omitempty"`
}

// Event is the inbound JSON envelope. Only the fields relevant to Event are populated.
type Event struct {
	Event       string                  `json:"event"`
	ReqID       schema.RequestID        `json:"reqId"`
	TickType    feed.TickType           `json:"tickType,omitempty"`
	Price       float64                 `json:"price,omitempty"`
	Details     *feed.ContractDetails   `json:"details,omitempty"`
	Chain       *feed.OptionChainParams `json:"chain,omitempty"`
	Computation *feed.OptionComputation `json:"computation,omitempty"`
	Code        int                     `json:"code,omitempty"`
	Message     string                  `json:"message,omitempty"`
}

func decodeEvent(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	evt.Event = strings.TrimSpace(evt.Event)
	if evt.Event == "" {
		return Event{}, fmt.Errorf("decode event: missing event name")
	}
	return evt, nil
}

// dispatch forwards evt to handler. It reports false for events it does not recognise or that lack
// their payload.
func dispatch(handler feed.Handler, evt Event) bool {
	switch evt.Event {
	case EventConnectAck:
		handler.ConnectAck()
	case EventContractDetails:
		if evt.Details == nil {
			return false
		}
		handler.ContractDetails(evt.ReqID, *evt.Details)
	case EventTickPrice:
		handler.TickPrice(evt.ReqID, evt.TickType, evt.Price)
	case EventSecDefOptParams:
		if evt.Chain == nil {
			return false
		}
		handler.SecurityDefinitionOptionParameter(evt.ReqID, *evt.Chain)
	case EventOptionComputation:
		if evt.Computation == nil {
			return false
		}
		handler.TickOptionComputation(evt.ReqID, evt.TickType, *evt.Computation)
	case EventError:
		handler.Error(evt.ReqID, evt.Code, evt.Message)
	default:
		return false
	}
	return true
}
