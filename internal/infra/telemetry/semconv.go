package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by volsurface instruments, following namespace.attribute_name.
const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrEventType classifies feed callbacks (tick_price, option_computation, ...).
	AttrEventType = attribute.Key("event.type")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrReason explains a drop or failure.
	AttrReason = attribute.Key("reason")
	// AttrSymbol captures the underlying symbol.
	AttrSymbol = attribute.Key("symbol")
	// AttrFeed identifies the feed transport (sim, bridge).
	AttrFeed = attribute.Key("feed")
	// AttrGate names a rendezvous gate.
	AttrGate = attribute.Key("gate")
	// AttrConnectionState labels connection lifecycle signals.
	AttrConnectionState = attribute.Key("connection.state")
	// AttrOperation differentiates persistence operations.
	AttrOperation = attribute.Key("operation")
	// AttrErrorCode carries the feed's numeric error code.
	AttrErrorCode = attribute.Key("error.code")
)

// Event type values.
const (
	EventTypeContractDetails   = "contract_details"
	EventTypeTickPrice         = "tick_price"
	EventTypeChainDefinition   = "chain_definition"
	EventTypeOptionComputation = "option_computation"
	EventTypeError             = "error"
	EventTypeConnection        = "connection"
)

// Result values.
const (
	ResultAccepted = "accepted"
	ResultDropped  = "dropped"
	ResultSuccess  = "success"
	ResultFailure  = "failure"
)

// EventAttributes returns attributes for feed event counters.
func EventAttributes(environment, eventType, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
		AttrResult.String(result),
	}
}

// DropAttributes returns attributes for a dropped feed event.
func DropAttributes(environment, eventType, reason string) []attribute.KeyValue {
	return append(EventAttributes(environment, eventType, ResultDropped), AttrReason.String(reason))
}

// OperationResultAttributes returns attributes for persistence operations.
func OperationResultAttributes(environment, symbol, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSymbol.String(symbol),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// ConnectionAttributes returns attributes for feed connection lifecycle metrics.
func ConnectionAttributes(environment, feed, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrFeed.String(feed),
		AttrConnectionState.String(state),
	}
}
