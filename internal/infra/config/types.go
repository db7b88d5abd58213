package config

import "strings"

// Environment identifies the runtime environment the aggregator runs in.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// FeedMode selects the market data client implementation.
type FeedMode string

const (
	// FeedSim drives the session from the in-process simulated venue.
	FeedSim FeedMode = "sim"
	// FeedBridge connects to a websocket relay in front of the brokerage gateway.
	FeedBridge FeedMode = "bridge"
)

func normaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func normaliseLower(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
