// Package schema defines the canonical volatility surface types shared across components.
package schema

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// RequestID is a caller-assigned feed request identifier, unique within a session.
type RequestID int

const (
	// NoRequestID tags connection-level notifications that belong to no request.
	NoRequestID RequestID = -1
	// ContractDetailsRequestID resolves the underlying's canonical contract identifier.
	ContractDetailsRequestID RequestID = 1
	// ChainRequestID requests the option-chain definition for the underlying.
	ChainRequestID RequestID = 2
	// FirstLegRequestID is the first identifier of the contiguous option-leg block.
	FirstLegRequestID RequestID = 1000
	// SpotRequestID subscribes to the underlying's spot price.
	SpotRequestID RequestID = 9999
)

// Reserved reports whether id belongs to the fixed non-leg identifiers.
func (id RequestID) Reserved() bool {
	switch id {
	case ContractDetailsRequestID, ChainRequestID, SpotRequestID:
		return true
	default:
		return false
	}
}

// OptionRight distinguishes calls from puts.
type OptionRight string

const (
	// Call is the right to buy the underlying.
	Call OptionRight = "C"
	// Put is the right to sell the underlying.
	Put OptionRight = "P"
)

// Validate ensures the right is one of the supported values.
func (r OptionRight) Validate() error {
	switch r {
	case Call, Put:
		return nil
	default:
		return fmt.Errorf("option right %q unsupported", string(r))
	}
}

// ExpirationLayout is the fixed-width layout of option expirations.
const ExpirationLayout = "20060102"

// ContractKey identifies a single option leg of the surface.
type ContractKey struct {
	Expiration string      `json:"expiration"`
	Strike     float64     `json:"strike"`
	Right      OptionRight `json:"right"`
}

// Validate checks the key fields are well formed.
func (k ContractKey) Validate() error {
	if _, err := ParseExpiration(k.Expiration); err != nil {
		return err
	}
	if math.IsNaN(k.Strike) || math.IsInf(k.Strike, 0) || k.Strike <= 0 {
		return fmt.Errorf("strike %v must be a positive finite number", k.Strike)
	}
	return k.Right.Validate()
}

func (k ContractKey) String() string {
	return fmt.Sprintf("%s %s %g", k.Expiration, k.Right, k.Strike)
}

// ParseExpiration converts a YYYYMMDD expiration into a UTC date.
func ParseExpiration(value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if len(trimmed) != len(ExpirationLayout) {
		return time.Time{}, fmt.Errorf("expiration %q must be YYYYMMDD", value)
	}
	ts, err := time.Parse(ExpirationLayout, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse expiration %q: %w", value, err)
	}
	return ts, nil
}

// FormatExpiration renders a date in the YYYYMMDD layout.
func FormatExpiration(ts time.Time) string {
	return ts.Format(ExpirationLayout)
}

// RightFor assigns Call at or above spot and Put below it.
func RightFor(strike, spot float64) OptionRight {
	if strike >= spot {
		return Call
	}
	return Put
}

// Point is the latest implied volatility observed for one request identifier.
type Point struct {
	ID         RequestID `json:"id"`
	ImpliedVol float64   `json:"impliedVol"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// InstrumentState captures the resolved underlying.
type InstrumentState struct {
	ConID    int64   `json:"conId"`
	Spot     float64 `json:"spot"`
	Resolved bool    `json:"resolved"`
}

// ChainDefinition lists the strictly ascending expirations and strikes offered for the underlying.
type ChainDefinition struct {
	Route       string    `json:"route"`
	Expirations []string  `json:"expirations"`
	Strikes     []float64 `json:"strikes"`
}

// Clone returns a deep copy of the chain definition.
func (c ChainDefinition) Clone() ChainDefinition {
	clone := ChainDefinition{Route: c.Route}
	clone.Expirations = append([]string(nil), c.Expirations...)
	clone.Strikes = append([]float64(nil), c.Strikes...)
	return clone
}
