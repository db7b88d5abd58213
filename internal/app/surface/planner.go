package surface

import (
	"github.com/coachpo/volsurface/internal/domain/schema"
)

// DefaultStrikeBand is the fractional distance from spot within which strikes are subscribed.
const DefaultStrikeBand = 0.02

// Plan selects the option legs to subscribe to: the first maxExpirations expirations on or after
// today crossed with every strike within band of spot. Expirations compare as YYYYMMDD strings.
// Legs at or above spot are calls, legs below are puts. The output is ordered by expiration, then strike.
func Plan(spot float64, expirations []string, strikes []float64, today string, maxExpirations int, band float64) []schema.ContractKey {
	if maxExpirations <= 0 || spot <= 0 {
		return nil
	}
	if band < 0 {
		band = 0
	}

	selected := make([]string, 0, maxExpirations)
	for _, exp := range expirations {
		if len(selected) == maxExpirations {
			break
		}
		if exp >= today {
			selected = append(selected, exp)
		}
	}

	lower := (1 - band) * spot
	upper := (1 + band) * spot
	inBand := make([]float64, 0, len(strikes))
	for _, strike := range strikes {
		if strike >= lower && strike <= upper {
			inBand = append(inBand, strike)
		}
	}

	keys := make([]schema.ContractKey, 0, len(selected)*len(inBand))
	for _, exp := range selected {
		for _, strike := range inBand {
			keys = append(keys, schema.ContractKey{
				Expiration: exp,
				Strike:     strike,
				Right:      schema.RightFor(strike, spot),
			})
		}
	}
	return keys
}

// PlanDefault plans with DefaultStrikeBand.
func PlanDefault(spot float64, expirations []string, strikes []float64, today string, maxExpirations int) []schema.ContractKey {
	return Plan(spot, expirations, strikes, today, maxExpirations, DefaultStrikeBand)
}
