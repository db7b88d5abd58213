package surface

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/volsurface/internal/domain/schema"
)

func TestPlanSelectsExpirationsAndBand(t *testing.T) {
	keys := PlanDefault(100,
		[]string{"20240101", "20240105", "20240110", "20240115"},
		[]float64{90, 98, 99, 100, 101, 102, 110},
		"20240103", 2)

	require.Len(t, keys, 10)

	exps := map[string]int{}
	for _, key := range keys {
		exps[key.Expiration]++
		require.GreaterOrEqual(t, key.Strike, 98.0)
		require.LessOrEqual(t, key.Strike, 102.0)
		if key.Strike >= 100 {
			require.Equal(t, schema.Call, key.Right, "strike %v", key.Strike)
		} else {
			require.Equal(t, schema.Put, key.Right, "strike %v", key.Strike)
		}
	}
	require.Equal(t, map[string]int{"20240105": 5, "20240110": 5}, exps)

	require.Equal(t, schema.ContractKey{Expiration: "20240105", Strike: 98, Right: schema.Put}, keys[0])
	require.Equal(t, schema.ContractKey{Expiration: "20240110", Strike: 102, Right: schema.Call}, keys[9])
}

func TestPlanIncludesToday(t *testing.T) {
	keys := PlanDefault(50, []string{"20240103", "20240104"}, []float64{50}, "20240103", 1)
	require.Equal(t, []schema.ContractKey{{Expiration: "20240103", Strike: 50, Right: schema.Call}}, keys)
}

func TestPlanEmptyInputs(t *testing.T) {
	require.Empty(t, PlanDefault(100, nil, []float64{100}, "20240103", 6))
	require.Empty(t, PlanDefault(100, []string{"20240105"}, nil, "20240103", 6))
	require.Empty(t, PlanDefault(0, []string{"20240105"}, []float64{100}, "20240103", 6))
	require.Empty(t, PlanDefault(100, []string{"20240105"}, []float64{100}, "20240103", 0))
	require.Empty(t, PlanDefault(100, []string{"20240101"}, []float64{100}, "20240103", 6))
}

func TestPlanCustomBand(t *testing.T) {
	keys := Plan(100, []string{"20240105"}, []float64{90, 95, 100, 105, 110}, "20240101", 1, 0.05)
	strikes := make([]float64, 0, len(keys))
	for _, key := range keys {
		strikes = append(strikes, key.Strike)
	}
	require.Equal(t, []float64{95, 100, 105}, strikes)
}
