package surface

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/volsurface/errs"
	"github.com/coachpo/volsurface/internal/domain/schema"
)

func TestRegistryDuplicateAssignKeepsFirstKey(t *testing.T) {
	registry := NewRegistry()
	first := schema.ContractKey{Expiration: "20240105", Strike: 100, Right: schema.Call}
	second := schema.ContractKey{Expiration: "20240110", Strike: 99, Right: schema.Put}

	require.NoError(t, registry.Assign(1000, first))
	err := registry.Assign(1000, second)
	require.Error(t, err)
	require.True(t, errs.IsCode(err, errs.CodeDuplicateAssignment))

	got, ok := registry.Lookup(1000)
	require.True(t, ok)
	require.Equal(t, first, got)
	require.Equal(t, 1, registry.Len())
}

func TestRegistryRejectsReservedIDs(t *testing.T) {
	registry := NewRegistry()
	key := schema.ContractKey{Expiration: "20240105", Strike: 100, Right: schema.Call}
	for _, id := range []schema.RequestID{schema.ContractDetailsRequestID, schema.ChainRequestID, schema.SpotRequestID} {
		err := registry.Assign(id, key)
		require.True(t, errs.IsCode(err, errs.CodeInvalid), "id %d", id)
	}
	require.Zero(t, registry.Len())
}

func TestRegistryBidirectionalLookup(t *testing.T) {
	registry := NewRegistry()
	key := schema.ContractKey{Expiration: "20240105", Strike: 101, Right: schema.Call}
	require.NoError(t, registry.Assign(1001, key))

	id, ok := registry.IDFor(key)
	require.True(t, ok)
	require.Equal(t, schema.RequestID(1001), id)

	_, ok = registry.Lookup(1002)
	require.False(t, ok)
	_, ok = registry.IDFor(schema.ContractKey{Expiration: "20240105", Strike: 102, Right: schema.Call})
	require.False(t, ok)

	entries := registry.Entries()
	entries[1001] = schema.ContractKey{}
	got, _ := registry.Lookup(1001)
	require.Equal(t, key, got)
}

func TestRegistryConcurrentLookupDuringAssign(t *testing.T) {
	registry := NewRegistry()
	const n = 500

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			key := schema.ContractKey{Expiration: "20240105", Strike: float64(50 + i), Right: schema.Call}
			if err := registry.Assign(schema.FirstLegRequestID+schema.RequestID(i), key); err != nil {
				t.Errorf("assign %d: %v", i, err)
				return
			}
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n; i++ {
				key, ok := registry.Lookup(schema.FirstLegRequestID + schema.RequestID(i))
				if ok && key.Strike != float64(50+i) {
					t.Errorf("torn key for %d: %+v", i, key)
					return
				}
			}
		}()
	}
	wg.Wait()
	require.Equal(t, n, registry.Len())
}
