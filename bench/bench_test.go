package bench

import (
	"testing"

	"github.com/bytecodealliance/wasmtime-go"
	"github.com/stretchr/testify/require"

	caseFixtures "github.com/tetratelabs/wazero-instrument/bench/case"
	"github.com/tetratelabs/wazero-instrument/gasmeter"
	"github.com/tetratelabs/wazero-instrument/stacklimit"
)

// TestStackLimitedModuleRuns ensures the stack limiter's output is still a
// valid, executable module: wasmtime-go loads and runs it directly, the way
// tetratelabs-wazero/bench/bench_fac_iter_test.go cross-checks its own
// engines against wasmtime-go.
func TestStackLimitedModuleRuns(t *testing.T) {
	raw := caseFixtures.Encode(caseFixtures.RecursiveCountdown())

	out, err := stacklimit.Inject(raw, 1_000_000)
	require.NoError(t, err)

	store := wasmtime.NewStore(wasmtime.NewEngine())
	module, err := wasmtime.NewModule(store.Engine, out)
	require.NoError(t, err)
	instance, err := wasmtime.NewInstance(store, module, nil)
	require.NoError(t, err)

	countdown := instance.GetFunc(store, "countdown")
	require.NotNil(t, countdown)

	res, err := countdown.Call(store, int32(10))
	require.NoError(t, err)
	require.Equal(t, int32(0), res)
}

// TestStackLimitedModuleTraps confirms a limit set below the fixture's real
// call depth actually trips the guard instead of silently passing through.
func TestStackLimitedModuleTraps(t *testing.T) {
	raw := caseFixtures.Encode(caseFixtures.RecursiveCountdown())

	out, err := stacklimit.Inject(raw, 3)
	require.NoError(t, err)

	store := wasmtime.NewStore(wasmtime.NewEngine())
	module, err := wasmtime.NewModule(store.Engine, out)
	require.NoError(t, err)
	instance, err := wasmtime.NewInstance(store, module, nil)
	require.NoError(t, err)

	countdown := instance.GetFunc(store, "countdown")
	require.NotNil(t, countdown)

	_, err = countdown.Call(store, int32(10))
	require.Error(t, err)
}

func BenchmarkInject(b *testing.B) {
	fixtures := map[string]*[]byte{}
	trivial := caseFixtures.Encode(caseFixtures.Trivial())
	countdown := caseFixtures.Encode(caseFixtures.RecursiveCountdown())
	memoryGrow := caseFixtures.Encode(caseFixtures.MemoryGrowLoop())
	fixtures["trivial"] = &trivial
	fixtures["recursive_countdown"] = &countdown
	fixtures["memory_grow_loop"] = &memoryGrow

	rules := gasmeter.DefaultConstantCostRules()
	rules.MemoryGrowCost = 1

	for name, raw := range fixtures {
		raw := raw
		b.Run("gas/"+name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				if _, err := gasmeter.InjectRaw(*raw, rules, "env"); err != nil {
					b.Fatal(err)
				}
			}
		})
		b.Run("stack/"+name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				if _, err := stacklimit.Inject(*raw, 65536); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
