//go:build amd64 && cgo && !windows

package bench

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wasmerio/wasmer-go/wasmer"

	caseFixtures "github.com/tetratelabs/wazero-instrument/bench/case"
	"github.com/tetratelabs/wazero-instrument/stacklimit"
)

// TestStackLimitedModuleRunsOnWasmer cross-checks the stack limiter's output
// against a second independent engine, the way
// internal/integration_test/vs/wasmer/wasmer.go cross-checks wazero itself
// against wasmer-go.
func TestStackLimitedModuleRunsOnWasmer(t *testing.T) {
	raw := caseFixtures.Encode(caseFixtures.RecursiveCountdown())
	out, err := stacklimit.Inject(raw, 1_000_000)
	require.NoError(t, err)

	store := wasmer.NewStore(wasmer.NewEngine())
	module, err := wasmer.NewModule(store, out)
	require.NoError(t, err)

	instance, err := wasmer.NewInstance(module, wasmer.NewImportObject())
	require.NoError(t, err)

	countdown, err := instance.Exports.GetFunction("countdown")
	require.NoError(t, err)

	res, err := countdown(int32(10))
	require.NoError(t, err)
	require.Equal(t, int32(0), res)
}
