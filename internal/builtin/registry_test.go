package builtin

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRegistryPreloadsBuiltins(t *testing.T) {
	r := NewRegistry()

	for _, name := range []string{"dimensionSplit", "identity", "merge"} {
		_, ok := r.Lookup(name)
		require.True(t, ok, "expected builtin %q to be registered", name)
	}
}

func TestRegistryLookupMissingReturnsFalse(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Lookup("does-not-exist")

	require.False(t, ok)
}
