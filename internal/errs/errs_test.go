package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOfClassifiesTypedErrors(t *testing.T) {
	require.Equal(t, KindVerify, KindOf(Verify("bad key")))
	require.Equal(t, KindLogical, KindOf(Logical("rule violated")))
	require.Equal(t, KindEnv, KindOf(Env(errors.New("timeout"), "remote call failed")))
	require.Equal(t, KindDuplicated, KindOf(Duplicated("already exists")))
	require.Equal(t, KindBreak, KindOf(Break("sibling failed")))
}

func TestKindOfDefaultsUnclassifiedErrorsToEnv(t *testing.T) {
	require.Equal(t, KindEnv, KindOf(errors.New("unexpected")))
}

func TestIsMatchesOnlyTheRequestedKind(t *testing.T) {
	err := Logical("bad rule")

	require.True(t, Is(err, KindLogical))
	require.False(t, Is(err, KindVerify))
}

func TestErrorUnwrapsWrappedCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Env(cause, "dial failed")

	require.ErrorIs(t, err, cause)
}
