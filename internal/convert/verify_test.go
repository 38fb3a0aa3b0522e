package convert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/metaflow/engine/internal/errs"
	"github.com/metaflow/engine/internal/model"
)

var fixedNow = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func statefulTarget() model.Meta {
	return model.Meta{Key: "order.summary", Setting: &model.MetaSetting{IsState: true}}
}

var upstream = model.Instance{Meta: "order", ID: 7, Para: "region-a"}

func TestVerifyStatefulRejectsMultipleInstances(t *testing.T) {
	_, err := Verify(upstream, statefulTarget(), nil, []model.Instance{{}, {}}, fixedNow)

	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindLogical))
}

func TestVerifyStatefulNoInstancesIsNoOp(t *testing.T) {
	out, err := Verify(upstream, statefulTarget(), nil, nil, fixedNow)

	require.NoError(t, err)
	require.Nil(t, out)
}

func TestVerifyStatefulFirstVersionStartsAtZero(t *testing.T) {
	out, err := Verify(upstream, statefulTarget(), nil, []model.Instance{{ID: 1}}, fixedNow)

	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, 0, out[0].StateVersion)
	require.Equal(t, "order.summary", out[0].Meta)
	require.Equal(t, upstream.Key(), out[0].FromKey)
}

func TestVerifyStatefulIncrementsVersionAndInheritsIdentity(t *testing.T) {
	last := &model.Instance{Meta: "order.summary", ID: 7, Para: "region-a", StateVersion: 3}

	out, err := Verify(upstream, statefulTarget(), last, []model.Instance{{}}, fixedNow)

	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, 4, out[0].StateVersion)
	require.Equal(t, uint64(7), out[0].ID)
	require.Equal(t, "region-a", out[0].Para)
	require.Equal(t, upstream.Key(), out[0].FromKey)
}

func TestVerifyStatefulPreservesExplicitIdentityOverInheritance(t *testing.T) {
	last := &model.Instance{Meta: "order.summary", ID: 7, Para: "region-a", StateVersion: 3}

	out, err := Verify(upstream, statefulTarget(), last, []model.Instance{{ID: 99, Para: "region-b"}}, fixedNow)

	require.NoError(t, err)
	require.Equal(t, uint64(99), out[0].ID)
	require.Equal(t, "region-b", out[0].Para)
}

func TestVerifyNonStatefulPassesThroughAnyCount(t *testing.T) {
	target := model.Meta{Key: "audit"}

	out, err := Verify(upstream, target, nil, []model.Instance{{ID: 1}, {ID: 2}, {ID: 3}}, fixedNow)

	require.NoError(t, err)
	require.Len(t, out, 3)
	for _, ins := range out {
		require.Equal(t, "audit", ins.Meta)
		require.Equal(t, fixedNow.UnixMilli(), ins.CreateTime)
		require.Equal(t, upstream.Key(), ins.FromKey)
	}
}

func TestVerifyNonStatefulZeroInstancesReturnsEmptySlice(t *testing.T) {
	out, err := Verify(upstream, model.Meta{Key: "audit"}, nil, nil, fixedNow)

	require.NoError(t, err)
	require.Empty(t, out)
}
