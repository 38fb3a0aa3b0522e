package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstanceKeyJoinsMetaIDPara(t *testing.T) {
	ins := Instance{Meta: "order", ID: 42, Para: "region-a"}

	require.Equal(t, "order|42|region-a", ins.Key())
}

func TestInstanceKeyOmitsStateVersion(t *testing.T) {
	v1 := Instance{Meta: "order", ID: 1, StateVersion: 1}
	v2 := Instance{Meta: "order", ID: 1, StateVersion: 2}

	require.Equal(t, v1.Key(), v2.Key())
}

func TestInstanceHasState(t *testing.T) {
	ins := Instance{States: map[string]struct{}{"paid": {}}}

	require.True(t, ins.HasState("paid"))
	require.False(t, ins.HasState("shipped"))
}

func TestSplitKeyDiscardsPartsBeyondThird(t *testing.T) {
	parts := SplitKey("order|42|region-a|extra|stuff")

	require.Equal(t, []string{"order", "42", "region-a"}, parts)
}

func TestSplitKeyShortKey(t *testing.T) {
	parts := SplitKey("order")

	require.Equal(t, []string{"order"}, parts)
}

func TestTaskTypeString(t *testing.T) {
	require.Equal(t, "store", Store.String())
	require.Equal(t, "convert", Convert.String())
	require.Equal(t, "batch_serial", BatchSerial.String())
	require.Equal(t, "batch_parallel", BatchParallel.String())
}

func TestMetaIsState(t *testing.T) {
	require.False(t, Meta{Key: "order"}.IsState())
	require.False(t, Meta{Key: "order", Setting: &MetaSetting{}}.IsState())
	require.True(t, Meta{Key: "order", Setting: &MetaSetting{IsState: true}}.IsState())
}

func TestConverterResultConstructors(t *testing.T) {
	require.Equal(t, ResultInstances, Instances(Instance{ID: 1}).Kind)
	require.Equal(t, ResultSelfRoute, SelfRoute(SelfRouted{}).Kind)
	require.Equal(t, ResultLogicalError, LogicalErrorResult("bad").Kind)
	require.Equal(t, ResultEnvError, EnvErrorResult("down").Kind)
	require.Equal(t, ResultDelay, Delay(30).Kind)
	require.Equal(t, 30, Delay(30).DelaySeconds)
}
