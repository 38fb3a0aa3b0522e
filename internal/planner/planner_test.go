package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/metaflow/engine/internal/errs"
	"github.com/metaflow/engine/internal/model"
)

type fakeLookup struct {
	byKey map[string]*model.Instance
}

func (f *fakeLookup) GetLastState(_ context.Context, meta string, id uint64, para string) (*model.Instance, error) {
	return f.byKey[model.Instance{Meta: meta, ID: id, Para: para}.Key()], nil
}

func (f *fakeLookup) GetByID(_ context.Context, meta string, id uint64, para string, _ int) (*model.Instance, error) {
	return f.byKey[model.Instance{Meta: meta, ID: id, Para: para}.Key()], nil
}

func TestPlanAppliesContextCheckSelector(t *testing.T) {
	instance := model.Instance{Meta: "order", Context: map[string]string{"region": "us"}}
	relations := []model.Relation{
		{FromMeta: "order", ToMeta: "shipment.us", Flow: model.Flow{Selector: "region=us"}},
		{FromMeta: "order", ToMeta: "shipment.eu", Flow: model.Flow{Selector: "region=eu"}},
		{FromMeta: "order", ToMeta: "audit", Flow: model.Flow{}},
	}

	missions := Plan(instance, model.Meta{Key: "order"}, relations)

	require.Len(t, missions, 2)
	var targets []string
	for _, m := range missions {
		targets = append(targets, m.To.Key)
	}
	require.ElementsMatch(t, []string{"shipment.us", "audit"}, targets)
}

func TestPlanAppliesStateCheckIncludeAndExclude(t *testing.T) {
	instance := model.Instance{
		Meta:   "order",
		States: map[string]struct{}{"paid": {}, "flagged": {}},
	}
	relations := []model.Relation{
		{FromMeta: "order", ToMeta: "fulfillment", Flow: model.Flow{
			TargetDemand: model.TargetDemand{StateInclude: []string{"paid"}, StateExclude: []string{"flagged"}},
		}},
		{FromMeta: "order", ToMeta: "receipt", Flow: model.Flow{
			TargetDemand: model.TargetDemand{StateInclude: []string{"paid"}},
		}},
	}

	missions := Plan(instance, model.Meta{Key: "order"}, relations)

	require.Len(t, missions, 1)
	require.Equal(t, "receipt", missions[0].To.Key)
}

func TestResolveTargetLoopOnlyOneSelfReferenceShortCircuits(t *testing.T) {
	from := model.Instance{Meta: "counter", ID: 7}
	mission := &model.Mission{
		To:         model.Meta{Key: "counter", MetaType: model.Loop, Setting: &model.MetaSetting{OnlyOne: true, IsState: true}},
		SysContext: map[string]string{},
	}

	last, err := ResolveTarget(context.Background(), &fakeLookup{}, from, mission)

	require.NoError(t, err)
	require.NotNil(t, last)
	require.Equal(t, from.ID, last.ID)
}

func TestResolveTargetNonStatefulSkipsLookup(t *testing.T) {
	from := model.Instance{Meta: "order", ID: 1}
	mission := &model.Mission{
		To:         model.Meta{Key: "audit"},
		SysContext: map[string]string{},
	}

	last, err := ResolveTarget(context.Background(), &fakeLookup{}, from, mission)

	require.NoError(t, err)
	require.Nil(t, last)
}

func TestResolveTargetUsesUpstreamIDWhenConfigured(t *testing.T) {
	from := model.Instance{Meta: "order", ID: 42}
	target := model.Instance{Meta: "order.summary", ID: 42, StateVersion: 3}
	lookup := &fakeLookup{byKey: map[string]*model.Instance{target.Key(): &target}}
	mission := &model.Mission{
		To:            model.Meta{Key: "order.summary", Setting: &model.MetaSetting{IsState: true}},
		UseUpstreamID: true,
		SysContext:    map[string]string{},
	}

	last, err := ResolveTarget(context.Background(), lookup, from, mission)

	require.NoError(t, err)
	require.NotNil(t, last)
	require.Equal(t, 3, last.StateVersion)
	require.Equal(t, "42", mission.SysContext[model.SysTargetInstanceID])
}

func TestResolveTargetMasterRelationUsesUpstreamID(t *testing.T) {
	from := model.Instance{Meta: "order", ID: 9}
	mission := &model.Mission{
		To:         model.Meta{Key: "order.ledger", Setting: &model.MetaSetting{IsState: true, Master: "order"}},
		SysContext: map[string]string{},
	}

	_, err := ResolveTarget(context.Background(), &fakeLookup{}, from, mission)

	require.NoError(t, err)
	require.Equal(t, "9", mission.SysContext[model.SysTargetInstanceID])
}

func TestResolveTargetEnforcesLastStatusDemand(t *testing.T) {
	from := model.Instance{Meta: "order", ID: 1}
	target := model.Instance{
		Meta: "order.summary", ID: 1,
		States: map[string]struct{}{"locked": {}},
	}
	lookup := &fakeLookup{byKey: map[string]*model.Instance{target.Key(): &target}}
	mission := &model.Mission{
		To:               model.Meta{Key: "order.summary", Setting: &model.MetaSetting{IsState: true}},
		UseUpstreamID:    true,
		SysContext:       map[string]string{},
		LastStatusDemand: &model.LastStatusDemand{TargetStatusExclude: []string{"locked"}},
	}

	_, err := ResolveTarget(context.Background(), lookup, from, mission)

	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindLogical))
}

func TestResolveTargetAllowsWhenExcludedStatusAbsent(t *testing.T) {
	from := model.Instance{Meta: "order", ID: 1}
	target := model.Instance{Meta: "order.summary", ID: 1}
	lookup := &fakeLookup{byKey: map[string]*model.Instance{target.Key(): &target}}
	mission := &model.Mission{
		To:               model.Meta{Key: "order.summary", Setting: &model.MetaSetting{IsState: true}},
		UseUpstreamID:    true,
		SysContext:       map[string]string{},
		LastStatusDemand: &model.LastStatusDemand{TargetStatusExclude: []string{"locked"}},
	}

	last, err := ResolveTarget(context.Background(), lookup, from, mission)

	require.NoError(t, err)
	require.NotNil(t, last)
}

func TestResolveTargetAppendParaFromUpstream(t *testing.T) {
	from := model.Instance{Meta: "order", ID: 1, Para: "region-a|tier-gold"}
	mission := &model.Mission{
		To:           model.Meta{Key: "order.region_rollup", Setting: &model.MetaSetting{IsState: true}},
		TargetDemand: model.TargetDemand{AppendPara: []int{1}},
		SysContext:   map[string]string{},
	}

	_, err := ResolveTarget(context.Background(), &fakeLookup{}, from, mission)

	require.NoError(t, err)
	require.Equal(t, "tier-gold", mission.SysContext[model.SysTargetInstancePara])
}

func TestResolveTargetRejectsOutOfRangeAppendParaIndex(t *testing.T) {
	from := model.Instance{Meta: "order", ID: 1, Para: "region-a"}
	mission := &model.Mission{
		To:           model.Meta{Key: "order.region_rollup", Setting: &model.MetaSetting{IsState: true}},
		TargetDemand: model.TargetDemand{AppendPara: []int{5}},
		SysContext:   map[string]string{},
	}

	_, err := ResolveTarget(context.Background(), &fakeLookup{}, from, mission)

	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindLogical))
}
