// Package planner resolves, for one stored instance, the set of
// missions (target meta + executor + context) that should be
// converted next — the mission-planning step of the four-stage
// pipeline.
package planner

import (
	"context"
	"strconv"
	"strings"

	"github.com/metaflow/engine/internal/errs"
	"github.com/metaflow/engine/internal/model"
)

// InstanceLookup is the read surface the planner needs from the
// instance store to resolve a stateful target's last state.
type InstanceLookup interface {
	GetLastState(ctx context.Context, meta string, id uint64, para string) (*model.Instance, error)
	GetByID(ctx context.Context, meta string, id uint64, para string, version int) (*model.Instance, error)
}

// Plan resolves every given relation into a Mission, applying the
// flow's Selector as context_check and its TargetDemand states as
// state_check. Each mission's SysContext starts as a copy of the
// upstream instance's. Plan uses the relations exactly as passed; for a
// Multi meta the caller supplies the member metas' relations.
func Plan(instance model.Instance, fromMeta model.Meta, relations []model.Relation) []model.Mission {
	var missions []model.Mission
	for _, rel := range relations {
		if !contextCheck(instance, rel.Flow) {
			continue
		}
		if !stateCheck(instance, rel.Flow.TargetDemand) {
			continue
		}
		m := toMission(rel)
		for k, v := range instance.SysContext {
			m.SysContext[k] = v
		}
		missions = append(missions, m)
	}
	return missions
}

func toMission(rel model.Relation) model.Mission {
	return model.Mission{
		To:               model.Meta{Key: rel.ToMeta},
		Executor:         rel.Flow.Executor,
		UseUpstreamID:    rel.Flow.UseUpstreamID,
		TargetDemand:     rel.Flow.TargetDemand,
		SysContext:       map[string]string{},
		LastStatusDemand: rel.Flow.LastStatusDemand,
	}
}

// contextCheck evaluates a flow's selector against the upstream
// instance's context. An empty selector always matches; otherwise the
// selector is a "key=value" context-equality check, the common case
// real relation definitions use.
func contextCheck(instance model.Instance, flow model.Flow) bool {
	if flow.Selector == "" {
		return true
	}
	kv := strings.SplitN(flow.Selector, "=", 2)
	if len(kv) != 2 {
		return true
	}
	return instance.Context[kv[0]] == kv[1]
}

// stateCheck enforces a relation's required/forbidden upstream states.
func stateCheck(instance model.Instance, demand model.TargetDemand) bool {
	for _, want := range demand.StateInclude {
		if !instance.HasState(want) {
			return false
		}
	}
	for _, forbidden := range demand.StateExclude {
		if instance.HasState(forbidden) {
			return false
		}
	}
	return true
}

const (
	contextTargetInstanceID   = model.SysTargetInstanceID
	contextTargetInstancePara = model.SysTargetInstancePara
)

// ResolveTarget computes sys_context for mission and, for a stateful
// target, loads its current last-stored state. A Loop meta with
// OnlyOne set short-circuits: the upstream instance itself stands in
// as the target's last state, with no DB lookup at all.
func ResolveTarget(ctx context.Context, lookup InstanceLookup, from model.Instance, mission *model.Mission) (*model.Instance, error) {
	if mission.To.MetaType == model.Loop && mission.To.Key == from.Meta {
		if mission.To.Setting != nil && mission.To.Setting.OnlyOne {
			return &from, nil
		}
	}

	if !mission.To.IsState() {
		return nil, nil
	}

	paraID := ""
	if len(mission.TargetDemand.AppendPara) > 0 {
		id, err := appendParaFromUpstream(from.Para, mission.TargetDemand.AppendPara)
		if err != nil {
			return nil, err
		}
		mission.SysContext[contextTargetInstancePara] = id
		paraID = id
	}

	var idStr string
	if v, ok := mission.SysContext[contextTargetInstanceID]; ok {
		idStr = v
	} else if mission.UseUpstreamID || checkMaster(mission.To, from.Meta) {
		idStr = strconv.FormatUint(from.ID, 10)
		mission.SysContext[contextTargetInstanceID] = idStr
	} else {
		idStr = "0"
	}

	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return nil, errs.Logical("invalid target instance id %q: %v", idStr, err)
	}

	last, err := lookup.GetLastState(ctx, mission.To.Key, id, paraID)
	if err != nil {
		return nil, err
	}
	if last != nil && mission.LastStatusDemand != nil {
		if err := checkLastStatus(last, mission.LastStatusDemand); err != nil {
			return nil, err
		}
	}
	return last, nil
}

func checkMaster(to model.Meta, fromMeta string) bool {
	return to.Setting != nil && to.Setting.Master == fromMeta
}

// appendParaFromUpstream extracts the named "|"-separated parts of the
// upstream para to build the target's own para/id fragment.
func appendParaFromUpstream(para string, indices []int) (string, error) {
	parts := strings.Split(para, "|")
	out := make([]string, 0, len(indices))
	for _, i := range indices {
		if i < 0 || i >= len(parts) {
			return "", errs.Logical("append_para index %d out of range for para %q", i, para)
		}
		out = append(out, parts[i])
	}
	return strings.Join(out, "|"), nil
}

func checkLastStatus(last *model.Instance, demand *model.LastStatusDemand) error {
	for _, want := range demand.TargetStatusInclude {
		if !last.HasState(want) {
			return errs.Logical("target instance does not include required status %q", want)
		}
	}
	for _, forbidden := range demand.TargetStatusExclude {
		if last.HasState(forbidden) {
			return errs.Logical("target instance contains excluded status %q", forbidden)
		}
	}
	return nil
}
