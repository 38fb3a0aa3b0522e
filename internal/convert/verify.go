package convert

import (
	"time"

	"github.com/metaflow/engine/internal/errs"
	"github.com/metaflow/engine/internal/model"
)

// Verify applies the post-processing every converter result's
// instances pass through before they become storable candidates: a
// stateful target may emit at most one instance (version = last+1,
// id/para defaulting from the last state), while a non-stateful target
// may emit any number, each simply relabeled onto the mission's target
// meta. Every returned instance has from_key set to the upstream's
// composite key, regardless of statefulness.
func Verify(from model.Instance, target model.Meta, lastState *model.Instance, instances []model.Instance, now time.Time) ([]model.Instance, error) {
	if target.IsState() {
		if len(instances) > 1 {
			return nil, errs.Logical("stateful target %s: converter returned %d instances, must return at most 1", target.Key, len(instances))
		}
		if len(instances) == 0 {
			return nil, nil
		}
		ins := instances[0]
		ins.Meta = target.Key
		ins.CreateTime = now.UnixMilli()
		ins.FromKey = from.Key()
		if lastState != nil {
			ins.StateVersion = lastState.StateVersion + 1
			if ins.ID == 0 {
				ins.ID = lastState.ID
			}
			if ins.Para == "" {
				ins.Para = lastState.Para
			}
		} else {
			ins.StateVersion = 0
		}
		return []model.Instance{ins}, nil
	}

	out := make([]model.Instance, 0, len(instances))
	for _, ins := range instances {
		ins.Meta = target.Key
		ins.CreateTime = now.UnixMilli()
		ins.FromKey = from.Key()
		out = append(out, ins)
	}
	return out, nil
}
