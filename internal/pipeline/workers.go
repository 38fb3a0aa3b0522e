package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/metaflow/engine/internal/convert"
	"github.com/metaflow/engine/internal/errs"
	"github.com/metaflow/engine/internal/eventbus"
	"github.com/metaflow/engine/internal/model"
	"github.com/metaflow/engine/internal/planner"
)

// processStoreTask runs the Store phase: insert the instance, plan its
// outgoing missions, and fan them out into Convert/BatchSerial children.
func (e *Engine) processStoreTask(ctx context.Context, task model.RawTask) {
	payload, err := decodeStore(task.Data)
	if err != nil {
		e.classify(ctx, task, errs.Logical("decode store payload: %v", err))
		return
	}
	children, err := e.storePhase(ctx, payload.Instance)
	if err != nil {
		e.classify(ctx, task, err)
		return
	}
	if err := e.commitChildren(ctx, task, children); err != nil {
		e.classify(ctx, task, err)
		return
	}
	e.metrics.TasksStored.Add(ctx, 1)
	e.bus.Publish(ctx, eventbus.SubjectStored, map[string]any{"key": payload.Instance.Key()})
}

// storePhase inserts instance and plans its missions into Convert
// (one sibling) or BatchSerial (siblings converging on the same
// stateful target) children. It never enqueues or saves — the caller
// commits children atomically alongside deleting the parent task.
func (e *Engine) storePhase(ctx context.Context, instance model.Instance) ([]model.RawTask, error) {
	// A Duplicated insert means this exact (meta, id, para, state_version)
	// row was already written by an earlier attempt at this same task —
	// most often a crash between "instance inserted" and "children
	// committed". The instance in hand is the identical, deterministically
	// content-addressed value that produced that row, so planning proceeds
	// from it rather than aborting and losing every downstream instance.
	if err := e.instances.Insert(ctx, instance); err != nil && !errs.Is(err, errs.KindDuplicated) {
		return nil, err
	}

	meta, err := e.cache.GetMeta(ctx, instance.Meta)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, errs.Logical("unknown meta %q", instance.Meta)
	}
	relations, err := e.cache.GetRelations(ctx, instance.Meta)
	if err != nil {
		return nil, err
	}
	if meta.MetaType == model.Multi && meta.Setting != nil {
		relations, err = e.multiRelations(ctx, meta.Setting.MultiMeta)
		if err != nil {
			return nil, err
		}
	}
	missions := planner.Plan(instance, *meta, relations)
	if len(missions) == 0 {
		return nil, nil
	}

	type resolvedMission struct {
		mission model.Mission
		last    *model.Instance
	}
	groups := map[string][]resolvedMission{}
	var order []string

	for i, m := range missions {
		mission := m
		targetMeta, err := e.cache.GetMeta(ctx, mission.To.Key)
		if err != nil {
			return nil, err
		}
		if targetMeta != nil {
			mission.To = *targetMeta
		}

		last, err := planner.ResolveTarget(ctx, e.instances, instance, &mission)
		if err != nil {
			return nil, err
		}

		key := fmt.Sprintf("solo#%d#%s", i, mission.To.Key)
		if mission.To.IsState() {
			key = "state#" + mission.To.Key + "|" + mission.SysContext[model.SysTargetInstanceID] + "|" + mission.SysContext[model.SysTargetInstancePara]
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], resolvedMission{mission: mission, last: last})
	}

	var children []model.RawTask
	for _, key := range order {
		items := groups[key]
		if len(items) == 1 {
			it := items[0]
			cp := ConvertPayload{From: instance, LastState: it.last, Mission: it.mission}
			children = append(children, newRawTask(model.Convert, instance.Key()+">"+it.mission.To.Key, cp))
			continue
		}
		cps := make([]ConvertPayload, 0, len(items))
		for _, it := range items {
			cps = append(cps, ConvertPayload{From: instance, LastState: it.last, Mission: it.mission})
		}
		children = append(children, newRawTask(model.BatchSerial, instance.Key()+">"+key, BatchSerialPayload{Items: cps}))
	}
	return children, nil
}

// multiRelations substitutes a Multi meta's own (empty) relation set
// with the union of its embedded member metas' relations, in member
// order, so planning a Multi instance fans out exactly as if the
// instance belonged to each embedded meta in turn.
func (e *Engine) multiRelations(ctx context.Context, members []string) ([]model.Relation, error) {
	var relations []model.Relation
	for _, member := range members {
		rels, err := e.cache.GetRelations(ctx, member)
		if err != nil {
			return nil, err
		}
		relations = append(relations, rels...)
	}
	return relations, nil
}

// processConvertTask dispatches one planned mission and turns its
// result into the next Store/BatchParallel child, if any.
func (e *Engine) processConvertTask(ctx context.Context, task model.RawTask) {
	payload, err := decodeConvert(task.Data)
	if err != nil {
		e.classify(ctx, task, errs.Logical("decode convert payload: %v", err))
		return
	}

	result, err := e.invoke(ctx, task.TaskID, payload.Mission, payload.From, payload.LastState)
	if err != nil {
		e.classify(ctx, task, err)
		return
	}

	child, aborted := e.resultToChild(ctx, task, payload.From, payload.Mission.To, payload.LastState, result)
	if aborted {
		return
	}
	if err := e.commitChildren(ctx, task, nonNilSlice(child)); err != nil {
		e.classify(ctx, task, err)
		return
	}
	e.metrics.TasksConverted.Add(ctx, 1)
	e.bus.Publish(ctx, eventbus.SubjectConverted, map[string]any{"target": payload.Mission.To.Key})
}

func (e *Engine) invoke(ctx context.Context, taskID string, mission model.Mission, from model.Instance, last *model.Instance) (model.ConverterResult, error) {
	param := model.ConverterParameter{From: from, LastState: last, TaskID: taskID}
	if mission.Executor != nil {
		param.Cfg = mission.Executor.Settings
	}
	return e.dispatcher.Invoke(ctx, mission, param)
}

// resultToChild turns one converter result into at most one child
// RawTask. The bool return reports whether the caller already
// classified (retried/moved-to-error/rescheduled) the owning task and
// must stop — nothing further should run for it this round.
func (e *Engine) resultToChild(ctx context.Context, task model.RawTask, from model.Instance, target model.Meta, last *model.Instance, result model.ConverterResult) (*model.RawTask, bool) {
	switch result.Kind {
	case model.ResultInstances:
		verified, err := convert.Verify(from, target, last, result.Instances, time.Now())
		if err != nil {
			e.classify(ctx, task, err)
			return nil, true
		}
		if len(verified) == 0 {
			return nil, false
		}
		if len(verified) == 1 {
			c := newRawTask(model.Store, verified[0].Key(), StorePayload{Instance: verified[0]})
			return &c, false
		}
		c := newRawTask(model.BatchParallel, target.Key, BatchParallelPayload{Instances: verified})
		return &c, false

	case model.ResultLogicalError:
		e.classify(ctx, task, errs.Logical("%s", result.Message))
		return nil, true

	case model.ResultEnvError:
		e.classify(ctx, task, errs.Env(errors.New(result.Message), "converter reported an environment error"))
		return nil, true

	case model.ResultDelay:
		at := time.Now().Add(time.Duration(result.DelaySeconds) * time.Second).UnixMilli()
		if err := e.tasks.UpdateExecuteTime(ctx, task.TaskID, at); err != nil {
			slog.Error("pipeline: update_execute_time for delay failed", "task_id", task.TaskID, "error", err)
		}
		return nil, true

	case model.ResultSelfRoute:
		if task.TaskType == model.Convert {
			e.handleSelfRoute(ctx, task, result.SelfRoute)
			return nil, true
		}
		// Self-route inside a batch_serial/batch_parallel task has no
		// single owning target to resolve against; not supported.
		e.classify(ctx, task, errs.Logical("self_route result is not supported inside a batch task"))
		return nil, true

	default:
		e.classify(ctx, task, errs.Logical("unknown converter result kind %v", result.Kind))
		return nil, true
	}
}

// handleSelfRoute builds Convert children directly from the missions a
// self-routing converter names, bypassing the planner entirely — the
// Go reading of the original "self route" converter return variant.
func (e *Engine) handleSelfRoute(ctx context.Context, task model.RawTask, routed []model.SelfRouted) {
	var children []model.RawTask
	for _, r := range routed {
		for _, m := range r.Missions {
			mission := m
			if targetMeta, err := e.cache.GetMeta(ctx, mission.To.Key); err == nil && targetMeta != nil {
				mission.To = *targetMeta
			}
			if mission.SysContext == nil {
				mission.SysContext = map[string]string{}
			}
			last, err := planner.ResolveTarget(ctx, e.instances, r.Instance, &mission)
			if err != nil {
				e.classify(ctx, task, err)
				return
			}
			cp := ConvertPayload{From: r.Instance, LastState: last, Mission: mission}
			children = append(children, newRawTask(model.Convert, r.Instance.Key()+">"+mission.To.Key, cp))
		}
	}
	if err := e.commitChildren(ctx, task, children); err != nil {
		e.classify(ctx, task, err)
		return
	}
	e.metrics.TasksConverted.Add(ctx, 1)
}

// processBatchSerialTask drains a group of sibling missions that
// converge on the same stateful target one at a time. The first
// stateful sibling reads the last state fresh from the store; each
// later one uses the instance the previous sibling produced as its last
// state, so state_version stays monotonic even though the siblings were
// planned in the same round.
func (e *Engine) processBatchSerialTask(ctx context.Context, task model.RawTask) {
	payload, err := decodeBatchSerial(task.Data)
	if err != nil {
		e.classify(ctx, task, errs.Logical("decode batch_serial payload: %v", err))
		return
	}

	var children []model.RawTask
	var carried *model.Instance
	for _, item := range payload.Items {
		mission := item.Mission
		last := item.LastState
		if mission.To.IsState() && carried != nil {
			last = carried
		} else if mission.To.IsState() {
			id, _ := strconv.ParseUint(mission.SysContext[model.SysTargetInstanceID], 10, 64)
			fresh, err := e.instances.GetLastState(ctx, mission.To.Key, id, mission.SysContext[model.SysTargetInstancePara])
			if err != nil {
				e.classify(ctx, task, err)
				return
			}
			last = fresh
		}

		result, err := e.invoke(ctx, task.TaskID, mission, item.From, last)
		if err != nil {
			e.classify(ctx, task, err)
			return
		}
		child, aborted := e.resultToChild(ctx, task, item.From, mission.To, last, result)
		if aborted {
			return
		}
		if child != nil {
			children = append(children, *child)
			if mission.To.IsState() && child.TaskType == model.Store {
				if sp, err := decodeStore(child.Data); err == nil {
					carried = &sp.Instance
				}
			}
		}
	}

	if err := e.commitChildren(ctx, task, children); err != nil {
		e.classify(ctx, task, err)
		return
	}
	e.metrics.TasksConverted.Add(ctx, 1)
}

// processBatchParallelTask runs the full Store phase independently for
// every instance a single non-stateful conversion produced, committing
// every resulting child in one transaction alongside deleting the
// batch_parallel parent.
func (e *Engine) processBatchParallelTask(ctx context.Context, task model.RawTask) {
	payload, err := decodeBatchParallel(task.Data)
	if err != nil {
		e.classify(ctx, task, errs.Logical("decode batch_parallel payload: %v", err))
		return
	}

	var children []model.RawTask
	for _, ins := range payload.Instances {
		c, err := e.storePhase(ctx, ins)
		if err != nil {
			e.classify(ctx, task, err)
			return
		}
		children = append(children, c...)
	}

	if err := e.commitChildren(ctx, task, children); err != nil {
		e.classify(ctx, task, err)
		return
	}
	e.metrics.TasksStored.Add(ctx, 1)
}

// callbackDelivery carries an asynchronously-delivered converter
// result back into the pipeline — the counterpart of a ConvertPayload
// dispatched through an async executor, correlated by task id via
// callbackstore.
type callbackDelivery struct {
	Task      model.RawTask
	Mission   model.Mission
	From      model.Instance
	LastState *model.Instance
	Result    model.ConverterResult
}

// DeliverCallback looks up the pending correlation for taskID and, if
// found, hands the delivered result to the callback worker pool. It
// reports whether a pending entry existed — a false return lets the
// HTTP handler answer a duplicate or unknown callback POST with 404
// instead of silently accepting it.
func (e *Engine) DeliverCallback(ctx context.Context, taskID string, result model.ConverterResult) bool {
	pending, ok, err := e.callbacks.Take(taskID)
	if err != nil {
		slog.Error("pipeline: take pending callback failed", "task_id", taskID, "error", err)
		return false
	}
	if !ok {
		return false
	}
	var payload ConvertPayload
	if err := json.Unmarshal(pending.MissionJSON, &payload); err != nil {
		slog.Error("pipeline: decode pending callback payload failed", "task_id", taskID, "error", err)
		return false
	}
	d := callbackDelivery{
		Task:      model.RawTask{TaskID: taskID, TaskType: model.Convert},
		Mission:   payload.Mission,
		From:      payload.From,
		LastState: payload.LastState,
		Result:    result,
	}
	select {
	case e.callbackCh <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) processCallbackTask(ctx context.Context, d callbackDelivery) {
	child, aborted := e.resultToChild(ctx, d.Task, d.From, d.Mission.To, d.LastState, d.Result)
	if aborted {
		return
	}
	if err := e.commitChildren(ctx, d.Task, nonNilSlice(child)); err != nil {
		e.classify(ctx, d.Task, err)
		return
	}
	e.metrics.TasksConverted.Add(ctx, 1)
	e.bus.Publish(ctx, eventbus.SubjectConverted, map[string]any{"target": d.Mission.To.Key, "via": "callback"})
}

// commitChildren atomically saves children alongside deleting task, or
// simply deletes task when there's nothing further to do, then
// enqueues every child onto its channel.
func (e *Engine) commitChildren(ctx context.Context, task model.RawTask, children []model.RawTask) error {
	if len(children) == 0 {
		return e.tasks.Delete(ctx, task.TaskID)
	}
	if err := e.tasks.SaveBatch(ctx, children, task.TaskID); err != nil {
		return err
	}
	for _, c := range children {
		e.enqueue(ctx, c)
	}
	return nil
}

func nonNilSlice(t *model.RawTask) []model.RawTask {
	if t == nil {
		return nil
	}
	return []model.RawTask{*t}
}
