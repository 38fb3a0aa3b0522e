// Package pipeline is the runtime: five bounded channels, one worker
// pool per channel, and the four-stage state machine (Store ->
// Converted -> Convert -> Store) that drives instances through the
// relation graph. Adapted from the teacher's DAGEngine/Scheduler
// channel-and-worker-pool shape, generalized from "DAG task nodes" to
// "RawTask envelopes".
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/metaflow/engine/internal/callbackstore"
	"github.com/metaflow/engine/internal/convert"
	"github.com/metaflow/engine/internal/errs"
	"github.com/metaflow/engine/internal/eventbus"
	"github.com/metaflow/engine/internal/metacache"
	"github.com/metaflow/engine/internal/model"
	"github.com/metaflow/engine/internal/store"
	"github.com/metaflow/engine/internal/telemetry"
)

// Engine owns the five task channels and their worker pools.
type Engine struct {
	instances  *store.InstanceStore
	tasks      *store.TaskStore
	cache      *metacache.Cache
	dispatcher *convert.Dispatcher
	callbacks  *callbackstore.Store
	bus        *eventbus.Bus
	metrics    telemetry.Metrics
	tracer     trace.Tracer

	storeCh         chan model.RawTask
	convertCh       chan model.RawTask
	batchSerialCh   chan model.RawTask
	batchParallelCh chan model.RawTask
	callbackCh      chan callbackDelivery

	inflight *inFlight
	cron     *cron.Cron
	done     chan struct{}
}

// Workers configures how many goroutines drain each channel.
type Workers struct {
	Store, Convert, BatchSerial, BatchParallel, Callback int
}

// DefaultWorkers mirrors the teacher's default worker-pool sizing: a
// handful of goroutines per stage, generous enough for the bounded
// channel depth not to matter at ordinary load.
func DefaultWorkers() Workers {
	return Workers{Store: 8, Convert: 16, BatchSerial: 2, BatchParallel: 8, Callback: 4}
}

func New(
	instances *store.InstanceStore,
	tasks *store.TaskStore,
	cache *metacache.Cache,
	dispatcher *convert.Dispatcher,
	callbacks *callbackstore.Store,
	bus *eventbus.Bus,
	metrics telemetry.Metrics,
	channelCap int,
) *Engine {
	return &Engine{
		instances:       instances,
		tasks:           tasks,
		cache:           cache,
		dispatcher:      dispatcher,
		callbacks:       callbacks,
		bus:             bus,
		metrics:         metrics,
		tracer:          otel.Tracer("metaflow-pipeline"),
		storeCh:         make(chan model.RawTask, channelCap),
		convertCh:       make(chan model.RawTask, channelCap),
		batchSerialCh:   make(chan model.RawTask, channelCap),
		batchParallelCh: make(chan model.RawTask, channelCap),
		callbackCh:      make(chan callbackDelivery, channelCap),
		inflight:        newInFlight(),
		cron:            cron.New(cron.WithSeconds()),
		done:            make(chan struct{}),
	}
}

// Start launches every worker pool and the scavenger cron entry.
func (e *Engine) Start(ctx context.Context, w Workers, scavengeCron string) error {
	for i := 0; i < w.Store; i++ {
		go e.runLoop(ctx, e.storeCh, e.processStoreTask)
	}
	for i := 0; i < w.Convert; i++ {
		go e.runLoop(ctx, e.convertCh, e.processConvertTask)
	}
	for i := 0; i < w.BatchSerial; i++ {
		go e.runLoop(ctx, e.batchSerialCh, e.processBatchSerialTask)
	}
	for i := 0; i < w.BatchParallel; i++ {
		go e.runLoop(ctx, e.batchParallelCh, e.processBatchParallelTask)
	}
	for i := 0; i < w.Callback; i++ {
		go e.callbackLoop(ctx)
	}

	if _, err := e.cron.AddFunc(scavengeCron, func() { e.scavenge(ctx) }); err != nil {
		return err
	}
	e.cron.Start()
	return nil
}

// Shutdown stops accepting new scavenge ticks and waits for in-flight
// tasks to drain up to ctx's deadline.
func (e *Engine) Shutdown(ctx context.Context) error {
	stopCtx := e.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	close(e.done)
	for e.inflight.count() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}

func (e *Engine) runLoop(ctx context.Context, ch chan model.RawTask, handle func(context.Context, model.RawTask)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case task := <-ch:
			e.inflight.start(task.TaskID)
			handle(ctx, task)
			e.inflight.finish(task.TaskID)
		}
	}
}

func (e *Engine) callbackLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case d := <-e.callbackCh:
			e.inflight.start(d.Task.TaskID)
			e.processCallbackTask(ctx, d)
			e.inflight.finish(d.Task.TaskID)
		}
	}
}

// SubmitInstance is the ingress entrypoint: wrap instance in a Store
// task, log it, and enqueue it.
func (e *Engine) SubmitInstance(ctx context.Context, instance model.Instance) (string, error) {
	if instance.CreateTime == 0 {
		instance.CreateTime = time.Now().UnixMilli()
	}
	task := newRawTask(model.Store, instance.Key(), StorePayload{Instance: instance})
	if err := e.tasks.Insert(ctx, task); err != nil {
		return "", err
	}
	e.enqueue(ctx, task)
	return task.TaskID, nil
}

func newRawTask(t model.TaskType, key string, payload any) model.RawTask {
	data := encode(payload)
	sum := sha256.Sum256(append([]byte(t.String()+"|"+key+"|"), data...))
	return model.RawTask{
		TaskID:      hex.EncodeToString(sum[:]),
		TaskType:    t,
		TaskKey:     key,
		Data:        data,
		CreateTime:  time.Now().UnixMilli(),
		ExecuteTime: time.Now().UnixMilli(),
	}
}

func (e *Engine) enqueue(ctx context.Context, task model.RawTask) {
	var ch chan model.RawTask
	switch task.TaskType {
	case model.Store:
		ch = e.storeCh
	case model.Convert:
		ch = e.convertCh
	case model.BatchSerial:
		ch = e.batchSerialCh
	case model.BatchParallel:
		ch = e.batchParallelCh
	default:
		slog.Error("pipeline: unknown task type, dropping", "task_type", task.TaskType)
		return
	}
	select {
	case ch <- task:
	case <-ctx.Done():
	}
}

// scavenge polls the task log for overdue entries and re-enqueues them
// by type — the backstop for any task whose worker died mid-flight or
// whose retry backoff has elapsed.
func (e *Engine) scavenge(ctx context.Context) {
	tasks, err := e.tasks.GetOverdue(ctx, time.Now().UnixMilli(), 200)
	if err != nil {
		slog.Error("scavenger: get_overdue failed", "error", err)
		return
	}
	for _, t := range tasks {
		e.enqueue(ctx, t)
	}
}

// classify routes err to the retry/move-to-error/drop decision every
// worker makes identically regardless of which stage failed.
func (e *Engine) classify(ctx context.Context, task model.RawTask, err error) {
	switch errs.KindOf(err) {
	case errs.KindDuplicated, errs.KindBreak:
		if delErr := e.tasks.Delete(ctx, task.TaskID); delErr != nil {
			slog.Error("pipeline: delete task after duplicate/break failed", "task_id", task.TaskID, "error", delErr)
		}
	case errs.KindEnv:
		if rErr := e.tasks.IncreaseRetry(ctx, task, time.Now()); rErr != nil {
			slog.Error("pipeline: increase_retry failed", "task_id", task.TaskID, "error", rErr)
		}
		e.metrics.TaskRetries.Add(ctx, 1)
	default: // verify, logical
		if mErr := e.tasks.MoveToError(ctx, task, errs.KindOf(err).String(), err.Error()); mErr != nil {
			slog.Error("pipeline: move_to_error failed", "task_id", task.TaskID, "error", mErr)
		}
		e.metrics.TasksErrored.Add(ctx, 1)
		e.bus.Publish(ctx, eventbus.SubjectErrored, map[string]any{"task_id": task.TaskID, "error": err.Error()})
	}
}
