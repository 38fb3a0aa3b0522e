package pipeline

import (
	"sync"
)

// inFlight tracks task ids currently being processed by a worker, so
// shutdown can wait for the current unit of work per worker to drain
// instead of aborting mid-task. Adapted from the teacher's
// CancellationManager, narrowed to the one thing the pipeline needs:
// "is anything still running".
type inFlight struct {
	mu    sync.Mutex
	tasks map[string]struct{}
}

func newInFlight() *inFlight {
	return &inFlight{tasks: make(map[string]struct{})}
}

func (f *inFlight) start(taskID string) {
	f.mu.Lock()
	f.tasks[taskID] = struct{}{}
	f.mu.Unlock()
}

func (f *inFlight) finish(taskID string) {
	f.mu.Lock()
	delete(f.tasks, taskID)
	f.mu.Unlock()
}

func (f *inFlight) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}
