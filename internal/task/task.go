// Package task provides the keyed executor and wakeup loop shared by the
// session and data tiers.
package task

import (
	"sync/atomic"
	"time"
)

// Task is the observable handle of a unit of work submitted to a KeyedExecutor.
type Task struct {
	created time.Time
	startNs atomic.Int64
	endNs   atomic.Int64
	success atomic.Bool
}

func newTask() *Task {
	return &Task{created: time.Now()}
}

// CreateTime is when the task was submitted.
func (t *Task) CreateTime() time.Time { return t.created }

// StartTime is when a worker picked the task up, zero if not started.
func (t *Task) StartTime() time.Time {
	ns := t.startNs.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// EndTime is when the task finished, zero if still pending or running.
func (t *Task) EndTime() time.Time {
	ns := t.endNs.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Finished reports whether the task has completed, successfully or not.
func (t *Task) Finished() bool { return t.endNs.Load() != 0 }

// Success reports whether the task finished without error.
func (t *Task) Success() bool { return t.Finished() && t.success.Load() }

// Failed reports whether the task finished with an error.
func (t *Task) Failed() bool { return t.Finished() && !t.success.Load() }

// OverAfter reports whether the task is finished and was created more than
// interval ago, i.e. it is due to be scheduled again.
func (t *Task) OverAfter(interval time.Duration) bool {
	return t.Finished() && time.Since(t.created) > interval
}

// RunningOver reports whether the task is unfinished and older than interval.
func (t *Task) RunningOver(interval time.Duration) bool {
	return !t.Finished() && time.Since(t.created) > interval
}

func (t *Task) markStart() {
	t.startNs.Store(time.Now().UnixNano())
}

func (t *Task) markDone(ok bool) {
	t.success.Store(ok)
	t.endNs.Store(time.Now().UnixNano())
}
