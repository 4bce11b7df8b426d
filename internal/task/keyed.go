package task

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/wilsonvolker/sofa-registry/pkg/errors"
)

type keyedItem struct {
	task *Task
	fn   func() error
}

// KeyedExecutor is a bounded worker pool that routes work by key: work with
// the same key lands on the same shard queue and runs serially. A full shard
// queue rejects the submission so a slow key only backs up itself.
type KeyedExecutor struct {
	name    string
	queues  []chan keyedItem
	log     *zap.Logger
	wg      sync.WaitGroup
	stopped atomic.Bool
}

// NewKeyedExecutor creates an executor with the given worker count, one
// bounded queue per worker.
func NewKeyedExecutor(name string, workers, queueSize int, log *zap.Logger) *KeyedExecutor {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	e := &KeyedExecutor{
		name:   name,
		queues: make([]chan keyedItem, workers),
		log:    log.Named(name),
	}
	for i := range e.queues {
		e.queues[i] = make(chan keyedItem, queueSize)
		e.wg.Add(1)
		go e.worker(e.queues[i])
	}
	return e
}

func (e *KeyedExecutor) worker(queue chan keyedItem) {
	defer e.wg.Done()
	for item := range queue {
		item.task.markStart()
		err := item.fn()
		item.task.markDone(err == nil)
		if err != nil {
			e.log.Warn("task failed", zap.Error(err))
		}
	}
}

// Execute submits fn under key. It returns the task handle, or
// errors.ErrExecutorBusy when the key's shard queue is full, or
// errors.ErrStopped after Close.
func (e *KeyedExecutor) Execute(key any, fn func() error) (*Task, error) {
	if e.stopped.Load() {
		return nil, errors.ErrStopped
	}
	t := newTask()
	queue := e.queues[e.shardOf(key)]
	select {
	case queue <- keyedItem{task: t, fn: fn}:
		return t, nil
	default:
		return nil, fmt.Errorf("%s executor, key=%v: %w", e.name, key, errors.ErrExecutorBusy)
	}
}

func (e *KeyedExecutor) shardOf(key any) int {
	h := xxhash.Sum64String(fmt.Sprint(key))
	return int(h % uint64(len(e.queues)))
}

// Close stops accepting work and waits for queued work to drain.
func (e *KeyedExecutor) Close() {
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}
	for _, q := range e.queues {
		close(q)
	}
	e.wg.Wait()
}
