package swarm

import (
	"context"
	"reflect"
)

// WorkItem is one schedulable unit of work. Execute is called exactly once,
// on a worker, with a context carrying that worker's scope. Passing the
// context to Enqueue from inside Execute queues follow-up work on the
// worker's own local queue.
type WorkItem interface {
	Execute(ctx context.Context)
}

// Func adapts a plain function to the WorkItem interface.
//
// Example:
//
//	pool.Enqueue(ctx, swarm.Func(func(ctx context.Context) {
//	    fmt.Println("work item executed")
//	}), false)
type Func func(ctx context.Context)

// Execute calls f(ctx).
func (f Func) Execute(ctx context.Context) { f(ctx) }

// BlockingHint is implemented by work items that know whether they spent
// their run blocked rather than computing. Blocking completions are counted
// separately in Stats.
type BlockingHint interface {
	IsBlocking() bool
}

// workEntry is the queue slot for one work item. Entries are allocated per
// enqueue, so an entry pointer identifies one submission even when the same
// WorkItem value is enqueued twice.
type workEntry struct {
	item WorkItem
}

func (e *workEntry) blocking() bool {
	h, ok := e.item.(BlockingHint)
	return ok && h.IsBlocking()
}

// isComparable reports whether item can be searched for with ==.
func isComparable(item WorkItem) bool {
	return item != nil && reflect.TypeOf(item).Comparable()
}

// workerScope identifies the worker a context belongs to.
type workerScope struct {
	pool   *Pool
	worker *worker
	tid    int
}

type scopeKey struct{}

func withScope(ctx context.Context, s *workerScope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// localQueue returns the calling worker's queue if ctx belongs to a worker
// of p running on the calling OS thread.
func (p *Pool) localQueue(ctx context.Context) *workStealingQueue {
	return p.scopeOf(ctx).ownedQueue()
}

// ownedQueue returns the scope's worker queue if the caller runs on the
// worker's OS thread. A nil scope has no queue.
func (s *workerScope) ownedQueue() *workStealingQueue {
	if s == nil || s.tid != currentThreadID() {
		return nil
	}
	return s.worker.queue
}
