// internal/sched/runqueue.go

package sched

import (
	"github.com/emirpasic/gods/trees/redblacktree"
)

// queueKey orders the run queue: ascending virtual finish time, ties broken
// by insertion generation so earlier insertions win and no two keys are ever
// equal (the tree requires unique keys).
type queueKey struct {
	vfinish    Time
	generation uint64
}

func compareQueueKeys(a, b any) int {
	ka, kb := a.(queueKey), b.(queueKey)
	switch {
	case ka.vfinish < kb.vfinish:
		return -1
	case ka.vfinish > kb.vfinish:
		return 1
	case ka.generation < kb.generation:
		return -1
	case ka.generation > kb.generation:
		return 1
	default:
		return 0
	}
}

// runQueue holds the ready, not-currently-running tasks of one CPU, ordered
// by queueKey. It never allocates per task beyond the tree node itself and
// is only touched while the scheduling lock is held.
type runQueue struct {
	rbt *redblacktree.Tree
}

func newRunQueue() *runQueue {
	return &runQueue{rbt: redblacktree.NewWith(compareQueueKeys)}
}

func (q *runQueue) len() int { return q.rbt.Size() }

func (q *runQueue) insert(t *Task) {
	if t.queued {
		panic("sched: task inserted twice")
	}
	t.queued = true
	q.rbt.Put(t.key(), t)
}

// remove drops an arbitrary queued task, e.g. for a weight change or a
// migration. The task must be queued here.
func (q *runQueue) remove(t *Task) {
	if !t.queued {
		panic("sched: removing task not in run queue")
	}
	if _, found := q.rbt.Get(t.key()); !found {
		panic("sched: run queue key missing for queued task")
	}
	q.rbt.Remove(t.key())
	t.queued = false
}

// min returns the earliest-finishing task without removing it, or nil when
// the queue is empty.
func (q *runQueue) min() *Task {
	node := q.rbt.Left()
	if node == nil {
		return nil
	}
	return node.Value.(*Task)
}

// popMin removes and returns the earliest-finishing task. Popping an empty
// queue is a programming error; callers gate on the runnable count.
func (q *runQueue) popMin() *Task {
	node := q.rbt.Left()
	if node == nil {
		panic("sched: pop from empty run queue")
	}
	t := node.Value.(*Task)
	q.rbt.Remove(node.Key)
	t.queued = false
	return t
}

// walk visits every queued task in key order; used for dumps and migration.
func (q *runQueue) walk(fn func(*Task)) {
	it := q.rbt.Iterator()
	for it.Next() {
		fn(it.Value().(*Task))
	}
}

// tasks snapshots the queue contents in key order.
func (q *runQueue) tasks() []*Task {
	out := make([]*Task, 0, q.rbt.Size())
	q.walk(func(t *Task) { out = append(out, t) })
	return out
}
