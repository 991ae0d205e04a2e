// Package queue implements the bounded in-memory FIFO of pending task file
// paths between the FileWatcher and the executor dispatcher pool, per
// spec.md §4.4. It generalizes the teacher's send-only job channel
// (internal/server/server.go) from unbounded blocking-send to a bounded,
// drop-on-full non-blocking enqueue.
package queue

import "sync/atomic"

// TaskQueue is a bounded FIFO safe for one producer and many consumers.
type TaskQueue struct {
	ch      chan string
	dropped int64
}

// New builds a TaskQueue with the given capacity (spec.md §4.4:
// max_concurrent_tasks * 8).
func New(capacity int) *TaskQueue {
	return &TaskQueue{ch: make(chan string, capacity)}
}

// Enqueue attempts to add path to the queue. It never blocks: when the
// queue is full the path is dropped and the drop counter increments,
// because the producer is a FileWatcher that will re-observe the file on
// its next rescan.
func (q *TaskQueue) Enqueue(path string) (accepted bool) {
	select {
	case q.ch <- path:
		return true
	default:
		atomic.AddInt64(&q.dropped, 1)
		return false
	}
}

// Dequeue blocks until a path is available or done is closed, in which
// case it returns ("", false).
func (q *TaskQueue) Dequeue(done <-chan struct{}) (string, bool) {
	select {
	case path, ok := <-q.ch:
		return path, ok
	case <-done:
		return "", false
	}
}

// Len reports the current queue depth, for the watcher_task_queue_size
// gauge.
func (q *TaskQueue) Len() int { return len(q.ch) }

// Dropped reports the cumulative number of enqueue attempts dropped
// because the queue was full.
func (q *TaskQueue) Dropped() int64 { return atomic.LoadInt64(&q.dropped) }
