// Package schedule implements the deferred-task service of the partition
// processor. Tasks can be submitted from any goroutine; they are executed by
// the partition's single processing goroutine, never concurrently with
// record handling, and only while the processor is in its processing phase.
package schedule

import (
	"container/heap"
	"sync"
	"time"

	"github.com/tidemill/keel/internal/log"
)

// Task is one unit of deferred work. Its result builder collects records the
// task wants appended to the stream; those records flow through the same
// commit pipeline as a processed record. A task runs at most once; if it
// needs to run again it re-schedules itself.
type Task func(rb *ResultBuilder) error

type scheduledTask struct {
	due  time.Time
	seq  uint64 // enqueue order, breaks due-time ties FIFO
	task Task
}

// Service is the deferred-task queue. RunDelayed never blocks the caller and
// is safe from any goroutine; Pop is called only by the processing goroutine
// between records. The eligible check is supplied by the owner of the
// lifecycle state, so the queue itself never executes work while the
// processor is replaying or paused.
type Service struct {
	mu       sync.Mutex
	queue    taskQueue
	seq      uint64
	closed   bool
	eligible func() bool
	now      func() time.Time
	notify   chan struct{}
	logger   interface {
		Debug(msg string, args ...any)
	}
}

// NewService creates a Service gated by eligible. A nil eligible means
// always eligible (used by unit tests of queue ordering).
func NewService(eligible func() bool) *Service {
	if eligible == nil {
		eligible = func() bool { return true }
	}
	return &Service{
		eligible: eligible,
		now:      time.Now,
		notify:   make(chan struct{}, 1),
		logger:   log.WithComponent("schedule"),
	}
}

// RunDelayed enqueues task to run no earlier than now+delay. A zero delay
// means "as soon as the processor is free". Tasks submitted after Close are
// dropped.
func (s *Service) RunDelayed(delay time.Duration, task Task) {
	if task == nil {
		return
	}
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Debug("dropping task scheduled after close")
		return
	}
	s.seq++
	heap.Push(&s.queue, &scheduledTask{
		due:  s.now().Add(delay),
		seq:  s.seq,
		task: task,
	})
	s.mu.Unlock()

	// Wake the processing goroutine without blocking the caller.
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Pop removes and returns the next due task, or nil when no task is due,
// the processor is not eligible to run tasks, or the service is closed.
func (s *Service) Pop() Task {
	if !s.eligible() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.queue.Len() == 0 {
		return nil
	}
	if s.queue[0].due.After(s.now()) {
		return nil
	}
	st := heap.Pop(&s.queue).(*scheduledTask)
	return st.task
}

// NextDue returns the due time of the earliest pending task. ok is false
// when the queue is empty or closed.
func (s *Service) NextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.queue.Len() == 0 {
		return time.Time{}, false
	}
	return s.queue[0].due, true
}

// Notify returns a channel that receives a signal when a task is enqueued.
// The channel has capacity one; consumers must also poll NextDue for tasks
// scheduled with a delay.
func (s *Service) Notify() <-chan struct{} {
	return s.notify
}

// Len returns the number of pending tasks.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Close discards all pending tasks. Tasks scheduled afterwards are dropped.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.queue = nil
}

// taskQueue is a min-heap ordered by due time, then enqueue order.
type taskQueue []*scheduledTask

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].seq < q[j].seq
	}
	return q[i].due.Before(q[j].due)
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*scheduledTask)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	st := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return st
}
