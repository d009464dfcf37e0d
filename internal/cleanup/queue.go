// Package cleanup runs best-effort side effects off the primary mutation path.
package cleanup

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	tasksRun = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_sync_cleanup_tasks_total",
		Help: "Cleanup tasks executed.",
	})
	tasksFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_sync_cleanup_tasks_failed_total",
		Help: "Cleanup tasks that returned an error.",
	})
	tasksDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_sync_cleanup_tasks_dropped_total",
		Help: "Cleanup tasks dropped because the queue was full or closed.",
	})
)

func init() {
	prometheus.MustRegister(tasksRun, tasksFailed, tasksDropped)
}

// Task is one best-effort side effect.
type Task func(ctx context.Context) error

type job struct {
	name string
	fn   Task
}

// Queue is a bounded, non-blocking side-effect queue served by a fixed pool
// of workers. Failures are logged and never reported to the enqueuer.
type Queue struct {
	jobs    chan job
	timeout time.Duration

	pending sync.WaitGroup
	workers sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewQueue starts workers goroutines. Each task runs with its own timeout.
func NewQueue(workers, size int, timeout time.Duration) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if size <= 0 {
		size = 64
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	q := &Queue{
		jobs:    make(chan job, size),
		timeout: timeout,
	}
	for i := 0; i < workers; i++ {
		q.workers.Add(1)
		go q.work()
	}
	return q
}

// Enqueue schedules fn without blocking. It returns false when the task was
// dropped.
func (q *Queue) Enqueue(name string, fn Task) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		tasksDropped.Inc()
		log.Printf("[cleanup] queue closed, dropping task %s", name)
		return false
	}

	q.pending.Add(1)
	select {
	case q.jobs <- job{name: name, fn: fn}:
		return true
	default:
		q.pending.Done()
		tasksDropped.Inc()
		log.Printf("[cleanup] 警告: queue is full, dropping task %s", name)
		return false
	}
}

// Wait blocks until every accepted task has finished.
func (q *Queue) Wait() {
	q.pending.Wait()
}

// Close stops accepting tasks and waits for the workers to drain the queue.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.workers.Wait()
}

func (q *Queue) work() {
	defer q.workers.Done()
	for j := range q.jobs {
		q.run(j)
	}
}

func (q *Queue) run(j job) {
	defer q.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			tasksFailed.Inc()
			log.Printf("[cleanup] task %s panicked: %v", j.name, r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	tasksRun.Inc()
	if err := j.fn(ctx); err != nil {
		tasksFailed.Inc()
		log.Printf("[cleanup] task %s failed: %v", j.name, err)
	}
}
