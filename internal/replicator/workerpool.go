package replicator

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/mindcreek/non-messenger/internal/metrics"
)

// Task is one unit of fan-out work executed by a worker goroutine.
type Task func()

// workerPool bounds the number of concurrent replication requests so a burst
// of publishes against a cluster with slow peers cannot spawn an unbounded
// number of goroutines. When the queue is full the task is dropped, not run
// inline: replication is best-effort and a synchronous fallback would let a
// dead peer's timeout leak into publish latency.
type workerPool struct {
	workerCount  int
	taskQueue    chan Task
	wg           sync.WaitGroup
	droppedTasks int64
	logger       zerolog.Logger
}

func newWorkerPool(workerCount, queueSize int, logger zerolog.Logger) *workerPool {
	return &workerPool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger,
	}
}

// start launches the workers. They exit when ctx is cancelled; in-flight
// tasks run to completion first.
func (p *workerPool) start(ctx context.Context) {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

func (p *workerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.runTask(task, id)
		}
	}
}

// runTask executes one task with panic recovery so a single bad peer
// interaction can't take a worker (or the process) down.
func (p *workerPool) runTask(task Task, workerID int) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Int("worker_id", workerID).
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("replication task panicked")
		}
	}()
	task()
	metrics.ReplicationQueueDepth.Set(float64(len(p.taskQueue)))
}

// submit enqueues task. Returns false (and drops the task) when the queue
// is full.
func (p *workerPool) submit(task Task) bool {
	select {
	case p.taskQueue <- task:
		metrics.ReplicationQueueDepth.Set(float64(len(p.taskQueue)))
		return true
	default:
		atomic.AddInt64(&p.droppedTasks, 1)
		metrics.ReplicationQueueDropped.Inc()
		p.logger.Warn().
			Int64("dropped_total", atomic.LoadInt64(&p.droppedTasks)).
			Msg("replication queue full, dropping task")
		return false
	}
}

// wait blocks until every worker has exited. Call after cancelling the
// context passed to start.
func (p *workerPool) wait() {
	p.wg.Wait()
}
