package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"vigil/metrics"
	"vigil/util/goroutine"
)

var (
	ErrWorkerPoolNotRunning = errors.New("worker pool is not running")
	ErrWorkerPoolQueueFull  = errors.New("worker pool task queue is full")
	ErrWorkerPoolTimeout    = errors.New("worker pool task submission timed out")
)

// WorkerPool provides a generic worker pool for parallel task processing
type WorkerPool struct {
	workers   int
	queueSize int
	taskCh    chan func()
	wg        sync.WaitGroup
	logger    *zap.SugaredLogger
	ctx       context.Context
	cancel    context.CancelFunc
	running   bool
	mu        sync.RWMutex
	poolName  string
}

// WorkerPoolStats reports a snapshot of pool state.
type WorkerPoolStats struct {
	Workers     int
	QueueSize   int
	Running     bool
	QueuedTasks int
}

// NewWorkerPool creates a worker pool. Workers do not start until Start is
// called; cancelling parentCtx stops them the same way Stop does.
func NewWorkerPool(parentCtx context.Context, workers, queueSize int, poolName string, logger *zap.SugaredLogger) *WorkerPool {
	if poolName == "" {
		poolName = "default"
	}
	ctx, cancel := context.WithCancel(parentCtx)
	return &WorkerPool{
		workers:   workers,
		queueSize: queueSize,
		taskCh:    make(chan func(), queueSize),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		poolName:  poolName,
	}
}

// Start begins processing tasks with the worker pool
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.running {
		return
	}
	wp.running = true
	wp.logger.Infof("Starting worker pool %s with %d workers and queue size %d", wp.poolName, wp.workers, wp.queueSize)

	metrics.WorkerPoolActiveWorkers.WithLabelValues(wp.poolName).Set(float64(wp.workers))

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop gracefully shuts down the worker pool. Queued tasks are drained before
// workers exit; a shutdown timeout prevents a stuck task from deadlocking the
// caller.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if !wp.running {
		return
	}
	wp.running = false
	wp.logger.Infow("Stopping worker pool", "pool", wp.poolName, "workers", wp.workers)

	close(wp.taskCh)

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Infow("Worker pool stopped", "pool", wp.poolName)
	case <-time.After(30 * time.Second):
		wp.cancel()
		wp.logger.Errorw("Worker pool shutdown timed out",
			"pool", wp.poolName,
			"workers", wp.workers)
	}
	metrics.WorkerPoolActiveWorkers.WithLabelValues(wp.poolName).Set(0)
}

// Submit adds a task to the worker pool queue
func (wp *WorkerPool) Submit(task func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if !wp.running {
		return ErrWorkerPoolNotRunning
	}

	select {
	case wp.taskCh <- task:
		metrics.WorkerPoolQueueSize.WithLabelValues(wp.poolName).Set(float64(len(wp.taskCh)))
		return nil
	default:
		return ErrWorkerPoolQueueFull
	}
}

// SubmitWait adds a task, blocking up to timeout if the queue is full.
func (wp *WorkerPool) SubmitWait(task func(), timeout time.Duration) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if !wp.running {
		return ErrWorkerPoolNotRunning
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case wp.taskCh <- task:
		return nil
	case <-timer.C:
		return ErrWorkerPoolTimeout
	}
}

// Stats returns current worker pool statistics.
func (wp *WorkerPool) Stats() WorkerPoolStats {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	return WorkerPoolStats{
		Workers:     wp.workers,
		QueueSize:   wp.queueSize,
		Running:     wp.running,
		QueuedTasks: len(wp.taskCh),
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	defer goroutine.Recover("worker-pool", wp.logger)

	for {
		select {
		case <-wp.ctx.Done():
			wp.logger.Debugw("Worker stopping due to context cancellation", "worker_id", id)
			return
		case task, ok := <-wp.taskCh:
			if !ok {
				return
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						wp.logger.Errorw("Task panicked in worker",
							"worker_id", id,
							"panic", r)
					}
				}()
				task()
				metrics.WorkerPoolTasksProcessed.WithLabelValues(wp.poolName).Inc()
			}()
		}
	}
}
