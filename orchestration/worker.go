package orchestration

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/actionplane/orchestrator/core"
)

// Executor runs a single Record to completion, mutating its State/Attempts/
// Result fields and publishing terminal events. It is the executor pipeline
// (C6) from the worker pool's point of view — decoupled here so the worker
// pool (C8) has no compile-time dependency on the resilience stack.
type Executor interface {
	Execute(ctx context.Context, record *Record)
}

// WorkerPoolConfig configures the cooperative worker pool (C8).
type WorkerPoolConfig struct {
	WorkerCount     int
	ShutdownTimeout time.Duration
}

// DefaultWorkerPoolConfig returns sane defaults.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		WorkerCount:     5,
		ShutdownTimeout: 30 * time.Second,
	}
}

// WorkerPool runs N cooperative workers draining a single PriorityQueue,
// each handing dequeued records to an Executor (spec §4.7): "dequeue -> run
// C6 -> publish terminal event -> free record". A worker never holds more
// than one record at a time and there is no work stealing beyond the
// queue's own priority ordering.
type WorkerPool struct {
	queue    *PriorityQueue
	executor Executor
	config   WorkerPoolConfig
	logger   core.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	running     atomic.Bool
	activeCount atomic.Int32
	workerIDSeq atomic.Int32
}

// NewWorkerPool constructs a pool over queue, dispatching every dequeued
// record to executor.
func NewWorkerPool(queue *PriorityQueue, executor Executor, config WorkerPoolConfig) *WorkerPool {
	if config.WorkerCount <= 0 {
		config.WorkerCount = 5
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	return &WorkerPool{
		queue:    queue,
		executor: executor,
		config:   config,
		logger:   &core.NoOpLogger{},
	}
}

// SetLogger attaches a component-tagged logger.
func (p *WorkerPool) SetLogger(logger core.Logger) {
	if logger == nil {
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		p.logger = cal.WithComponent("framework/orchestration")
	} else {
		p.logger = logger
	}
}

// Start launches the worker pool and blocks until ctx is cancelled or Stop
// is called.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.running.Swap(true) {
		return fmt.Errorf("worker pool already running")
	}

	workerCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.logger.Info("starting worker pool", map[string]interface{}{
		"workerCount": p.config.WorkerCount,
	})

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("worker-%d", p.workerIDSeq.Add(1))
		p.wg.Add(1)
		go p.runWorker(workerCtx, workerID)
	}

	p.wg.Wait()
	p.running.Store(false)
	p.logger.Info("worker pool stopped", nil)
	return nil
}

// Stop gracefully stops the pool, waiting for in-flight records to finish
// up to ShutdownTimeout before giving up.
func (p *WorkerPool) Stop(ctx context.Context) error {
	if !p.running.Load() {
		return nil
	}

	p.logger.Info("stopping worker pool", map[string]interface{}{
		"activeWorkers": p.activeCount.Load(),
	})

	p.queue.Close()
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		return fmt.Errorf("shutdown timeout: some workers may still be running")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkerPool) runWorker(ctx context.Context, workerID string) {
	defer p.wg.Done()

	p.activeCount.Add(1)
	p.logger.Info("worker started", map[string]interface{}{"workerId": workerID})
	defer func() {
		p.activeCount.Add(-1)
		p.logger.Info("worker stopped", map[string]interface{}{"workerId": workerID})
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		record, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if record == nil {
			continue
		}

		p.process(ctx, workerID, record)
	}
}

func (p *WorkerPool) process(ctx context.Context, workerID string, record *Record) {
	defer func() {
		if r := recover(); r != nil {
			record.State = StateFailed
			record.LastError = fmt.Errorf("executor panic: %v", r)
			p.logger.ErrorWithContext(ctx, "executor panicked", map[string]interface{}{
				"workerId": workerID,
				"actionId": record.Decision.ID,
				"panic":    r,
				"stack":    string(debug.Stack()),
			})
		}
	}()

	p.executor.Execute(ctx, record)
}
