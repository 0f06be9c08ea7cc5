package services

import (
	"errors"
	"sync"

	"finpilot/internal/metrics"

	"github.com/sirupsen/logrus"
)

var (
	ErrPoolFull   = errors.New("worker pool queue is full")
	ErrPoolClosed = errors.New("worker pool is stopped")
)

// WorkerPool runs submitted tasks on a fixed number of goroutines with a bounded queue.
type WorkerPool struct {
	tasks   chan func()
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	logger  *logrus.Logger
	metrics *metrics.Collectors
}

// NewWorkerPool starts workers goroutines reading from a queue of queueSize.
func NewWorkerPool(workers, queueSize int, logger *logrus.Logger, m *metrics.Collectors) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 16
	}
	if logger == nil {
		logger = logrus.New()
	}
	p := &WorkerPool{tasks: make(chan func(), queueSize), logger: logger, metrics: m}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.metrics.SetQueueDepth(len(p.tasks))
		p.run(task)
	}
}

func (p *WorkerPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("worker task panicked: %v", r)
		}
	}()
	task()
}

// Submit enqueues task without blocking.
func (p *WorkerPool) Submit(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		p.metrics.SetQueueDepth(len(p.tasks))
		return nil
	default:
		return ErrPoolFull
	}
}

// Stop drains queued tasks and waits for the workers to exit.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}
