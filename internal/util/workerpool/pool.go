package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be executed
type Task struct {
	ID      string
	Fn      func(context.Context) error
	Context context.Context
}

// Pool runs tasks on a fixed number of goroutines. Tasks still queued
// when Stop is called are executed before the workers exit.
type Pool struct {
	name       string
	maxWorkers int
	queueSize  int
	taskQueue  chan Task
	onQueue    func(queued int)
	logger     *zap.Logger

	// stateMu keeps submissions from racing the final drain
	stateMu  sync.RWMutex
	stopped  bool
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	activeWorkers  int32
	totalTasks     uint64
	completedTasks uint64
	failedTasks    uint64
	rejectedTasks  uint64
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	// OnQueueChange receives the queue length after every enqueue and dequeue
	OnQueueChange func(queued int)
	Logger        *zap.Logger
}

// New creates a pool and starts its workers
func New(cfg *Config) *Pool {
	p := &Pool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		queueSize:  cfg.QueueSize,
		onQueue:    cfg.OnQueueChange,
		logger:     cfg.Logger,
		stopChan:   make(chan struct{}),
	}
	if p.maxWorkers <= 0 {
		p.maxWorkers = 4
	}
	if p.queueSize <= 0 {
		p.queueSize = 100
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.onQueue == nil {
		p.onQueue = func(int) {}
	}
	p.taskQueue = make(chan Task, p.queueSize)

	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		zap.String("name", p.name),
		zap.Int("max_workers", p.maxWorkers),
		zap.Int("queue_size", p.queueSize))

	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case task := <-p.taskQueue:
			p.onQueue(len(p.taskQueue))
			p.executeTask(id, task)
		case <-p.stopChan:
			p.drain(id)
			return
		}
	}
}

// drain runs whatever is left in the queue after Stop
func (p *Pool) drain(id int) {
	for {
		select {
		case task := <-p.taskQueue:
			p.onQueue(len(p.taskQueue))
			p.executeTask(id, task)
		default:
			return
		}
	}
}

func (p *Pool) executeTask(workerID int, task Task) {
	atomic.AddInt32(&p.activeWorkers, 1)
	defer atomic.AddInt32(&p.activeWorkers, -1)

	start := time.Now()
	err := p.safeExecute(task)
	duration := time.Since(start)

	if err != nil {
		atomic.AddUint64(&p.failedTasks, 1)
		p.logger.Warn("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", duration),
			zap.Error(err))
		return
	}
	atomic.AddUint64(&p.completedTasks, 1)
}

func (p *Pool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("Task panic recovered",
				zap.String("pool", p.name),
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
		}
	}()

	ctx := task.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return task.Fn(ctx)
}

// Submit enqueues a task, blocking while the queue is full until ctx is done
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	if p.stopped {
		atomic.AddUint64(&p.rejectedTasks, 1)
		return fmt.Errorf("worker pool '%s' is stopped", p.name)
	}

	select {
	case p.taskQueue <- task:
		atomic.AddUint64(&p.totalTasks, 1)
		p.onQueue(len(p.taskQueue))
		return nil
	case <-ctx.Done():
		atomic.AddUint64(&p.rejectedTasks, 1)
		return ctx.Err()
	}
}

// TrySubmit enqueues a task without blocking. Returns false if the queue
// is full or the pool is stopped.
func (p *Pool) TrySubmit(task Task) bool {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	if p.stopped {
		atomic.AddUint64(&p.rejectedTasks, 1)
		return false
	}

	select {
	case p.taskQueue <- task:
		atomic.AddUint64(&p.totalTasks, 1)
		p.onQueue(len(p.taskQueue))
		return true
	default:
		atomic.AddUint64(&p.rejectedTasks, 1)
		return false
	}
}

// Stop rejects new tasks, runs the queued ones and waits for the workers
// to exit, giving up after timeout
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool",
			zap.String("name", p.name),
			zap.Int("queued", len(p.taskQueue)))

		p.stateMu.Lock()
		p.stopped = true
		close(p.stopChan)
		p.stateMu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-done:
			p.logger.Info("Worker pool stopped", zap.String("name", p.name))
		case <-timer.C:
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		}
	})
	return err
}

// Stats returns current worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Name:           p.name,
		MaxWorkers:     p.maxWorkers,
		ActiveWorkers:  int(atomic.LoadInt32(&p.activeWorkers)),
		QueueSize:      p.queueSize,
		QueuedTasks:    len(p.taskQueue),
		TotalTasks:     atomic.LoadUint64(&p.totalTasks),
		CompletedTasks: atomic.LoadUint64(&p.completedTasks),
		FailedTasks:    atomic.LoadUint64(&p.failedTasks),
		RejectedTasks:  atomic.LoadUint64(&p.rejectedTasks),
	}
}

// Stats represents worker pool statistics
type Stats struct {
	Name           string
	MaxWorkers     int
	ActiveWorkers  int
	QueueSize      int
	QueuedTasks    int
	TotalTasks     uint64
	CompletedTasks uint64
	FailedTasks    uint64
	RejectedTasks  uint64
}

// QueueUtilization returns the queue utilization as a percentage
func (s Stats) QueueUtilization() float64 {
	if s.QueueSize == 0 {
		return 0
	}
	return float64(s.QueuedTasks) / float64(s.QueueSize) * 100.0
}
