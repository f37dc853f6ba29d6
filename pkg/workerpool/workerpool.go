package workerpool

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrPoolNotRunning = errors.New("worker pool is not running")
	ErrQueueFull      = errors.New("task queue is full")
	ErrTimeout        = errors.New("task submission timeout")
)

// Task is one unit of channel work executed by the pool
type Task struct {
	ID      string
	Channel int
	Execute func(ctx context.Context) error
	Created time.Time
}

// Config configures a worker pool
type Config struct {
	Workers         int           `yaml:"workers"`
	QueueSize       int           `yaml:"queue_size"`
	TaskTimeout     time.Duration `yaml:"task_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Pool is a fixed-size pool of workers pulling from a shared queue.
// It is one of the resource kinds handed out by the generic resource
// pool; multiple independent Pools may exist in one process.
type Pool struct {
	config Config
	logger *logrus.Logger

	queue chan Task

	// Counters
	submitted int64
	active    int64
	completed int64
	failed    int64

	// Control
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.Mutex
}

// Stats is a point-in-time snapshot of pool counters
type Stats struct {
	Workers        int   `json:"workers"`
	QueuedTasks    int   `json:"queued_tasks"`
	SubmittedTasks int64 `json:"submitted_tasks"`
	ActiveTasks    int64 `json:"active_tasks"`
	CompletedTasks int64 `json:"completed_tasks"`
	FailedTasks    int64 `json:"failed_tasks"`
	IsRunning      bool  `json:"is_running"`
}

// New creates a worker pool
func New(config Config, logger *logrus.Logger) *Pool {
	if config.Workers <= 0 {
		config.Workers = runtime.NumCPU()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = config.Workers * 8
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = 30 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		config: config,
		logger: logger,
		queue:  make(chan Task, config.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the workers
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isRunning {
		return nil
	}

	p.logger.WithFields(logrus.Fields{
		"workers":    p.config.Workers,
		"queue_size": p.config.QueueSize,
	}).Info("Starting worker pool")

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.isRunning = true
	return nil
}

// Stop cancels the workers and waits for them up to the shutdown timeout
func (p *Pool) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isRunning {
		return nil
	}

	p.logger.Info("Stopping worker pool")
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("Worker pool shutdown timeout")
	}

	p.isRunning = false
	return nil
}

// Submit enqueues a task without blocking
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	running := p.isRunning
	p.mu.Unlock()
	if !running {
		return ErrPoolNotRunning
	}

	task.Created = time.Now()

	select {
	case p.queue <- task:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	default:
		return ErrQueueFull
	}
}

// SubmitWait enqueues a task, blocking up to timeout for queue space
func (p *Pool) SubmitWait(task Task, timeout time.Duration) error {
	p.mu.Lock()
	running := p.isRunning
	p.mu.Unlock()
	if !running {
		return ErrPoolNotRunning
	}

	task.Created = time.Now()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p.queue <- task:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	case <-timer.C:
		return ErrTimeout
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// GetStats returns a snapshot of pool counters
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	running := p.isRunning
	p.mu.Unlock()

	return Stats{
		Workers:        p.config.Workers,
		QueuedTasks:    len(p.queue),
		SubmittedTasks: atomic.LoadInt64(&p.submitted),
		ActiveTasks:    atomic.LoadInt64(&p.active),
		CompletedTasks: atomic.LoadInt64(&p.completed),
		FailedTasks:    atomic.LoadInt64(&p.failed),
		IsRunning:      running,
	}
}

// worker pulls tasks from the shared queue until shutdown
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case task := <-p.queue:
			p.run(id, task)
		case <-p.ctx.Done():
			return
		}
	}
}

// run executes one task with the configured timeout
func (p *Pool) run(workerID int, task Task) {
	atomic.AddInt64(&p.active, 1)
	defer atomic.AddInt64(&p.active, -1)

	taskCtx, cancel := context.WithTimeout(p.ctx, p.config.TaskTimeout)
	defer cancel()

	start := time.Now()
	err := task.Execute(taskCtx)

	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		p.logger.WithFields(logrus.Fields{
			"worker":   workerID,
			"task_id":  task.ID,
			"channel":  task.Channel,
			"duration": time.Since(start),
			"error":    err,
		}).Error("Task failed")
		return
	}

	atomic.AddInt64(&p.completed, 1)
	p.logger.WithFields(logrus.Fields{
		"worker":   workerID,
		"task_id":  task.ID,
		"channel":  task.Channel,
		"duration": time.Since(start),
	}).Debug("Task completed")
}
