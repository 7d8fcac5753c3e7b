// Package worker runs best-effort background jobs, mainly embedding
// generation after a write. The queue is bounded: under pressure jobs are
// dropped and counted rather than blocking the write path.
package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Pool is a fixed-size worker pool with a bounded queue.
type Pool struct {
	jobs       chan job
	wg         sync.WaitGroup
	cancel     context.CancelFunc
	logger     *log.Logger
	jobTimeout time.Duration

	mu     sync.Mutex
	closed bool

	once      sync.Once
	jobsTotal *prometheus.CounterVec
}

type job struct {
	name string
	fn   func(ctx context.Context) error
}

// NewPool starts workers goroutines draining a queue of queueSize slots.
// reg may be nil to skip metrics registration.
func NewPool(workers, queueSize int, logger *log.Logger, reg prometheus.Registerer) *Pool {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 128
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[WORKER] ", log.LstdFlags)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		jobs:       make(chan job, queueSize),
		cancel:     cancel,
		logger:     logger,
		jobTimeout: 30 * time.Second,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "discovery_worker_jobs_total",
			Help: "Background jobs by outcome.",
		}, []string{"job", "result"}),
	}
	if reg != nil {
		if err := reg.Register(p.jobsTotal); err != nil {
			logger.Printf("warn: register worker metrics: %v", err)
		}
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
	return p
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()
	for j := range p.jobs {
		jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
		if err := j.fn(jobCtx); err != nil {
			p.logger.Printf("warn: job %s failed: %v", j.name, err)
			p.jobsTotal.WithLabelValues(j.name, "error").Inc()
		} else {
			p.jobsTotal.WithLabelValues(j.name, "ok").Inc()
		}
		cancel()
	}
}

// Submit enqueues a job without blocking. It reports false when the job
// was dropped, either because the queue is full or the pool is closed.
func (p *Pool) Submit(name string, fn func(ctx context.Context) error) bool {
	// The send happens under mu so it can never race Close's close(p.jobs).
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.logger.Printf("warn: job %s dropped, pool closed", name)
		p.jobsTotal.WithLabelValues(name, "dropped").Inc()
		return false
	}
	select {
	case p.jobs <- job{name: name, fn: fn}:
		return true
	default:
		p.logger.Printf("warn: job %s dropped, queue full", name)
		p.jobsTotal.WithLabelValues(name, "dropped").Inc()
		return false
	}
}

// Close stops accepting jobs, waits for queued ones to finish, then
// cancels the worker context.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
		p.wg.Wait()
		p.cancel()
	})
}
