package queue

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DefaultMaxAttempts bounds redeliveries of a job whose handler keeps asking for a retry.
const DefaultMaxAttempts = 25

// WorkerPool is an in-process Queue. Jobs live in memory, so they do not survive
// a restart; delayed redeliveries are held by timers until due.
type WorkerPool struct {
	workers     int
	backoff     Backoff
	maxAttempts int
	logger      Logger

	mu       sync.Mutex
	handlers map[string]Handler
	ready    []*Job
	timers   map[*time.Timer]struct{}
	pending  int // ready + delayed + running
	running  bool
	stopped  bool

	notify chan struct{}
	stopCh chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// PoolOption configures a WorkerPool.
type PoolOption func(*WorkerPool)

// WithWorkers sets the number of concurrent workers. Zero or less selects runtime.NumCPU().
func WithWorkers(n int) PoolOption {
	return func(p *WorkerPool) { p.workers = n }
}

// WithBackoff sets the redelivery delay strategy.
func WithBackoff(b Backoff) PoolOption {
	return func(p *WorkerPool) { p.backoff = b }
}

// WithMaxAttempts sets how many deliveries a retried job gets before it is dropped.
func WithMaxAttempts(n int) PoolOption {
	return func(p *WorkerPool) { p.maxAttempts = n }
}

func WithLogger(l Logger) PoolOption {
	return func(p *WorkerPool) { p.logger = l }
}

func NewWorkerPool(opts ...PoolOption) *WorkerPool {
	p := &WorkerPool{
		backoff:     DefaultBackoff(time.Second),
		maxAttempts: DefaultMaxAttempts,
		logger:      nopLogger{},
		handlers:    make(map[string]Handler),
		timers:      make(map[*time.Timer]struct{}),
		notify:      make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.workers <= 0 {
		p.workers = runtime.NumCPU()
	}
	return p
}

func (p *WorkerPool) Handle(name string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[name] = h
}

func (p *WorkerPool) Enqueue(ctx context.Context, name string, payload []byte) error {
	return p.EnqueueAt(ctx, name, payload, time.Now())
}

func (p *WorkerPool) EnqueueAt(_ context.Context, name string, payload []byte, at time.Time) error {
	job := &Job{ID: uuid.NewString(), Name: name, Payload: payload, Attempt: 1, RunAt: at}
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return errors.Wrapf(ErrStopped, "enqueue %s", name)
	}
	p.pending++
	p.mu.Unlock()
	p.schedule(job, time.Until(at))
	return nil
}

// Start launches the workers. Jobs enqueued before Start are delivered once it runs.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if p.running {
		return nil
	}
	p.running = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.logger.Infof("Starting worker pool with %d workers", p.workers)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(runCtx)
	}
	return nil
}

// Stop stops delivering jobs and waits for running handlers. If ctx ends first the
// handlers' context is cancelled. Undelivered jobs are discarded.
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	dropped := len(p.ready)
	for t := range p.timers {
		// a timer that already fired hands its job to push, which discards it
		if t.Stop() {
			dropped++
		}
	}
	p.timers = nil
	p.ready = nil
	p.pending -= dropped
	cancel := p.cancel
	p.mu.Unlock()

	close(p.stopCh)
	if dropped > 0 {
		p.logger.Warnf("Worker pool stopping with %d undelivered jobs", dropped)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warnf("Worker pool shutdown timed out, cancelling running jobs")
		if cancel != nil {
			cancel()
		}
		<-done
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// Wait blocks until no job is ready, delayed or running, or ctx is done.
func (p *WorkerPool) Wait(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		idle := p.pending == 0
		p.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *WorkerPool) schedule(job *Job, delay time.Duration) {
	if delay <= 0 {
		p.push(job)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		p.pending--
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, t)
		p.mu.Unlock()
		p.push(job)
	})
	p.timers[t] = struct{}{}
}

func (p *WorkerPool) push(job *Job) {
	p.mu.Lock()
	if p.stopped {
		p.pending--
		p.mu.Unlock()
		return
	}
	p.ready = append(p.ready, job)
	p.mu.Unlock()
	p.wake()
}

func (p *WorkerPool) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *WorkerPool) next() (*Job, bool) {
	for {
		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			return nil, false
		}
		if len(p.ready) > 0 {
			job := p.ready[0]
			p.ready = p.ready[1:]
			more := len(p.ready) > 0
			p.mu.Unlock()
			if more {
				p.wake()
			}
			return job, true
		}
		p.mu.Unlock()

		select {
		case <-p.notify:
		case <-p.stopCh:
			return nil, false
		}
	}
}

func (p *WorkerPool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		job, ok := p.next()
		if !ok {
			return
		}
		p.run(ctx, job)
	}
}

func (p *WorkerPool) run(ctx context.Context, job *Job) {
	p.mu.Lock()
	h, ok := p.handlers[job.Name]
	p.mu.Unlock()

	var err error
	if !ok {
		err = Permanent(errors.Wrapf(ErrUnknownJob, "job %s", job.Name))
	} else {
		err = SafeCall(ctx, h, job)
	}

	switch {
	case err == nil:
		p.done()
	case IsPermanent(err):
		p.logger.Errorf("Job %s (%s) failed permanently on attempt %d: %v", job.ID, job.Name, job.Attempt, err)
		p.done()
	case job.Attempt >= p.maxAttempts:
		p.logger.Errorf("Job %s (%s) dropped after %d attempts: %v", job.ID, job.Name, job.Attempt, err)
		p.done()
	default:
		delay := p.backoff.Delay(job.Attempt)
		p.logger.Debugf("Job %s (%s) attempt %d failed, redelivering in %s: %v", job.ID, job.Name, job.Attempt, delay, err)
		redelivery := *job
		redelivery.Attempt++
		redelivery.RunAt = time.Now().Add(delay)
		p.schedule(&redelivery, delay)
	}
}

func (p *WorkerPool) done() {
	p.mu.Lock()
	p.pending--
	p.mu.Unlock()
}

// SafeCall runs h, turning a panic into a retryable error.
func SafeCall(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("job %s panicked: %v", job.Name, r)
		}
	}()
	return h(ctx, job)
}
