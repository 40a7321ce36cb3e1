// Package redisqueue implements queue.Queue on Redis so producers and workers can
// run in separate processes.
//
// A job lives in exactly one structure at a time: the ready list, the processing
// list of the consumer holding it, the delayed sorted set (scored by due time in
// milliseconds) while it waits for a redelivery, or the dead list once its attempts
// are used up. Every Queue is a consumer with its own processing list and a lease
// key it keeps refreshing. Once a consumer's lease expires its processing list is
// moved back to ready by whichever consumer notices first, so a job can be
// delivered more than once but never while its holder is alive.
package redisqueue

import (
	"context"
	"encoding/json"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/ATHARVA262005/mcp-control-plane/pkg/queue"
)

const (
	DefaultPrefix       = "controlplane:jobs"
	DefaultLease        = 30 * time.Second
	defaultPollInterval = 250 * time.Millisecond
	promoteBatch        = 100
)

// promoteScript moves due jobs from the delayed set to the ready list atomically.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, raw in ipairs(due) do
	redis.call('ZREM', KEYS[1], raw)
	redis.call('LPUSH', KEYS[2], raw)
end
return #due
`)

// reapScript requeues the processing list of a consumer whose lease is gone and
// forgets the consumer. It returns -1 while the lease is still held.
var reapScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return -1
end
local n = 0
while redis.call('LMOVE', KEYS[2], KEYS[3], 'RIGHT', 'LEFT') do
	n = n + 1
end
redis.call('SREM', KEYS[4], ARGV[1])
return n
`)

type Queue struct {
	client       redis.UniversalClient
	workers      int
	backoff      queue.Backoff
	maxAttempts  int
	pollInterval time.Duration
	lease        time.Duration
	logger       queue.Logger

	prefix        string
	consumerID    string
	readyKey      string
	processingKey string
	leaseKey      string
	consumersKey  string
	delayedKey    string
	deadKey       string

	mu       sync.Mutex
	handlers map[string]queue.Handler
	running  bool
	stopped  bool

	stopCh     chan struct{}
	stopFetch  context.CancelFunc
	cancelJobs context.CancelFunc
	wg         sync.WaitGroup
	promoterWG sync.WaitGroup
}

var _ queue.Queue = (*Queue)(nil)

type Option func(*Queue)

// WithPrefix namespaces the Redis keys.
func WithPrefix(prefix string) Option {
	return func(q *Queue) { q.setKeys(prefix) }
}

// WithWorkers sets the number of concurrent workers. Zero or less selects runtime.NumCPU().
func WithWorkers(n int) Option {
	return func(q *Queue) { q.workers = n }
}

func WithBackoff(b queue.Backoff) Option {
	return func(q *Queue) { q.backoff = b }
}

func WithMaxAttempts(n int) Option {
	return func(q *Queue) { q.maxAttempts = n }
}

// WithPollInterval sets how often delayed jobs are checked and how long a worker blocks waiting for one.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) { q.pollInterval = d }
}

// WithLease sets how long a consumer keeps its jobs without refreshing its lease.
// The lease is refreshed three times per period.
func WithLease(d time.Duration) Option {
	return func(q *Queue) { q.lease = d }
}

func WithLogger(l queue.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

func New(client redis.UniversalClient, opts ...Option) *Queue {
	q := &Queue{
		client:       client,
		backoff:      queue.DefaultBackoff(time.Second),
		maxAttempts:  queue.DefaultMaxAttempts,
		pollInterval: defaultPollInterval,
		lease:        DefaultLease,
		logger:       nopLogger{},
		consumerID:   uuid.NewString(),
		handlers:     make(map[string]queue.Handler),
		stopCh:       make(chan struct{}),
	}
	q.setKeys(DefaultPrefix)
	for _, opt := range opts {
		opt(q)
	}
	if q.workers <= 0 {
		q.workers = runtime.NumCPU()
	}
	if q.lease <= 0 {
		q.lease = DefaultLease
	}
	return q
}

func (q *Queue) setKeys(prefix string) {
	q.prefix = prefix
	q.readyKey = prefix + ":ready"
	q.processingKey = q.processingKeyOf(q.consumerID)
	q.leaseKey = q.leaseKeyOf(q.consumerID)
	q.consumersKey = prefix + ":consumers"
	q.delayedKey = prefix + ":delayed"
	q.deadKey = prefix + ":dead"
}

func (q *Queue) processingKeyOf(consumer string) string {
	return q.prefix + ":processing:" + consumer
}

func (q *Queue) leaseKeyOf(consumer string) string {
	return q.prefix + ":lease:" + consumer
}

func (q *Queue) Handle(name string, h queue.Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
}

func (q *Queue) Enqueue(ctx context.Context, name string, payload []byte) error {
	return q.EnqueueAt(ctx, name, payload, time.Now())
}

func (q *Queue) EnqueueAt(ctx context.Context, name string, payload []byte, at time.Time) error {
	q.mu.Lock()
	stopped := q.stopped
	q.mu.Unlock()
	if stopped {
		return errors.Wrapf(queue.ErrStopped, "enqueue %s", name)
	}
	job := &queue.Job{ID: uuid.NewString(), Name: name, Payload: payload, Attempt: 1, RunAt: at}
	return q.put(ctx, q.client, job)
}

// put stores job in ready when due and in delayed otherwise.
func (q *Queue) put(ctx context.Context, c redis.Cmdable, job *queue.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return errors.Wrapf(err, "encode job %s", job.Name)
	}
	if !job.RunAt.After(time.Now()) {
		err = c.LPush(ctx, q.readyKey, raw).Err()
	} else {
		err = c.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(job.RunAt.UnixMilli()), Member: raw}).Err()
	}
	return errors.Wrapf(err, "enqueue job %s", job.Name)
}

// Start registers the consumer, requeues the jobs of consumers whose lease
// expired and launches the workers.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return queue.ErrStopped
	}
	if q.running {
		return nil
	}

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, q.consumersKey, q.consumerID)
		pipe.Set(ctx, q.leaseKey, time.Now().UnixMilli(), q.lease)
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "register consumer %s", q.consumerID)
	}
	if _, err := q.reap(ctx); err != nil {
		return err
	}
	q.running = true

	base := context.WithoutCancel(ctx)
	fetchCtx, stopFetch := context.WithCancel(base)
	jobCtx, cancelJobs := context.WithCancel(base)
	q.stopFetch = stopFetch
	q.cancelJobs = cancelJobs

	q.logger.Infof("Starting redis queue consumer %s with %d workers", q.consumerID, q.workers)
	q.promoterWG.Add(2)
	go q.promoter(fetchCtx)
	go q.keeper(fetchCtx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(fetchCtx, jobCtx)
	}
	return nil
}

// reap requeues the jobs held by every other consumer whose lease has expired.
func (q *Queue) reap(ctx context.Context) (int, error) {
	consumers, err := q.client.SMembers(ctx, q.consumersKey).Result()
	if err != nil {
		return 0, errors.Wrap(err, "list consumers")
	}
	total := 0
	for _, consumer := range consumers {
		if consumer == q.consumerID {
			continue
		}
		n, err := reapScript.Run(ctx, q.client,
			[]string{q.leaseKeyOf(consumer), q.processingKeyOf(consumer), q.readyKey, q.consumersKey},
			consumer).Int()
		if err != nil {
			return total, errors.Wrapf(err, "requeue jobs of consumer %s", consumer)
		}
		if n > 0 {
			q.logger.Warnf("Requeued %d jobs of expired consumer %s", n, consumer)
			total += n
		}
	}
	return total, nil
}

// keeper refreshes the lease and reaps expired consumers until Stop.
func (q *Queue) keeper(ctx context.Context) {
	defer q.promoterWG.Done()
	ticker := time.NewTicker(q.lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
		}
		if err := q.client.Set(ctx, q.leaseKey, time.Now().UnixMilli(), q.lease).Err(); err != nil && ctx.Err() == nil {
			q.logger.Errorf("Failed to refresh lease of consumer %s: %v", q.consumerID, err)
		}
		if _, err := q.reap(ctx); err != nil && ctx.Err() == nil {
			q.logger.Errorf("Failed to reap expired consumers: %v", err)
		}
	}
}

// release hands back whatever is left in this consumer's processing list and
// deregisters it.
func (q *Queue) release(ctx context.Context) {
	for {
		err := q.client.LMove(ctx, q.processingKey, q.readyKey, "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			// the lease still expires and another consumer reaps the rest
			q.logger.Errorf("Failed to requeue jobs of consumer %s: %v", q.consumerID, err)
			return
		}
	}
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, q.leaseKey)
		pipe.SRem(ctx, q.consumersKey, q.consumerID)
		return nil
	})
	if err != nil {
		q.logger.Errorf("Failed to deregister consumer %s: %v", q.consumerID, err)
	}
}

// Stop stops fetching and waits for running handlers. If ctx ends first the
// handlers' context is cancelled. Queued jobs stay in Redis.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	running := q.running
	q.mu.Unlock()

	close(q.stopCh)
	if !running {
		return nil
	}
	q.stopFetch()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		q.promoterWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		q.logger.Warnf("Redis queue shutdown timed out, cancelling running jobs")
		q.cancelJobs()
		<-done
	}
	q.cancelJobs()
	q.release(context.WithoutCancel(ctx))
	return nil
}

func (q *Queue) promoter(ctx context.Context) {
	defer q.promoterWG.Done()
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		if _, err := q.promote(ctx); err != nil && ctx.Err() == nil {
			q.logger.Errorf("Failed to promote delayed jobs: %v", err)
		}
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
		}
	}
}

func (q *Queue) promote(ctx context.Context) (int, error) {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{q.delayedKey, q.readyKey},
		time.Now().UnixMilli(), promoteBatch).Int()
	return n, errors.Wrap(err, "promote delayed jobs")
}

func (q *Queue) worker(fetchCtx, jobCtx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stopCh:
			return
		default:
		}
		raw, err := q.client.BLMove(fetchCtx, q.readyKey, q.processingKey, "RIGHT", "LEFT", q.pollInterval).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if fetchCtx.Err() != nil {
				return
			}
			q.logger.Errorf("Failed to fetch job: %v", err)
			select {
			case <-q.stopCh:
				return
			case <-time.After(q.pollInterval):
			}
			continue
		}
		q.run(jobCtx, raw)
	}
}

func (q *Queue) run(ctx context.Context, raw string) {
	var job queue.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		q.logger.Errorf("Discarding undecodable job: %v", err)
		q.bury(ctx, raw)
		return
	}

	q.mu.Lock()
	h, ok := q.handlers[job.Name]
	q.mu.Unlock()

	var err error
	if !ok {
		err = queue.Permanent(errors.Wrapf(queue.ErrUnknownJob, "job %s", job.Name))
	} else {
		err = queue.SafeCall(ctx, h, &job)
	}

	// Acknowledgement outlives a cancelled handler.
	ackCtx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		q.ack(ackCtx, raw)
	case queue.IsPermanent(err):
		q.logger.Errorf("Job %s (%s) failed permanently on attempt %d: %v", job.ID, job.Name, job.Attempt, err)
		q.ack(ackCtx, raw)
	case job.Attempt >= q.maxAttempts:
		q.logger.Errorf("Job %s (%s) moved to dead list after %d attempts: %v", job.ID, job.Name, job.Attempt, err)
		q.bury(ackCtx, raw)
	default:
		delay := q.backoff.Delay(job.Attempt)
		q.logger.Debugf("Job %s (%s) attempt %d failed, redelivering in %s: %v", job.ID, job.Name, job.Attempt, delay, err)
		redelivery := job
		redelivery.Attempt++
		redelivery.RunAt = time.Now().Add(delay)
		q.retry(ackCtx, raw, &redelivery)
	}
}

func (q *Queue) ack(ctx context.Context, raw string) {
	if err := q.client.LRem(ctx, q.processingKey, 1, raw).Err(); err != nil {
		q.logger.Errorf("Failed to acknowledge job: %v", err)
	}
}

func (q *Queue) bury(ctx context.Context, raw string) {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey, 1, raw)
		pipe.LPush(ctx, q.deadKey, raw)
		return nil
	})
	if err != nil {
		q.logger.Errorf("Failed to move job to dead list: %v", err)
	}
}

func (q *Queue) retry(ctx context.Context, raw string, job *queue.Job) {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey, 1, raw)
		return q.put(ctx, pipe, job)
	})
	if err != nil {
		// The job stays in processing until Stop or lease expiry requeues it.
		q.logger.Errorf("Failed to reschedule job %s (%s): %v", job.ID, job.Name, err)
	}
}

// Stats reports the size of each structure. Processing counts the jobs held by
// every registered consumer.
type Stats struct {
	Ready      int64
	Processing int64
	Delayed    int64
	Dead       int64
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	consumers, err := q.client.SMembers(ctx, q.consumersKey).Result()
	if err != nil {
		return Stats{}, errors.Wrap(err, "list consumers")
	}
	var ready, delayed, dead *redis.IntCmd
	processing := make([]*redis.IntCmd, 0, len(consumers))
	_, err = q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		ready = pipe.LLen(ctx, q.readyKey)
		delayed = pipe.ZCard(ctx, q.delayedKey)
		dead = pipe.LLen(ctx, q.deadKey)
		for _, consumer := range consumers {
			processing = append(processing, pipe.LLen(ctx, q.processingKeyOf(consumer)))
		}
		return nil
	})
	if err != nil {
		return Stats{}, errors.Wrap(err, "read queue stats")
	}
	s := Stats{Ready: ready.Val(), Delayed: delayed.Val(), Dead: dead.Val()}
	for _, n := range processing {
		s.Processing += n.Val()
	}
	return s, nil
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
