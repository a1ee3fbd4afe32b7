// Package queue runs units of work under a concurrency cap and a minimum
// spacing between starts, admitting them in submission order.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for queue operations.
var (
	queueRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fetch_queue_running",
		Help: "Number of jobs currently running",
	})

	queueWaiting = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fetch_queue_waiting",
		Help: "Number of jobs waiting for admission",
	})

	queueAdmissionSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fetch_queue_admission_seconds",
		Help:    "Time jobs spent waiting for admission",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
	})
)

// ErrQueueClosed is returned for jobs submitted to, or still pending in, a
// closed queue.
var ErrQueueClosed = errors.New("queue closed")

// Job is a unit of work. The context is cancelled when the submitter's
// context is done or the queue is closed.
type Job func(ctx context.Context) error

// Config holds the admission policy.
type Config struct {
	// MaxConcurrency is the maximum number of jobs running at once.
	MaxConcurrency int

	// MinSpacing is the minimum time between two job starts.
	MinSpacing time.Duration
}

// DefaultConfig returns ten concurrent jobs without spacing.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 10,
		MinSpacing:     0,
	}
}

const (
	taskPending int32 = iota
	taskStarted
	taskAbandoned
)

type task struct {
	id       string
	ctx      context.Context
	job      Job
	queuedAt time.Time
	state    atomic.Int32
	done     chan struct{}
	err      error
}

func (t *task) finish(err error) {
	t.err = err
	close(t.done)
}

// Handle tracks a submitted job.
type Handle struct {
	t *task
}

// ID returns the identifier the job was submitted with.
func (h *Handle) ID() string {
	return h.t.id
}

// Done is closed once the job finished or was dropped.
func (h *Handle) Done() <-chan struct{} {
	return h.t.done
}

// Err returns the job result. Only valid after Done is closed.
func (h *Handle) Err() error {
	return h.t.err
}

// Wait blocks until the job finished. If ctx is done before the job was
// admitted, the job is abandoned and ctx's error returned; a job already
// running is waited for, since its own context is cancelled as well.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.t.done:
		return h.t.err
	case <-ctx.Done():
	}

	if h.t.state.CompareAndSwap(taskPending, taskAbandoned) {
		return ctx.Err()
	}
	<-h.t.done
	return h.t.err
}

// Queue admits jobs in FIFO order. A single dispatcher takes the next job,
// waits for a free slot and for the spacing limiter, then hands the job to
// a worker pool.
type Queue struct {
	cfg     Config
	pool    *ants.Pool
	limiter *rate.Limiter
	slots   chan struct{}
	logger  zerolog.Logger

	mu      sync.Mutex
	pending []*task
	closed  bool
	notify  chan struct{}

	listenersMu sync.RWMutex
	listeners   []Listener

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	running   sync.WaitGroup
	stopped   chan struct{}
}

// New creates a queue and starts its dispatcher.
func New(cfg Config, logger zerolog.Logger) (*Queue, error) {
	if cfg.MaxConcurrency < 1 {
		return nil, fmt.Errorf("max concurrency must be >= 1 (got %d)", cfg.MaxConcurrency)
	}
	if cfg.MinSpacing < 0 {
		return nil, fmt.Errorf("min spacing must be >= 0 (got %v)", cfg.MinSpacing)
	}

	pool, err := ants.NewPool(cfg.MaxConcurrency, ants.WithPanicHandler(func(p any) {
		logger.Error().Interface("panic", p).Msg("Job panicked")
	}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	limit := rate.Inf
	if cfg.MinSpacing > 0 {
		limit = rate.Every(cfg.MinSpacing)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:     cfg,
		pool:    pool,
		limiter: rate.NewLimiter(limit, 1),
		slots:   make(chan struct{}, cfg.MaxConcurrency),
		logger:  logger,
		notify:  make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}

	go q.dispatch()

	return q, nil
}

// Submit enqueues job and returns immediately.
func (q *Queue) Submit(ctx context.Context, id string, job Job) (*Handle, error) {
	t := &task{
		id:       id,
		ctx:      ctx,
		job:      job,
		queuedAt: time.Now(),
		done:     make(chan struct{}),
	}

	q.Emit(Event{Type: EventQueued, ID: id})

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.Emit(Event{Type: EventDropped, ID: id, Err: ErrQueueClosed})
		return nil, ErrQueueClosed
	}
	q.pending = append(q.pending, t)
	queueWaiting.Set(float64(len(q.pending)))
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}

	return &Handle{t: t}, nil
}

// Schedule submits job and waits for its result.
func (q *Queue) Schedule(ctx context.Context, id string, job Job) error {
	h, err := q.Submit(ctx, id, job)
	if err != nil {
		return err
	}
	return h.Wait(ctx)
}

// Waiting returns the number of jobs not yet admitted.
func (q *Queue) Waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Running returns the number of jobs currently running.
func (q *Queue) Running() int {
	return len(q.slots)
}

// Close stops admission, fails pending jobs with ErrQueueClosed, cancels
// running jobs and waits for them to return.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()

		q.cancel()
		<-q.stopped

		q.mu.Lock()
		pending := q.pending
		q.pending = nil
		queueWaiting.Set(0)
		q.mu.Unlock()

		for _, t := range pending {
			q.drop(t, ErrQueueClosed)
		}

		q.running.Wait()
		q.pool.Release()
	})
}

// next blocks until a job is pending or the queue is closed.
func (q *Queue) next() (*task, bool) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			t := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			queueWaiting.Set(float64(len(q.pending)))
			q.mu.Unlock()
			return t, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.ctx.Done():
			return nil, false
		}
	}
}

func (q *Queue) dispatch() {
	defer close(q.stopped)

	for {
		t, ok := q.next()
		if !ok {
			return
		}
		if !q.admit(t) {
			if q.ctx.Err() != nil {
				return
			}
		}
	}
}

// admit waits for a slot and the spacing limiter, then starts t. It returns
// false when t was dropped instead.
func (q *Queue) admit(t *task) bool {
	if t.state.Load() == taskAbandoned || t.ctx.Err() != nil {
		q.drop(t, t.ctx.Err())
		return false
	}

	// Wait on the submitter's context and the queue's at once.
	waitCtx, cancel := context.WithCancel(t.ctx)
	stop := context.AfterFunc(q.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	select {
	case q.slots <- struct{}{}:
	case <-waitCtx.Done():
		q.drop(t, q.dropReason(t))
		return false
	}

	if err := q.limiter.Wait(waitCtx); err != nil {
		<-q.slots
		q.drop(t, q.dropReason(t))
		return false
	}

	// Close sets closed under mu before it waits for running jobs, so a job
	// is either counted as running here or dropped.
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.slots
		q.drop(t, ErrQueueClosed)
		return false
	}
	if !t.state.CompareAndSwap(taskPending, taskStarted) {
		q.mu.Unlock()
		<-q.slots
		q.drop(t, t.ctx.Err())
		return false
	}
	q.running.Add(1)
	q.mu.Unlock()

	queueAdmissionSeconds.Observe(time.Since(t.queuedAt).Seconds())
	queueRunning.Inc()

	err := q.pool.Submit(func() {
		defer func() {
			queueRunning.Dec()
			<-q.slots
			q.running.Done()
		}()
		q.run(t)
	})
	if err != nil {
		queueRunning.Dec()
		<-q.slots
		q.running.Done()
		t.finish(fmt.Errorf("submit job: %w", err))
		q.Emit(Event{Type: EventFailed, ID: t.id, Err: err})
		return false
	}

	return true
}

func (q *Queue) dropReason(t *task) error {
	if err := t.ctx.Err(); err != nil {
		return err
	}
	return ErrQueueClosed
}

func (q *Queue) drop(t *task, err error) {
	if err == nil {
		err = context.Canceled
	}
	t.finish(err)
	q.Emit(Event{Type: EventDropped, ID: t.id, Err: err})
	q.logger.Debug().Str("job_id", t.id).Err(err).Msg("Job dropped before start")
}

func (q *Queue) run(t *task) {
	jobCtx, cancel := context.WithCancelCause(t.ctx)
	stop := context.AfterFunc(q.ctx, func() { cancel(ErrQueueClosed) })
	defer func() {
		stop()
		cancel(nil)
	}()

	q.Emit(Event{Type: EventStarted, ID: t.id})

	start := time.Now()
	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("job panicked: %v", p)
			}
		}()
		err = t.job(jobCtx)
	}()

	if err != nil {
		q.Emit(Event{Type: EventFailed, ID: t.id, Err: err, Elapsed: time.Since(start)})
	} else {
		q.Emit(Event{Type: EventDone, ID: t.id, Elapsed: time.Since(start)})
	}
	t.finish(err)
}
