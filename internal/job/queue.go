package job

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"provisioner/internal/apperrors"
	"provisioner/internal/observability"
	"provisioner/pkg/backoff"
)

// Queue errors. Both classify as apperrors.ErrUnavailable.
var (
	ErrQueueFull   = errors.Mark(errors.New("job queue is full"), apperrors.ErrUnavailable)
	ErrQueueClosed = errors.Mark(errors.New("job queue is closed"), apperrors.ErrUnavailable)
)

// DefaultUserJobsLimit caps UserJobs when no limit is given.
const DefaultUserJobsLimit = 10

// DefaultRetention is the CleanupOldJobs age when none is given.
const DefaultRetention = 24 * time.Hour

// Config sizes the queue. Zero values use defaults.
type Config struct {
	Workers        int           // default: 5
	MaxQueueSize   int           // default: 1000
	JobTimeout     time.Duration // default: 600s
	MaxAttempts    int           // default: 3
	RetryBaseDelay time.Duration // default: 1s
	RetryMaxDelay  time.Duration // default: 30s
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() Config {
	return Config{
		Workers:        5,
		MaxQueueSize:   1000,
		JobTimeout:     600 * time.Second,
		MaxAttempts:    3,
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = def.MaxQueueSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = def.JobTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = def.RetryMaxDelay
	}
	return c
}

// Queue is an in-memory priority queue served by a fixed worker pool.
// The job table, heap and dedup table are only touched under mu.
type Queue struct {
	cfg     Config
	logger  *zap.SugaredLogger
	metrics *observability.Metrics
	now     func() time.Time

	mu        sync.Mutex
	jobs      map[string]*Job
	pending   jobHeap
	dedup     map[string]string // "{type}:{key}" -> job id
	handlers  map[Type]Handler
	listeners []Listener
	timers    map[string]*time.Timer
	seq       uint64
	running   int
	total     int
	completed int
	failed    int
	retried   int
	started   bool
	closed    bool

	wake       chan struct{}
	shutdown   chan struct{}
	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup
	stopOnce   sync.Once
}

// NewQueue creates a stopped queue. Jobs may be enqueued before Start.
func NewQueue(cfg Config, logger *zap.SugaredLogger, metrics *observability.Metrics) *Queue {
	cfg = cfg.withDefaults()
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:        cfg,
		logger:     logger.Named("queue"),
		metrics:    metrics,
		now:        time.Now,
		jobs:       make(map[string]*Job),
		dedup:      make(map[string]string),
		handlers:   make(map[Type]Handler),
		timers:     make(map[string]*time.Timer),
		wake:       make(chan struct{}, cfg.Workers),
		shutdown:   make(chan struct{}),
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
}

// RegisterHandler routes jobs of type t to h, replacing any previous handler.
func (q *Queue) RegisterHandler(t Type, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[t] = h
	q.logger.Debugw("Registered job handler", "jobType", t)
}

// AddListener subscribes l to terminal job transitions.
func (q *Queue) AddListener(l Listener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, l)
}

func dedupKey(t Type, key string) string {
	return string(t) + ":" + key
}

// Enqueue adds a job and returns its id. When another live job holds the
// same dedup key for the same type, that job's id is returned instead.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if !req.Type.Valid() {
		return "", apperrors.Validation("type", "unknown job type "+string(req.Type))
	}
	if !req.Priority.Valid() {
		return "", apperrors.Validation("priority", "unknown priority")
	}
	if req.MaxAttempts < 0 {
		return "", apperrors.Validation("max_attempts", "max_attempts cannot be negative")
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrQueueClosed
	}
	if len(q.pending) >= q.cfg.MaxQueueSize {
		q.mu.Unlock()
		return "", ErrQueueFull
	}
	if req.DedupKey != "" {
		if id, ok := q.dedup[dedupKey(req.Type, req.DedupKey)]; ok {
			q.mu.Unlock()
			q.metrics.RecordJobEnqueued(ctx, string(req.Type), true)
			q.logger.Infow("Deduplicated job", "jobId", id, "jobType", req.Type, "dedupKey", req.DedupKey)
			return id, nil
		}
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = q.cfg.MaxAttempts
	}
	j := &Job{
		ID:          uuid.NewString(),
		Type:        req.Type,
		Priority:    req.Priority,
		UserID:      req.UserID,
		Payload:     req.Payload,
		Status:      StatusPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   q.now(),
		Callback:    req.Callback,
		DedupKey:    req.DedupKey,
		Webhook:     req.Webhook,
	}
	if j.Payload == nil {
		j.Payload = map[string]any{}
	}
	q.jobs[j.ID] = j
	if j.DedupKey != "" {
		q.dedup[dedupKey(j.Type, j.DedupKey)] = j.ID
	}
	q.total++
	q.pushLocked(j)
	depth := len(q.pending)
	q.mu.Unlock()

	q.signal()
	q.metrics.RecordJobEnqueued(ctx, string(j.Type), false)
	q.metrics.RecordQueueDepth(ctx, depth)
	q.logger.Infow("Enqueued job", "jobId", j.ID, "jobType", j.Type, "userId", j.UserID, "priority", j.Priority.String())
	return j.ID, nil
}

// pushLocked marks j queued and places it on the heap. Caller holds mu.
func (q *Queue) pushLocked(j *Job) {
	q.seq++
	j.seq = q.seq
	j.Status = StatusQueued
	heap.Push(&q.pending, entry{priority: j.Priority, seq: j.seq, id: j.ID})
}

// signal wakes one idle worker. A full wake buffer already guarantees
// every waiting worker will re-check the heap.
func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Cancel cancels a pending or queued job. It returns false for unknown
// jobs and jobs that are running, retrying or finished.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok || (j.Status != StatusPending && j.Status != StatusQueued) {
		q.mu.Unlock()
		return false
	}
	now := q.now()
	j.Status = StatusCancelled
	j.CompletedAt = &now
	q.releaseDedupLocked(j)
	v := j.view()
	listeners := q.listeners
	q.mu.Unlock()

	ctx := context.Background()
	q.metrics.RecordJobCancelled(ctx, string(j.Type))
	q.logger.Infow("Cancelled job", "jobId", id, "jobType", j.Type)
	notify(ctx, listeners, v)
	return true
}

func (q *Queue) releaseDedupLocked(j *Job) {
	if j.DedupKey == "" {
		return
	}
	key := dedupKey(j.Type, j.DedupKey)
	if q.dedup[key] == j.ID {
		delete(q.dedup, key)
	}
}

// Get returns a snapshot of the job.
func (q *Queue) Get(id string) (View, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return View{}, false
	}
	return j.view(), true
}

// Status returns the job's current status.
func (q *Queue) Status(id string) (Status, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return "", false
	}
	return j.Status, true
}

// UserJobs returns up to limit of the user's jobs, newest first.
func (q *Queue) UserJobs(userID int64, limit int) []View {
	if limit <= 0 {
		limit = DefaultUserJobsLimit
	}

	q.mu.Lock()
	matched := make([]*Job, 0)
	for _, j := range q.jobs {
		if j.UserID == userID {
			matched = append(matched, j)
		}
	}
	sort.Slice(matched, func(a, b int) bool {
		if !matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].CreatedAt.After(matched[b].CreatedAt)
		}
		return matched[a].seq > matched[b].seq
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	views := make([]View, len(matched))
	for i, j := range matched {
		views[i] = j.view()
	}
	q.mu.Unlock()
	return views
}

// QueueStatus reports occupancy and lifetime counters.
func (q *Queue) QueueStatus() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	byStatus := make(map[Status]int)
	for _, j := range q.jobs {
		byStatus[j.Status]++
	}
	return QueueStatus{
		QueueLength:   len(q.pending),
		RunningJobs:   q.running,
		TotalJobs:     q.total,
		CompletedJobs: q.completed,
		FailedJobs:    q.failed,
		RetriedJobs:   q.retried,
		ByStatus:      byStatus,
		Workers:       q.cfg.Workers,
		IsRunning:     q.started && !q.closed,
	}
}

// Start launches the worker pool. It is a no-op if already started or stopped.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	// Work enqueued before Start needs a wakeup per worker.
	for i := 0; i < q.cfg.Workers && i < len(q.pending); i++ {
		q.signal()
	}
	q.logger.Infow("Job queue started", "workers", q.cfg.Workers)
}

// Stop rejects new work, cancels pending retry timers and waits for
// in-flight jobs until ctx is done. Stragglers then have their context
// cancelled and Stop returns ctx's error.
func (q *Queue) Stop(ctx context.Context) error {
	var err error
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		for id, t := range q.timers {
			t.Stop()
			delete(q.timers, id)
		}
		q.mu.Unlock()
		close(q.shutdown)

		done := make(chan struct{})
		go func() {
			q.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			q.logger.Info("Job queue stopped")
		case <-ctx.Done():
			q.logger.Warn("Job queue stop deadline reached, cancelling in-flight jobs")
			err = errors.Wrap(ctx.Err(), "waiting for workers")
		}
		q.cancelBase()
	})
	return err
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	log := q.logger.With("worker", id)
	log.Debug("Worker started")

	for {
		j, h, ok := q.next()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-q.shutdown:
				log.Debug("Worker stopped")
				return
			}
		}
		q.process(log, j, h)

		select {
		case <-q.shutdown:
			log.Debug("Worker stopped")
			return
		default:
		}
	}
}

// next pops the best live job and marks it running. Entries left behind by
// cancelled or already re-pushed jobs are discarded.
func (q *Queue) next() (*Job, Handler, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, nil, false
	}
	for q.pending.Len() > 0 {
		e := heap.Pop(&q.pending).(entry)
		j, ok := q.jobs[e.id]
		if !ok || j.seq != e.seq || j.Status != StatusQueued {
			continue
		}
		now := q.now()
		j.Status = StatusRunning
		j.StartedAt = &now
		j.Attempts++
		q.running++
		return j, q.handlers[j.Type], true
	}
	return nil, nil, false
}

func (q *Queue) process(log *zap.SugaredLogger, j *Job, h Handler) {
	log = log.With("jobId", j.ID, "jobType", j.Type)
	log.Infow("Processing job", "attempt", j.Attempts)
	q.metrics.RecordJobStarted(q.baseCtx, string(j.Type))

	start := time.Now()
	var (
		result map[string]any
		err    error
	)
	if h == nil {
		err = errors.Newf("no handler registered for job type %s", j.Type)
	} else {
		ctx, cancel := context.WithTimeout(q.baseCtx, q.cfg.JobTimeout)
		result, err = invoke(ctx, h, j)
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = errors.Wrapf(err, "job timed out after %s", q.cfg.JobTimeout)
		}
		cancel()
	}
	q.finish(log, j, h != nil, result, err, time.Since(start))
}

func invoke(ctx context.Context, h Handler, j *Job) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, j)
}

// retriable reports whether err may succeed on another attempt. Errors
// that expose Retriable() decide for themselves; anything else is retried.
func retriable(err error) bool {
	var r interface{ Retriable() bool }
	if errors.As(err, &r) {
		return r.Retriable()
	}
	return true
}

func (q *Queue) finish(log *zap.SugaredLogger, j *Job, hasHandler bool, result map[string]any, err error, elapsed time.Duration) {
	q.mu.Lock()
	q.running--
	now := q.now()

	switch {
	case err == nil:
		j.Status = StatusCompleted
		j.Result = result
		j.Error = ""
		j.CompletedAt = &now
		q.completed++
	case hasHandler && !q.closed && j.Attempts < j.MaxAttempts && retriable(err):
		j.Error = err.Error()
		j.Status = StatusRetrying
		q.retried++
		q.scheduleRetryLocked(j)
	default:
		j.Error = err.Error()
		j.Status = StatusFailed
		j.CompletedAt = &now
		q.failed++
	}
	if j.Status.Terminal() {
		q.releaseDedupLocked(j)
	}
	v := j.view()
	listeners := q.listeners
	q.mu.Unlock()

	ctx := context.Background()
	q.metrics.RecordJobAttempt(ctx, string(j.Type), string(v.Status), elapsed.Seconds())

	switch v.Status {
	case StatusCompleted:
		log.Infow("Job completed", "durationMs", elapsed.Milliseconds())
		q.runCallback(log, j)
	case StatusRetrying:
		log.Warnw("Job attempt failed, will retry", "attempt", v.Attempts, "maxAttempts", v.MaxAttempts, "error", err)
	default:
		log.Errorw("Job failed", "attempts", v.Attempts, "error", err)
	}
	if v.Status.Terminal() {
		notify(ctx, listeners, v)
	}
}

// scheduleRetryLocked re-queues j after an exponential delay without
// holding a worker. Caller holds mu.
func (q *Queue) scheduleRetryLocked(j *Job) {
	delay := backoff.Exponential(j.Attempts, &backoff.Config{
		Initial: q.cfg.RetryBaseDelay,
		Max:     q.cfg.RetryMaxDelay,
	})
	id := j.ID
	q.timers[id] = time.AfterFunc(delay, func() { q.requeue(id) })
	q.logger.Debugw("Scheduled job retry", "jobId", id, "delay", delay)
}

func (q *Queue) requeue(id string) {
	q.mu.Lock()
	delete(q.timers, id)
	j, ok := q.jobs[id]
	if q.closed || !ok || j.Status != StatusRetrying {
		q.mu.Unlock()
		return
	}
	q.pushLocked(j)
	depth := len(q.pending)
	attempt := j.Attempts + 1
	q.mu.Unlock()

	q.signal()
	q.metrics.RecordQueueDepth(context.Background(), depth)
	q.logger.Infow("Job queued for retry", "jobId", id, "attempt", attempt)
}

func (q *Queue) runCallback(log *zap.SugaredLogger, j *Job) {
	if j.Callback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("Job callback panicked", "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(q.baseCtx, q.cfg.JobTimeout)
	defer cancel()
	if err := j.Callback(ctx, j); err != nil {
		log.Errorw("Job callback failed", "error", err)
	}
}

func notify(ctx context.Context, listeners []Listener, v View) {
	for _, l := range listeners {
		l.OnJobFinished(ctx, v)
	}
}

// CleanupOldJobs drops finished jobs completed more than maxAge ago and
// returns how many were removed. A non-positive maxAge uses DefaultRetention.
func (q *Queue) CleanupOldJobs(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = DefaultRetention
	}

	q.mu.Lock()
	cutoff := q.now().Add(-maxAge)
	removed := 0
	for id, j := range q.jobs {
		if j.Status.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(q.jobs, id)
			removed++
		}
	}
	q.mu.Unlock()

	if removed > 0 {
		q.logger.Infow("Cleaned up old jobs", "removed", removed, "maxAge", maxAge)
	}
	return removed
}
