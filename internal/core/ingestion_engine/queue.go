package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nurudeen19/rag-fortress-sub002/internal/core/apperr"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/clock"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/lifecycle"
	"github.com/nurudeen19/rag-fortress-sub002/internal/logger"
	"github.com/nurudeen19/rag-fortress-sub002/internal/models"
)

// Processor turns a document in processing into stored chunks.
type Processor interface {
	Process(ctx context.Context, doc *models.Document) (chunks int, err error)
}

// Documents is the part of the lifecycle manager the queue drives.
type Documents interface {
	Get(ctx context.Context, id string) (*models.Document, error)
	List(ctx context.Context, filter models.DocumentFilter) ([]models.Document, error)
	BeginProcessing(ctx context.Context, id string) (*models.Document, error)
	MarkProcessed(ctx context.Context, id string, chunks int) (*models.Document, error)
	MarkFailed(ctx context.Context, id string, cause error) (*models.Document, error)
	Retry(ctx context.Context, actor, id string) (*models.Document, error)
}

var (
	_ Documents            = (*lifecycle.Manager)(nil)
	_ lifecycle.Dispatcher = (*Queue)(nil)
)

type QueueConfig struct {
	Workers    int
	Capacity   int
	JobTimeout time.Duration
}

// FailedJob is kept until an operator retries the document or clears the list.
type FailedJob struct {
	DocumentID string    `json:"document_id"`
	FileName   string    `json:"file_name"`
	Error      string    `json:"error"`
	Attempts   int       `json:"attempts"`
	FailedAt   time.Time `json:"failed_at"`
}

type Stats struct {
	Workers   int   `json:"workers"`
	Capacity  int   `json:"capacity"`
	Queued    int   `json:"queued"`
	Running   int   `json:"running"`
	Paused    bool  `json:"paused"`
	Processed int64 `json:"processed"`
	Failed    int   `json:"failed"`
}

// BatchResult reports a trigger run. Deferred documents found the queue full
// and stay approved for the next trigger.
type BatchResult struct {
	Enqueued int `json:"enqueued"`
	Deferred int `json:"deferred"`
}

var (
	ErrQueueFull    = errors.New("ingestion queue is full")
	ErrQueueStopped = errors.New("ingestion queue is shut down")
	ErrInterrupted  = errors.New("processing interrupted by a restart")
)

// Queue is a bounded in-process worker pool. A document is tracked from the
// moment it is queued until its job finishes, which makes Enqueue and
// Dispatch idempotent.
//
// Every send on jobs happens under mu after checking for room, so a send
// never blocks. Enqueue reserves room before it claims a document.
type Queue struct {
	docs  Documents
	proc  Processor
	clock clock.Clock
	log   logger.Logger
	cfg   QueueConfig

	jobs chan string
	wg   sync.WaitGroup

	mu       sync.Mutex
	tracked  map[string]struct{}
	reserved int
	backlog  []string // dispatched documents waiting for room in jobs
	queued   int
	running  int
	paused   bool
	gate     chan struct{} // closed while not paused
	failed   map[string]FailedJob
	attempts map[string]int
	started  bool
	stopped  bool

	processed atomic.Int64
}

func NewQueue(docs Documents, proc Processor, clk clock.Clock, log logger.Logger, cfg QueueConfig) *Queue {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Capacity < 1 {
		cfg.Capacity = 64
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	gate := make(chan struct{})
	close(gate)
	return &Queue{
		docs:     docs,
		proc:     proc,
		clock:    clk,
		log:      log.Named("ingestion"),
		cfg:      cfg,
		jobs:     make(chan string, cfg.Capacity),
		tracked:  make(map[string]struct{}),
		gate:     gate,
		failed:   make(map[string]FailedJob),
		attempts: make(map[string]int),
	}
}

// Start launches the workers. They stop when ctx is cancelled, and jobs that
// never started are then marked failed. Wait blocks until the running jobs
// have finished and the leftovers are recorded.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	var workers sync.WaitGroup
	for w := 1; w <= q.cfg.Workers; w++ {
		workers.Add(1)
		q.wg.Add(1)
		go func(w int) {
			defer q.wg.Done()
			defer workers.Done()
			q.work(ctx, w)
		}(w)
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		<-ctx.Done()
		workers.Wait()
		q.abandon(context.WithoutCancel(ctx))
	}()
	q.log.Info("ingestion workers started", logger.Int("workers", q.cfg.Workers))
}

func (q *Queue) Wait() {
	q.wg.Wait()
}

// RecoverInterrupted marks failed the documents a previous process left in
// processing without finishing them. Call it before Start.
func (q *Queue) RecoverInterrupted(ctx context.Context) (int, error) {
	docs, err := q.docs.List(ctx, models.DocumentFilter{Status: models.StatusProcessing})
	if err != nil {
		return 0, fmt.Errorf("list processing documents: %w", err)
	}
	n := 0
	for i := range docs {
		if !q.track(docs[i].ID) {
			continue
		}
		q.fail(ctx, &docs[i], ErrInterrupted)
		q.untrack(docs[i].ID)
		n++
	}
	if n > 0 {
		q.log.Warn("interrupted documents marked failed", logger.Int("count", n))
	}
	return n, nil
}

// Enqueue schedules an approved document. It reports whether a job was
// queued: documents that are already queued, running or processed are left
// alone. When the queue is full the document stays approved and the error
// wraps ErrQueueFull.
func (q *Queue) Enqueue(ctx context.Context, id string) (bool, error) {
	doc, err := q.docs.Get(ctx, id)
	if err != nil {
		return false, err
	}
	switch doc.Status {
	case models.StatusProcessed, models.StatusProcessing:
		return false, nil
	case models.StatusApproved:
	default:
		return false, apperr.InvalidTransition("document %s is %s and cannot be ingested", id, doc.Status)
	}

	if !q.track(id) {
		return false, nil
	}
	if err := q.reserve(); err != nil {
		q.untrack(id)
		if errors.Is(err, ErrQueueFull) {
			return false, &apperr.Error{Code: apperr.CodeConflict, Message: fmt.Sprintf("document %s stays approved", id), Err: err}
		}
		return false, err
	}
	if _, err := q.docs.BeginProcessing(ctx, id); err != nil {
		q.unreserve()
		q.untrack(id)
		if errors.Is(err, apperr.ErrInvalidTransition) {
			// Lost a race with another trigger; fine if it is now on its way.
			if cur, gerr := q.docs.Get(ctx, id); gerr == nil &&
				(cur.Status == models.StatusProcessing || cur.Status == models.StatusProcessed) {
				return false, nil
			}
		}
		return false, err
	}
	if err := q.pushReserved(id); err != nil {
		// Stopped between the reservation and the claim.
		q.untrack(id)
		q.failID(context.WithoutCancel(ctx), id, err)
		return false, err
	}
	return true, nil
}

// Dispatch queues a document that is already in processing, as quick
// approval and retry leave it. A full queue keeps it in the backlog until a
// worker frees room. An error means the queue is shut down and the caller
// marks the document failed.
func (q *Queue) Dispatch(_ context.Context, id string) error {
	if !q.track(id) {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		delete(q.tracked, id)
		return ErrQueueStopped
	}
	q.queued++
	if len(q.backlog) == 0 && q.room() {
		q.jobs <- id
		q.log.Debug("document queued", logger.String("document_id", id))
		return nil
	}
	q.backlog = append(q.backlog, id)
	q.log.Info("queue full, document waits in backlog",
		logger.String("document_id", id), logger.Int("backlog", len(q.backlog)))
	return nil
}

// TriggerBatch enqueues every approved document regardless of mode.
func (q *Queue) TriggerBatch(ctx context.Context) (BatchResult, error) {
	return q.enqueueApproved(ctx, func(models.Document) bool { return true })
}

// TriggerScheduled enqueues the approved documents waiting for a batch run.
func (q *Queue) TriggerScheduled(ctx context.Context) (BatchResult, error) {
	return q.enqueueApproved(ctx, func(d models.Document) bool {
		return d.ApprovalMode == models.ApprovalScheduled
	})
}

func (q *Queue) enqueueApproved(ctx context.Context, match func(models.Document) bool) (BatchResult, error) {
	docs, err := q.docs.List(ctx, models.DocumentFilter{Status: models.StatusApproved})
	if err != nil {
		return BatchResult{}, fmt.Errorf("list approved documents: %w", err)
	}

	var (
		count    atomic.Int64
		deferred atomic.Int64
		mu       sync.Mutex
		errs     []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.cfg.Workers)
	for _, d := range docs {
		if !match(d) {
			continue
		}
		id := d.ID
		g.Go(func() error {
			ok, err := q.Enqueue(gctx, id)
			if errors.Is(err, ErrQueueFull) {
				deferred.Add(1)
				return nil
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("enqueue %s: %w", id, err))
				mu.Unlock()
				return nil
			}
			if ok {
				count.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := BatchResult{Enqueued: int(count.Load()), Deferred: int(deferred.Load())}
	q.log.Info("batch ingestion triggered",
		logger.Int("enqueued", res.Enqueued),
		logger.Int("deferred", res.Deferred),
		logger.Int("errors", len(errs)),
	)
	return res, errors.Join(errs...)
}

// RunScheduler triggers scheduled ingestion every interval until ctx ends.
func (q *Queue) RunScheduler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.TriggerScheduled(ctx); err != nil {
				q.log.Warn("scheduled ingestion had errors", logger.Error(err))
			}
		}
	}
}

// Pause stops workers from starting new jobs. Running jobs finish.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused {
		return
	}
	q.paused = true
	q.gate = make(chan struct{})
	q.log.Info("ingestion paused")
}

func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.paused {
		return
	}
	q.paused = false
	close(q.gate)
	q.log.Info("ingestion resumed")
}

// Retry sends a failed document back to processing on behalf of an operator.
func (q *Queue) Retry(ctx context.Context, actor, id string) (*models.Document, error) {
	doc, err := q.docs.Retry(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	delete(q.failed, id)
	q.mu.Unlock()

	if err := q.Dispatch(ctx, id); err != nil {
		q.log.Error("retry dispatch failed", logger.String("document_id", id), logger.Error(err))
		return q.docs.MarkFailed(context.WithoutCancel(ctx), id, fmt.Errorf("dispatch: %w", err))
	}
	return doc, nil
}

// FailedJobs lists failures oldest first.
func (q *Queue) FailedJobs() []FailedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]FailedJob, 0, len(q.failed))
	for _, f := range q.failed {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	return out
}

// ClearFailedJobs forgets the failure list. The documents stay failed.
func (q *Queue) ClearFailedJobs() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.failed)
	q.failed = make(map[string]FailedJob)
	q.log.Info("failed jobs cleared", logger.Int("count", n))
	return n
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Workers:   q.cfg.Workers,
		Capacity:  q.cfg.Capacity,
		Queued:    q.queued,
		Running:   q.running,
		Paused:    q.paused,
		Processed: q.processed.Load(),
		Failed:    len(q.failed),
	}
}

func (q *Queue) track(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.tracked[id]; ok {
		return false
	}
	q.tracked[id] = struct{}{}
	return true
}

func (q *Queue) untrack(id string) {
	q.mu.Lock()
	delete(q.tracked, id)
	q.mu.Unlock()
}

// room reports whether one more job fits in jobs. Callers hold mu.
func (q *Queue) room() bool {
	return len(q.jobs)+q.reserved < cap(q.jobs)
}

// reserve holds room for one job without blocking.
func (q *Queue) reserve() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch {
	case q.stopped:
		return ErrQueueStopped
	case len(q.backlog) > 0 || !q.room():
		return ErrQueueFull
	}
	q.reserved++
	return nil
}

func (q *Queue) unreserve() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reserved--
	q.fillLocked()
}

// pushReserved turns a reservation into a queued job.
func (q *Queue) pushReserved(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reserved--
	if q.stopped {
		return ErrQueueStopped
	}
	q.queued++
	q.jobs <- id
	q.log.Debug("document queued", logger.String("document_id", id))
	return nil
}

// refill moves backlog entries into the room a worker just freed.
func (q *Queue) refill() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fillLocked()
}

func (q *Queue) fillLocked() {
	for !q.stopped && len(q.backlog) > 0 && q.room() {
		q.jobs <- q.backlog[0]
		q.backlog = q.backlog[1:]
	}
}

func (q *Queue) work(ctx context.Context, w int) {
	for {
		select {
		case <-ctx.Done():
			q.log.Debug("worker shutting down", logger.Int("worker", w))
			return
		case id := <-q.jobs:
			q.refill()
			if !q.acquire(ctx) {
				q.mu.Lock()
				q.queued--
				delete(q.tracked, id)
				q.mu.Unlock()
				q.failID(context.WithoutCancel(ctx), id, ErrQueueStopped)
				return
			}
			q.run(ctx, w, id)
		}
	}
}

// abandon runs once the workers have exited. Jobs that never started are
// marked failed so they can be retried or deleted.
func (q *Queue) abandon(ctx context.Context) {
	q.mu.Lock()
	q.stopped = true
	left := q.backlog
	q.backlog = nil
	for drained := false; !drained; {
		select {
		case id := <-q.jobs:
			left = append(left, id)
		default:
			drained = true
		}
	}
	for _, id := range left {
		q.queued--
		delete(q.tracked, id)
	}
	q.mu.Unlock()

	for _, id := range left {
		q.failID(ctx, id, ErrQueueStopped)
	}
	if len(left) > 0 {
		q.log.Warn("unstarted jobs marked failed at shutdown", logger.Int("count", len(left)))
	}
}

// acquire waits for the pause gate and counts the job as running. Both
// happen under one lock so no job starts after Pause returns.
func (q *Queue) acquire(ctx context.Context) bool {
	for {
		q.mu.Lock()
		if !q.paused {
			q.queued--
			q.running++
			q.mu.Unlock()
			return true
		}
		gate := q.gate
		q.mu.Unlock()

		select {
		case <-gate:
		case <-ctx.Done():
			return false
		}
	}
}

// run processes one job. The job outlives ctx so shutdown never abandons a
// half-written document; JobTimeout bounds it instead. The document is
// released before its final transition so a retry right after can queue it.
func (q *Queue) run(ctx context.Context, w int, id string) {
	defer func() {
		q.mu.Lock()
		q.running--
		q.mu.Unlock()
	}()

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.cfg.JobTimeout)
	defer cancel()

	doc, err := q.docs.Get(jobCtx, id)
	if err != nil {
		q.untrack(id)
		q.log.Warn("queued document vanished", logger.String("document_id", id), logger.Error(err))
		return
	}
	if doc.Status != models.StatusProcessing {
		q.untrack(id)
		q.log.Warn("skipping document not in processing",
			logger.String("document_id", id), logger.String("status", string(doc.Status)))
		return
	}

	start := q.clock.Now()
	q.log.Info("processing document", logger.String("document_id", id), logger.Int("worker", w))

	chunks, err := q.proc.Process(jobCtx, doc)
	q.untrack(id)
	if err == nil {
		_, err = q.docs.MarkProcessed(jobCtx, id, chunks)
		if err == nil {
			q.processed.Add(1)
			q.mu.Lock()
			delete(q.attempts, id)
			q.mu.Unlock()
			q.log.Info("document processed",
				logger.String("document_id", id),
				logger.Int("chunks", chunks),
				logger.Duration("took", q.clock.Now().Sub(start)),
			)
			return
		}
	}
	q.fail(jobCtx, doc, err)
}

func (q *Queue) failID(ctx context.Context, id string, cause error) {
	doc, err := q.docs.Get(ctx, id)
	if err != nil {
		q.log.Warn("queued document vanished", logger.String("document_id", id), logger.Error(err))
		return
	}
	q.fail(ctx, doc, cause)
}

// fail lists the job before the status flips so anyone who observes the
// failed document also finds it in FailedJobs.
func (q *Queue) fail(ctx context.Context, doc *models.Document, cause error) {
	q.log.Error("document processing failed", logger.String("document_id", doc.ID), logger.Error(cause))

	q.mu.Lock()
	q.attempts[doc.ID]++
	q.failed[doc.ID] = FailedJob{
		DocumentID: doc.ID,
		FileName:   doc.FileName,
		Error:      cause.Error(),
		Attempts:   q.attempts[doc.ID],
		FailedAt:   q.clock.Now(),
	}
	q.mu.Unlock()

	if _, err := q.docs.MarkFailed(ctx, doc.ID, cause); err != nil {
		q.log.Error("mark failed", logger.String("document_id", doc.ID), logger.Error(err))
	}
}
