package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nurudeen19/rag-fortress-sub002/internal/core/apperr"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/clock"
	db "github.com/nurudeen19/rag-fortress-sub002/internal/core/database"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/lifecycle"
	"github.com/nurudeen19/rag-fortress-sub002/internal/logger"
	"github.com/nurudeen19/rag-fortress-sub002/internal/models"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// fakeProcessor optionally holds every job until release is closed and
// tracks how many jobs run at once.
type fakeProcessor struct {
	mu      sync.Mutex
	active  int
	peak    int
	fail    map[string]error
	started chan string
	release chan struct{}
}

func newFakeProcessor(block bool) *fakeProcessor {
	p := &fakeProcessor{fail: map[string]error{}, started: make(chan string, 32)}
	if block {
		p.release = make(chan struct{})
	}
	return p
}

func (p *fakeProcessor) Process(_ context.Context, doc *models.Document) (int, error) {
	p.mu.Lock()
	p.active++
	if p.active > p.peak {
		p.peak = p.active
	}
	p.mu.Unlock()

	p.started <- doc.ID
	if p.release != nil {
		<-p.release
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.active--
	if err := p.fail[doc.ID]; err != nil {
		return 0, err
	}
	return 3, nil
}

func (p *fakeProcessor) setFail(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.fail, id)
		return
	}
	p.fail[id] = err
}

func (p *fakeProcessor) peakConcurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

type fixture struct {
	queue   *Queue
	manager *lifecycle.Manager
	proc    *fakeProcessor
	log     *logger.TestLogger
}

func newFixture(t *testing.T, workers int, block bool) *fixture {
	t.Helper()
	return newFixtureWith(t, QueueConfig{Workers: workers, Capacity: 16, JobTimeout: time.Minute}, block)
}

func newFixtureWith(t *testing.T, cfg QueueConfig, block bool) *fixture {
	t.Helper()
	store := db.NewMemoryClient()
	clk := clock.Fake(t0)
	log := logger.NewTestLogger()
	m := lifecycle.NewManager(store, clk, log)
	proc := newFakeProcessor(block)
	q := NewQueue(m, proc, clk, log, cfg)
	m.SetDispatcher(q)
	return &fixture{queue: q, manager: m, proc: proc, log: log}
}

// start runs the workers and stops them at the end of the test.
func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.queue.Start(ctx)
	t.Cleanup(func() {
		cancel()
		f.queue.Wait()
	})
}

func (f *fixture) approved(t *testing.T, name string, mode models.ApprovalMode) string {
	t.Helper()
	ctx := context.Background()
	doc, err := f.manager.Submit(ctx, "uploader", lifecycle.SubmitInput{ID: name, FileName: name + ".pdf", SecurityLevel: 2})
	require.NoError(t, err)
	_, err = f.manager.Approve(ctx, "admin", doc.ID, mode, "")
	require.NoError(t, err)
	return doc.ID
}

func (f *fixture) status(t *testing.T, id string) models.DocumentStatus {
	t.Helper()
	doc, err := f.manager.Get(context.Background(), id)
	require.NoError(t, err)
	return doc.Status
}

func (f *fixture) waitStatus(t *testing.T, id string, want models.DocumentStatus) {
	t.Helper()
	require.Eventually(t, func() bool { return f.status(t, id) == want },
		2*time.Second, 5*time.Millisecond, "document %s never reached %s", id, want)
}

func noStart(t *testing.T, started <-chan string) {
	t.Helper()
	select {
	case id := <-started:
		t.Fatalf("job %s started unexpectedly", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEnqueue_Idempotent(t *testing.T) {
	f := newFixture(t, 1, false)
	ctx := context.Background()
	id := f.approved(t, "doc-a", models.ApprovalManual)

	ok, err := f.queue.Enqueue(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.StatusProcessing, f.status(t, id))

	// Already queued, workers not started yet.
	for i := 0; i < 3; i++ {
		ok, err = f.queue.Enqueue(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)
		require.NoError(t, f.queue.Dispatch(ctx, id))
	}
	assert.Equal(t, 1, f.queue.Stats().Queued)

	f.start(t)
	f.waitStatus(t, id, models.StatusProcessed)

	ok, err = f.queue.Enqueue(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "processed documents are not re-ingested")
	require.Eventually(t, func() bool { return f.queue.Stats().Processed == 1 }, time.Second, 5*time.Millisecond)
}

func TestEnqueue_Rejects(t *testing.T) {
	f := newFixture(t, 1, false)
	ctx := context.Background()

	_, err := f.queue.Enqueue(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	doc, err := f.manager.Submit(ctx, "uploader", lifecycle.SubmitInput{FileName: "a.pdf", SecurityLevel: 1})
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, doc.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.Equal(t, models.StatusPending, f.status(t, doc.ID))
}

func TestQuickApprovalIsDispatched(t *testing.T) {
	f := newFixture(t, 2, false)
	f.start(t)

	id := f.approved(t, "quick", models.ApprovalQuick)
	f.waitStatus(t, id, models.StatusProcessed)

	doc, err := f.manager.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 3, doc.ChunksCreated)
	require.NotNil(t, doc.ProcessedAt)
}

func TestTriggerBatch_BoundedConcurrency(t *testing.T) {
	f := newFixture(t, 2, true)
	f.start(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, f.approved(t, fmt.Sprintf("doc-%d", i), models.ApprovalScheduled))
	}

	res, err := f.queue.TriggerBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Enqueued: 5}, res)

	<-f.proc.started
	<-f.proc.started
	noStart(t, f.proc.started)
	assert.Equal(t, 2, f.queue.Stats().Running)
	assert.Equal(t, 3, f.queue.Stats().Queued)

	close(f.proc.release)
	for _, id := range ids {
		f.waitStatus(t, id, models.StatusProcessed)
	}
	assert.LessOrEqual(t, f.proc.peakConcurrency(), 2)

	res, err = f.queue.TriggerBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Enqueued)
}

func TestTriggerScheduled_OnlyScheduledMode(t *testing.T) {
	f := newFixture(t, 1, false)
	f.start(t)

	scheduled := f.approved(t, "nightly", models.ApprovalScheduled)
	manual := f.approved(t, "by-hand", models.ApprovalManual)

	res, err := f.queue.TriggerScheduled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)

	f.waitStatus(t, scheduled, models.StatusProcessed)
	assert.Equal(t, models.StatusApproved, f.status(t, manual))
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t, 1, false)
	f.start(t)
	ctx := context.Background()

	f.queue.Pause()
	f.queue.Pause()
	id := f.approved(t, "held", models.ApprovalManual)
	ok, err := f.queue.Enqueue(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	noStart(t, f.proc.started)
	st := f.queue.Stats()
	assert.True(t, st.Paused)
	assert.Zero(t, st.Running)

	f.queue.Resume()
	assert.Equal(t, id, <-f.proc.started)
	f.waitStatus(t, id, models.StatusProcessed)
	assert.False(t, f.queue.Stats().Paused)
}

func TestPause_RunningJobFinishes(t *testing.T) {
	f := newFixture(t, 1, true)
	f.start(t)
	ctx := context.Background()

	first := f.approved(t, "first", models.ApprovalManual)
	second := f.approved(t, "second", models.ApprovalManual)
	_, err := f.queue.Enqueue(ctx, first)
	require.NoError(t, err)
	<-f.proc.started

	f.queue.Pause()
	_, err = f.queue.Enqueue(ctx, second)
	require.NoError(t, err)
	close(f.proc.release)

	f.waitStatus(t, first, models.StatusProcessed)
	noStart(t, f.proc.started)
	assert.Equal(t, models.StatusProcessing, f.status(t, second))

	f.queue.Resume()
	f.waitStatus(t, second, models.StatusProcessed)
}

func TestFailureAndOperatorRetry(t *testing.T) {
	f := newFixture(t, 1, false)
	f.start(t)
	ctx := context.Background()

	id := f.approved(t, "broken", models.ApprovalManual)
	f.proc.setFail(id, apperr.ExternalProcessing(errors.New("timeout"), "embed 3 chunks"))
	_, err := f.queue.Enqueue(ctx, id)
	require.NoError(t, err)
	f.waitStatus(t, id, models.StatusFailed)

	doc, err := f.manager.Get(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, doc.ProcessingError, "timeout")

	failed := f.queue.FailedJobs()
	require.Len(t, failed, 1)
	assert.Equal(t, id, failed[0].DocumentID)
	assert.Equal(t, 1, failed[0].Attempts)
	assert.Equal(t, "broken.pdf", failed[0].FileName)

	// Failed documents are not picked up again by a trigger.
	res, err := f.queue.TriggerBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Enqueued)
	_, err = f.queue.Enqueue(ctx, id)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	f.proc.setFail(id, nil)
	_, err = f.queue.Retry(ctx, "operator", id)
	require.NoError(t, err)
	f.waitStatus(t, id, models.StatusProcessed)
	assert.Empty(t, f.queue.FailedJobs())

	_, err = f.queue.Retry(ctx, "operator", id)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.NotEmpty(t, f.log.Messages("error"))
}

func TestClearFailedJobs(t *testing.T) {
	f := newFixture(t, 2, false)
	f.start(t)
	ctx := context.Background()

	var ids []string
	for _, name := range []string{"x", "y"} {
		id := f.approved(t, name, models.ApprovalManual)
		f.proc.setFail(id, errors.New("unreadable"))
		_, err := f.queue.Enqueue(ctx, id)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		f.waitStatus(t, id, models.StatusFailed)
	}
	require.Eventually(t, func() bool { return f.queue.Stats().Failed == 2 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, f.queue.ClearFailedJobs())
	assert.Empty(t, f.queue.FailedJobs())
	for _, id := range ids {
		assert.Equal(t, models.StatusFailed, f.status(t, id))
	}
}

func TestStopLeavesRunningJobToFinish(t *testing.T) {
	f := newFixture(t, 1, true)
	ctx, cancel := context.WithCancel(context.Background())
	f.queue.Start(ctx)

	id := f.approved(t, "long", models.ApprovalManual)
	_, err := f.queue.Enqueue(context.Background(), id)
	require.NoError(t, err)
	<-f.proc.started

	cancel()
	close(f.proc.release)
	f.queue.Wait()
	assert.Equal(t, models.StatusProcessed, f.status(t, id))
}

func TestTriggerBatch_OverflowStaysApproved(t *testing.T) {
	f := newFixtureWith(t, QueueConfig{Workers: 1, Capacity: 1, JobTimeout: time.Minute}, true)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, f.approved(t, fmt.Sprintf("doc-%d", i), models.ApprovalScheduled))
	}

	res, err := f.queue.TriggerBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Enqueued: 1, Deferred: 4}, res)

	var waitingID string
	for _, id := range ids {
		if f.status(t, id) == models.StatusApproved {
			waitingID = id
		}
	}
	_, err = f.queue.Enqueue(ctx, waitingID)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	f.start(t)
	<-f.proc.started

	res, err = f.queue.TriggerBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Enqueued: 1, Deferred: 3}, res)

	var waiting int
	for _, id := range ids {
		st := f.status(t, id)
		assert.NotEqual(t, models.StatusFailed, st)
		if st == models.StatusApproved {
			waiting++
		}
	}
	assert.Equal(t, 3, waiting)
	assert.Empty(t, f.queue.FailedJobs())

	close(f.proc.release)
	require.Eventually(t, func() bool {
		_, _ = f.queue.TriggerBatch(ctx)
		for _, id := range ids {
			if f.status(t, id) != models.StatusProcessed {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
	assert.LessOrEqual(t, f.proc.peakConcurrency(), 1)
}

func TestDispatch_WaitsInBacklogWhenFull(t *testing.T) {
	f := newFixtureWith(t, QueueConfig{Workers: 1, Capacity: 1, JobTimeout: time.Minute}, true)
	f.start(t)

	first := f.approved(t, "first", models.ApprovalQuick)
	<-f.proc.started
	second := f.approved(t, "second", models.ApprovalQuick)
	third := f.approved(t, "third", models.ApprovalQuick)

	for _, id := range []string{first, second, third} {
		assert.Equal(t, models.StatusProcessing, f.status(t, id))
	}
	st := f.queue.Stats()
	assert.Equal(t, 1, st.Running)
	assert.Equal(t, 2, st.Queued)

	close(f.proc.release)
	for _, id := range []string{first, second, third} {
		f.waitStatus(t, id, models.StatusProcessed)
	}
	assert.Empty(t, f.queue.FailedJobs())
}

func TestShutdown_UnstartedJobsAreFailed(t *testing.T) {
	f := newFixture(t, 1, false)
	ctx, cancel := context.WithCancel(context.Background())
	f.queue.Start(ctx)

	f.queue.Pause()
	var ids []string
	for _, name := range []string{"held-1", "held-2"} {
		id := f.approved(t, name, models.ApprovalManual)
		ok, err := f.queue.Enqueue(context.Background(), id)
		require.NoError(t, err)
		require.True(t, ok)
		ids = append(ids, id)
	}
	noStart(t, f.proc.started)

	cancel()
	f.queue.Wait()

	for _, id := range ids {
		doc, err := f.manager.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, doc.Status)
		assert.Contains(t, doc.ProcessingError, "shut down")
	}
	assert.Len(t, f.queue.FailedJobs(), 2)
	assert.Zero(t, f.queue.Stats().Queued)

	// Failed documents can be cleaned up by their owners.
	_, err := f.manager.Delete(context.Background(), "uploader", ids[0])
	require.NoError(t, err)

	late := f.approved(t, "late", models.ApprovalManual)
	_, err = f.queue.Enqueue(context.Background(), late)
	assert.ErrorIs(t, err, ErrQueueStopped)
	assert.Equal(t, models.StatusApproved, f.status(t, late))
}

func TestRecoverInterrupted(t *testing.T) {
	f := newFixture(t, 1, false)
	ctx := context.Background()

	stale := f.approved(t, "stale", models.ApprovalManual)
	_, err := f.manager.BeginProcessing(ctx, stale)
	require.NoError(t, err)
	waiting := f.approved(t, "waiting", models.ApprovalManual)

	n, err := f.queue.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	doc, err := f.manager.Get(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, doc.Status)
	assert.Contains(t, doc.ProcessingError, "interrupted")
	assert.Equal(t, models.StatusApproved, f.status(t, waiting))

	f.start(t)
	_, err = f.queue.Retry(ctx, "operator", stale)
	require.NoError(t, err)
	f.waitStatus(t, stale, models.StatusProcessed)
}
