package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nurudeen19/rag-fortress-sub002/internal/core/apperr"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/clock"
	db "github.com/nurudeen19/rag-fortress-sub002/internal/core/database"
	"github.com/nurudeen19/rag-fortress-sub002/internal/logger"
	"github.com/nurudeen19/rag-fortress-sub002/internal/models"
)

var t0 = time.Date(2026, 2, 10, 15, 0, 0, 0, time.UTC)

var allStatuses = []models.DocumentStatus{
	models.StatusPending, models.StatusApproved, models.StatusRejected,
	models.StatusProcessing, models.StatusProcessed, models.StatusFailed,
}

type recordingDispatcher struct {
	mu   sync.Mutex
	ids  []string
	fail error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	d.ids = append(d.ids, id)
	return nil
}

func newManager(t *testing.T) (*Manager, *db.MemoryClient, *clock.FakeClock, *recordingDispatcher) {
	t.Helper()
	store := db.NewMemoryClient()
	clk := clock.Fake(t0)
	m := NewManager(store, clk, logger.NewNop())
	d := &recordingDispatcher{}
	m.SetDispatcher(d)
	return m, store, clk, d
}

func seed(t *testing.T, store *db.MemoryClient, id string, status models.DocumentStatus) {
	t.Helper()
	doc := &models.Document{
		ID: id, UploaderID: "uploader", FileName: id + ".pdf", Status: status,
		SecurityLevel: 2, UploadedAt: t0,
	}
	if status == models.StatusRejected {
		doc.RejectionReason = "missing cover page"
	}
	require.NoError(t, store.CreateDocument(context.Background(), doc))
}

func TestSubmit(t *testing.T) {
	m, _, _, _ := newManager(t)
	ctx := context.Background()

	doc, err := m.Submit(ctx, "alice", SubmitInput{FileName: "plan.pdf", SecurityLevel: 3, DepartmentID: "eng", IsDepartmentOnly: true})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, doc.Status)
	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, t0, doc.UploadedAt)

	_, err = m.Submit(ctx, "alice", SubmitInput{FileName: "x.pdf", SecurityLevel: 5})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = m.Submit(ctx, "alice", SubmitInput{FileName: "x.pdf", SecurityLevel: 2, IsDepartmentOnly: true})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	history, err := m.History(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ActionSubmit, history[0].Action)
}

// Every operation either follows an edge of the state machine or fails with
// InvalidTransition and leaves the document untouched.
func TestTransitionsFollowOnlyDefinedEdges(t *testing.T) {
	ops := []struct {
		name string
		from models.DocumentStatus
		to   models.DocumentStatus
		run  func(m *Manager, id string) error
	}{
		{"approve scheduled", models.StatusPending, models.StatusApproved, func(m *Manager, id string) error {
			_, err := m.Approve(context.Background(), "admin", id, models.ApprovalScheduled, "")
			return err
		}},
		{"approve quick", models.StatusPending, models.StatusProcessing, func(m *Manager, id string) error {
			_, err := m.Approve(context.Background(), "admin", id, models.ApprovalQuick, "")
			return err
		}},
		{"reject", "", models.StatusRejected, func(m *Manager, id string) error {
			_, err := m.Reject(context.Background(), "admin", id, "contains customer data")
			return err
		}},
		{"resubmit", models.StatusRejected, models.StatusPending, func(m *Manager, id string) error {
			_, err := m.Resubmit(context.Background(), "uploader", id, ResubmitInput{})
			return err
		}},
		{"begin processing", models.StatusApproved, models.StatusProcessing, func(m *Manager, id string) error {
			_, err := m.BeginProcessing(context.Background(), id)
			return err
		}},
		{"mark processed", models.StatusProcessing, models.StatusProcessed, func(m *Manager, id string) error {
			_, err := m.MarkProcessed(context.Background(), id, 4)
			return err
		}},
		{"mark failed", models.StatusProcessing, models.StatusFailed, func(m *Manager, id string) error {
			_, err := m.MarkFailed(context.Background(), id, errors.New("parse error"))
			return err
		}},
		{"retry", models.StatusFailed, models.StatusProcessing, func(m *Manager, id string) error {
			_, err := m.Retry(context.Background(), "admin", id)
			return err
		}},
	}

	for _, from := range allStatuses {
		for _, op := range ops {
			t.Run(string(from)+"/"+op.name, func(t *testing.T) {
				m, store, _, _ := newManager(t)
				seed(t, store, "doc", from)
				before, err := store.GetDocumentByID(context.Background(), "doc")
				require.NoError(t, err)

				err = op.run(m, "doc")
				after, getErr := store.GetDocumentByID(context.Background(), "doc")
				require.NoError(t, getErr)

				if CanTransition(from, op.to) && (op.from == "" || op.from == from) {
					require.NoError(t, err)
					assert.Equal(t, op.to, after.Status)
					return
				}
				assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
				assert.Equal(t, before, after)
			})
		}
	}
}

func TestApprove_QuickDispatches(t *testing.T) {
	m, store, _, d := newManager(t)
	seed(t, store, "doc", models.StatusPending)

	doc, err := m.Approve(context.Background(), "admin", "doc", models.ApprovalQuick, "looks fine")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, doc.Status)
	assert.Equal(t, models.ApprovalQuick, doc.ApprovalMode)
	assert.Equal(t, "looks fine", doc.ApprovalReason)
	assert.Equal(t, "admin", doc.DecidedBy)
	assert.Equal(t, []string{"doc"}, d.ids)
}

func TestApprove_ScheduledWaits(t *testing.T) {
	m, store, _, d := newManager(t)
	seed(t, store, "doc", models.StatusPending)

	doc, err := m.Approve(context.Background(), "admin", "doc", models.ApprovalScheduled, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, doc.Status)
	assert.Empty(t, d.ids)
}

func TestApprove_QuickDispatchFailureMarksFailed(t *testing.T) {
	m, store, _, d := newManager(t)
	d.fail = errors.New("queue full")
	seed(t, store, "doc", models.StatusPending)

	doc, err := m.Approve(context.Background(), "admin", "doc", models.ApprovalQuick, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, doc.Status)
	assert.Contains(t, doc.ProcessingError, "queue full")
}

func TestApprove_InvalidMode(t *testing.T) {
	m, store, _, _ := newManager(t)
	seed(t, store, "doc", models.StatusPending)

	_, err := m.Approve(context.Background(), "admin", "doc", "eventually", "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestApprove_UnknownDocument(t *testing.T) {
	m, _, _, _ := newManager(t)
	_, err := m.Approve(context.Background(), "admin", "nope", models.ApprovalManual, "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestReject_ReasonValidation(t *testing.T) {
	m, store, _, _ := newManager(t)
	seed(t, store, "doc", models.StatusPending)
	ctx := context.Background()

	for _, reason := range []string{"", "   ", "too short", "  short  \n"} {
		_, err := m.Reject(ctx, "admin", "doc", reason)
		assert.ErrorIs(t, err, apperr.ErrValidation, "reason %q", reason)
	}
	doc, err := m.Get(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, doc.Status)
}

func TestRejectResubmitRoundTrip(t *testing.T) {
	m, store, clk, _ := newManager(t)
	seed(t, store, "doc", models.StatusPending)
	ctx := context.Background()

	doc, err := m.Reject(ctx, "admin", "doc", "  wrong classification  ")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, doc.Status)
	assert.Equal(t, "wrong classification", doc.RejectionReason)

	// A second rejection replaces the reason.
	doc, err = m.Reject(ctx, "admin", "doc", "still the wrong level")
	require.NoError(t, err)
	assert.Equal(t, "still the wrong level", doc.RejectionReason)

	clk.Advance(time.Hour)
	level := 3
	purpose := "quarterly planning"
	doc, err = m.Resubmit(ctx, "uploader", "doc", ResubmitInput{
		SecurityLevel: &level,
		Purpose:       &purpose,
		FileName:      "doc-v2.pdf",
		StorageKey:    "uploads/doc-v2.pdf",
		StorageURL:    "s3://bucket/uploads/doc-v2.pdf",
		ContentType:   "application/pdf",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, doc.Status)
	assert.Empty(t, doc.RejectionReason)
	assert.Equal(t, 3, doc.SecurityLevel)
	assert.Equal(t, "quarterly planning", doc.Purpose)
	assert.Equal(t, "doc-v2.pdf", doc.FileName)
	assert.Equal(t, t0.Add(time.Hour), doc.UpdatedAt)

	// Once back in pending a reject is a fresh decision, not a re-reject.
	_, err = m.Resubmit(ctx, "uploader", "doc", ResubmitInput{})
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestResubmit_InvalidLevelLeavesRejected(t *testing.T) {
	m, store, _, _ := newManager(t)
	seed(t, store, "doc", models.StatusRejected)

	level := 9
	_, err := m.Resubmit(context.Background(), "uploader", "doc", ResubmitInput{SecurityLevel: &level})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	doc, _ := m.Get(context.Background(), "doc")
	assert.Equal(t, models.StatusRejected, doc.Status)
	assert.Equal(t, "missing cover page", doc.RejectionReason)
}

func TestProcessingOutcome(t *testing.T) {
	m, store, clk, _ := newManager(t)
	seed(t, store, "ok", models.StatusApproved)
	seed(t, store, "bad", models.StatusApproved)
	ctx := context.Background()

	_, err := m.BeginProcessing(ctx, "ok")
	require.NoError(t, err)
	clk.Advance(time.Minute)
	doc, err := m.MarkProcessed(ctx, "ok", 12)
	require.NoError(t, err)
	assert.Equal(t, 12, doc.ChunksCreated)
	require.NotNil(t, doc.ProcessedAt)
	assert.Equal(t, t0.Add(time.Minute), *doc.ProcessedAt)

	_, err = m.BeginProcessing(ctx, "bad")
	require.NoError(t, err)
	doc, err = m.MarkFailed(ctx, "bad", apperr.ExternalProcessing(errors.New("corrupt pdf"), "extract"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, doc.Status)
	assert.Contains(t, doc.ProcessingError, "corrupt pdf")
	assert.Zero(t, doc.ChunksCreated)

	doc, err = m.Retry(ctx, "admin", "bad")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, doc.Status)
	assert.Empty(t, doc.ProcessingError)
}

func TestConcurrentApprovalsOneWinner(t *testing.T) {
	m, store, _, _ := newManager(t)
	seed(t, store, "doc", models.StatusPending)

	var (
		wg       sync.WaitGroup
		wins     atomic.Int32
		conflict atomic.Int32
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Approve(context.Background(), "admin", "doc", models.ApprovalManual, "")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, apperr.ErrInvalidTransition):
				conflict.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(19), conflict.Load())
}

func TestDelete(t *testing.T) {
	m, store, _, _ := newManager(t)
	seed(t, store, "busy", models.StatusProcessing)
	seed(t, store, "done", models.StatusProcessed)
	ctx := context.Background()
	require.NoError(t, store.InsertDocumentChunks(ctx, []models.DocumentChunk{{ID: "c1", DocumentID: "done", Text: "x"}}))

	_, err := m.Delete(ctx, "admin", "busy")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = m.Delete(ctx, "admin", "done")
	require.NoError(t, err)
	_, err = m.Get(ctx, "done")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	chunks, err := store.GetChunksByDocument(ctx, "done")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestHistoryRecordsEveryTransition(t *testing.T) {
	m, store, clk, _ := newManager(t)
	log := logger.NewTestLogger()
	m.log = log
	seed(t, store, "doc", models.StatusPending)
	ctx := context.Background()

	_, err := m.Reject(ctx, "admin", "doc", "needs a summary page")
	require.NoError(t, err)
	clk.Advance(time.Minute)
	_, err = m.Resubmit(ctx, "uploader", "doc", ResubmitInput{})
	require.NoError(t, err)
	clk.Advance(time.Minute)
	_, err = m.Approve(ctx, "admin", "doc", models.ApprovalManual, "")
	require.NoError(t, err)

	history, err := m.History(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, history, 3)

	assert.Equal(t, ActionReject, history[0].Action)
	assert.Equal(t, "admin", history[0].Actor)
	assert.Equal(t, models.StatusPending, history[0].FromStatus)
	assert.Equal(t, models.StatusRejected, history[0].ToStatus)
	assert.Equal(t, t0, history[0].At)

	assert.Equal(t, ActionResubmit, history[1].Action)
	assert.Equal(t, "uploader", history[1].Actor)
	assert.Equal(t, t0.Add(time.Minute), history[1].At)

	assert.Equal(t, models.StatusApproved, history[2].ToStatus)
	assert.Len(t, log.Messages("info"), 3)
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	unlock()
	assert.Empty(t, k.locks)
}
