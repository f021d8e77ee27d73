// Package lifecycle owns the document status state machine. All status
// changes go through Manager, which serializes transitions per document,
// guards the write with a compare-and-set on the stored status and records
// an audit event for every transition.
package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nurudeen19/rag-fortress-sub002/internal/core/apperr"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/clearance"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/clock"
	"github.com/nurudeen19/rag-fortress-sub002/internal/logger"
	"github.com/nurudeen19/rag-fortress-sub002/internal/models"
)

// SystemActor is recorded for transitions driven by the ingestion queue.
const SystemActor = "system:ingestion"

type Store interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocumentByID(ctx context.Context, id string) (*models.Document, error)
	ListDocuments(ctx context.Context, filter models.DocumentFilter) ([]models.Document, error)
	UpdateDocumentIf(ctx context.Context, doc *models.Document, expected models.DocumentStatus) (bool, error)
	DeleteDocument(ctx context.Context, id string) error
	DeleteChunksByDocument(ctx context.Context, documentID string) error
	InsertAuditEvent(ctx context.Context, ev *models.AuditEvent) error
	ListAuditEvents(ctx context.Context, documentID string) ([]models.AuditEvent, error)
}

// Dispatcher hands a document that is already in processing to the
// ingestion queue.
type Dispatcher interface {
	Dispatch(ctx context.Context, docID string) error
}

type Manager struct {
	store      Store
	clock      clock.Clock
	log        logger.Logger
	locks      *keyedMutex
	dispatcher Dispatcher
	minReason  int
}

type Option func(*Manager)

// WithMinReasonLength sets the minimum rejection reason length.
func WithMinReasonLength(n int) Option {
	return func(m *Manager) { m.minReason = n }
}

func NewManager(store Store, clk clock.Clock, log logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		clock:     clk,
		log:       log.Named("lifecycle"),
		locks:     newKeyedMutex(),
		minReason: 10,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetDispatcher wires the queue used by quick approvals. It must be called
// before the first Approve.
func (m *Manager) SetDispatcher(d Dispatcher) {
	m.dispatcher = d
}

type SubmitInput struct {
	ID               string
	UploaderID       string
	FileName         string
	FileSize         int64
	ContentType      string
	StorageURL       string
	StorageKey       string
	Purpose          string
	SecurityLevel    int
	DepartmentID     string
	IsDepartmentOnly bool
}

// ValidateClassification checks a level and department pairing before it
// is stored.
func ValidateClassification(level int, departmentID string, departmentOnly bool) error {
	if _, err := clearance.ParseLevel(level); err != nil {
		return apperr.Validation("%s", err.Error())
	}
	if departmentOnly && departmentID == "" {
		return apperr.Validation("department-only documents need a department_id")
	}
	return nil
}

// Submit stores a new document in pending.
func (m *Manager) Submit(ctx context.Context, actor string, in SubmitInput) (*models.Document, error) {
	if strings.TrimSpace(in.FileName) == "" {
		return nil, apperr.Validation("file_name is required")
	}
	if err := ValidateClassification(in.SecurityLevel, in.DepartmentID, in.IsDepartmentOnly); err != nil {
		return nil, err
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.ContentType == "" {
		in.ContentType = "application/octet-stream"
	}

	now := m.clock.Now()
	doc := &models.Document{
		ID:               in.ID,
		UploaderID:       in.UploaderID,
		FileName:         in.FileName,
		FileSize:         in.FileSize,
		ContentType:      in.ContentType,
		StorageURL:       in.StorageURL,
		StorageKey:       in.StorageKey,
		Purpose:          in.Purpose,
		Status:           models.StatusPending,
		SecurityLevel:    in.SecurityLevel,
		DepartmentID:     in.DepartmentID,
		IsDepartmentOnly: in.IsDepartmentOnly,
		UploadedAt:       now,
		UpdatedAt:        now,
	}
	if err := m.store.CreateDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	m.record(ctx, actor, ActionSubmit, doc.ID, "", models.StatusPending, in.FileName)
	return doc, nil
}

// Approve moves a pending document on. Quick approvals go straight to
// processing and are dispatched to the queue; scheduled and manual ones wait
// in approved for a batch or manual trigger.
func (m *Manager) Approve(ctx context.Context, actor, id string, mode models.ApprovalMode, reason string) (*models.Document, error) {
	if !mode.Valid() {
		return nil, apperr.Validation("approval mode must be quick, scheduled or manual, got %q", mode)
	}
	to := models.StatusApproved
	if mode == models.ApprovalQuick {
		to = models.StatusProcessing
	}
	doc, err := m.transition(ctx, id, step{
		actor: actor, action: ActionApprove, from: models.StatusPending, to: to, detail: string(mode),
		mutate: func(d *models.Document) error {
			d.ApprovalMode = mode
			d.ApprovalReason = strings.TrimSpace(reason)
			d.DecidedBy = actor
			return nil
		},
	})
	if err != nil || mode != models.ApprovalQuick {
		return doc, err
	}

	if m.dispatcher == nil {
		return m.MarkFailed(ctx, id, fmt.Errorf("no ingestion queue configured"))
	}
	if err := m.dispatcher.Dispatch(ctx, id); err != nil {
		m.log.Error("quick approval dispatch failed", logger.String("document_id", id), logger.Error(err))
		return m.MarkFailed(ctx, id, fmt.Errorf("dispatch: %w", err))
	}
	return doc, nil
}

// Reject records a rejection. Re-rejecting an already rejected document
// replaces the reason.
func (m *Manager) Reject(ctx context.Context, actor, id, reason string) (*models.Document, error) {
	reason = strings.TrimSpace(reason)
	if len([]rune(reason)) < m.minReason {
		return nil, apperr.Validation("rejection reason must be at least %d characters", m.minReason)
	}
	return m.transition(ctx, id, step{
		actor: actor, action: ActionReject, to: models.StatusRejected, detail: reason,
		mutate: func(d *models.Document) error {
			d.RejectionReason = reason
			d.ApprovalReason = ""
			d.ApprovalMode = ""
			d.DecidedBy = actor
			return nil
		},
	})
}

// ResubmitInput carries the fields a resubmission may replace. Nil fields
// are left as they were; new content replaces the stored object reference.
type ResubmitInput struct {
	Purpose          *string
	SecurityLevel    *int
	DepartmentID     *string
	IsDepartmentOnly *bool

	FileName    string
	FileSize    int64
	ContentType string
	StorageURL  string
	StorageKey  string
}

func (m *Manager) Resubmit(ctx context.Context, actor, id string, in ResubmitInput) (*models.Document, error) {
	return m.transition(ctx, id, step{
		actor: actor, action: ActionResubmit, from: models.StatusRejected, to: models.StatusPending,
		mutate: func(d *models.Document) error {
			if in.Purpose != nil {
				d.Purpose = *in.Purpose
			}
			if in.SecurityLevel != nil {
				d.SecurityLevel = *in.SecurityLevel
			}
			if in.DepartmentID != nil {
				d.DepartmentID = *in.DepartmentID
			}
			if in.IsDepartmentOnly != nil {
				d.IsDepartmentOnly = *in.IsDepartmentOnly
			}
			if err := ValidateClassification(d.SecurityLevel, d.DepartmentID, d.IsDepartmentOnly); err != nil {
				return err
			}
			if in.StorageKey != "" {
				d.FileName = in.FileName
				d.FileSize = in.FileSize
				d.ContentType = in.ContentType
				d.StorageURL = in.StorageURL
				d.StorageKey = in.StorageKey
			}
			d.DecidedBy = ""
			return nil
		},
	})
}

// BeginProcessing claims an approved document for an ingestion worker.
func (m *Manager) BeginProcessing(ctx context.Context, id string) (*models.Document, error) {
	return m.transition(ctx, id, step{
		actor: SystemActor, action: ActionStart, from: models.StatusApproved, to: models.StatusProcessing,
	})
}

func (m *Manager) MarkProcessed(ctx context.Context, id string, chunks int) (*models.Document, error) {
	if chunks < 0 {
		return nil, apperr.Validation("chunk count cannot be negative")
	}
	return m.transition(ctx, id, step{
		actor: SystemActor, action: ActionProcessed, from: models.StatusProcessing, to: models.StatusProcessed,
		detail: fmt.Sprintf("%d chunks", chunks),
		mutate: func(d *models.Document) error {
			now := m.clock.Now()
			d.ChunksCreated = chunks
			d.ProcessingError = ""
			d.ProcessedAt = &now
			return nil
		},
	})
}

// MarkFailed records cause on the document so operators can review it
// without the logs.
func (m *Manager) MarkFailed(ctx context.Context, id string, cause error) (*models.Document, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return m.transition(ctx, id, step{
		actor: SystemActor, action: ActionFailed, from: models.StatusProcessing, to: models.StatusFailed, detail: msg,
		mutate: func(d *models.Document) error {
			d.ProcessingError = msg
			return nil
		},
	})
}

// Retry is the operator action that sends a failed document back to
// processing. The caller is responsible for dispatching it.
func (m *Manager) Retry(ctx context.Context, actor, id string) (*models.Document, error) {
	return m.transition(ctx, id, step{
		actor: actor, action: ActionRetry, from: models.StatusFailed, to: models.StatusProcessing,
		mutate: func(d *models.Document) error {
			d.ProcessingError = ""
			return nil
		},
	})
}

// Delete removes a document and its chunks. Documents being processed
// cannot be deleted.
func (m *Manager) Delete(ctx context.Context, actor, id string) (*models.Document, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	doc, err := m.store.GetDocumentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.Status == models.StatusProcessing {
		return nil, apperr.InvalidTransition("document %s is being processed", id)
	}
	if err := m.store.DeleteChunksByDocument(ctx, id); err != nil {
		return nil, fmt.Errorf("delete chunks of %s: %w", id, err)
	}
	if err := m.store.DeleteDocument(ctx, id); err != nil {
		return nil, fmt.Errorf("delete document %s: %w", id, err)
	}
	m.record(ctx, actor, ActionDelete, id, doc.Status, "", doc.FileName)
	return doc, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*models.Document, error) {
	return m.store.GetDocumentByID(ctx, id)
}

func (m *Manager) List(ctx context.Context, filter models.DocumentFilter) ([]models.Document, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, apperr.Validation("unknown status %q", filter.Status)
	}
	return m.store.ListDocuments(ctx, filter)
}

// History returns the audit trail of a document, oldest first.
func (m *Manager) History(ctx context.Context, id string) ([]models.AuditEvent, error) {
	return m.store.ListAuditEvents(ctx, id)
}

// step describes one state machine move. from narrows the edges the
// operation may use when several lead to the same target; empty means any.
type step struct {
	actor  string
	action string
	from   models.DocumentStatus
	to     models.DocumentStatus
	detail string
	mutate func(*models.Document) error
}

// transition applies the step under the document's lock. The write only
// lands if the stored status is still the one we read.
func (m *Manager) transition(ctx context.Context, id string, st step) (*models.Document, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	doc, err := m.store.GetDocumentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	from, to, action, actor := doc.Status, st.to, st.action, st.actor
	if (st.from != "" && from != st.from) || !CanTransition(from, to) {
		return nil, apperr.InvalidTransition("cannot %s document %s in status %s", action, id, from)
	}
	if st.mutate != nil {
		if err := st.mutate(doc); err != nil {
			return nil, err
		}
	}

	doc.Status = to
	if to != models.StatusRejected {
		doc.RejectionReason = ""
	}
	if to != models.StatusProcessed {
		doc.ChunksCreated = 0
	}
	doc.UpdatedAt = m.clock.Now()

	ok, err := m.store.UpdateDocumentIf(ctx, doc, from)
	if err != nil {
		return nil, fmt.Errorf("update document %s: %w", id, err)
	}
	if !ok {
		return nil, apperr.InvalidTransition("document %s changed while %s was in progress", id, action)
	}

	m.record(ctx, actor, action, id, from, to, st.detail)
	return doc, nil
}

func (m *Manager) record(ctx context.Context, actor, action, id string, from, to models.DocumentStatus, detail string) {
	ev := &models.AuditEvent{
		ID:         uuid.NewString(),
		DocumentID: id,
		Actor:      actor,
		Action:     action,
		FromStatus: from,
		ToStatus:   to,
		Detail:     detail,
		At:         m.clock.Now(),
	}
	m.log.Info("document transition",
		logger.String("document_id", id),
		logger.String("action", action),
		logger.String("actor", actor),
		logger.String("from", string(from)),
		logger.String("to", string(to)),
	)
	if err := m.store.InsertAuditEvent(ctx, ev); err != nil {
		m.log.Error("audit write failed", logger.String("document_id", id), logger.String("action", action), logger.Error(err))
	}
}
