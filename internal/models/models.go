package models

import (
	"time"
)

// User represents an authenticated user of the system. Roles and
// DepartmentIDs are loaded alongside the user row.
type User struct {
	ID            string    `db:"id" json:"id"`
	FirstName     string    `db:"first_name" json:"first_name"`
	Email         string    `db:"email" json:"email"`
	PasswordHash  string    `db:"password_hash" json:"-"`
	Roles         []Role    `db:"-" json:"roles"`
	DepartmentIDs []string  `db:"-" json:"department_ids"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// Role grants a base clearance. IsAdmin roles may decide approvals.
type Role struct {
	ID                  string `db:"id" json:"id"`
	Name                string `db:"name" json:"name"`
	BasePermissionLevel int    `db:"base_permission_level" json:"base_permission_level"`
	IsAdmin             bool   `db:"is_admin" json:"is_admin"`
}

type Department struct {
	ID   string `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}

// DocumentStatus is the closed set of lifecycle states.
type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusApproved   DocumentStatus = "approved"
	StatusRejected   DocumentStatus = "rejected"
	StatusProcessing DocumentStatus = "processing"
	StatusProcessed  DocumentStatus = "processed"
	StatusFailed     DocumentStatus = "failed"
)

func (s DocumentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusProcessing, StatusProcessed, StatusFailed:
		return true
	}
	return false
}

// ApprovalMode decides when an approved document is ingested.
type ApprovalMode string

const (
	ApprovalQuick     ApprovalMode = "quick"
	ApprovalScheduled ApprovalMode = "scheduled"
	ApprovalManual    ApprovalMode = "manual"
)

func (m ApprovalMode) Valid() bool {
	switch m {
	case ApprovalQuick, ApprovalScheduled, ApprovalManual:
		return true
	}
	return false
}

// Document represents an uploaded file and its classification.
type Document struct {
	ID               string         `db:"id" json:"id"`
	UploaderID       string         `db:"uploader_id" json:"uploader_id"`
	FileName         string         `db:"file_name" json:"file_name"`
	FileSize         int64          `db:"file_size" json:"file_size"`
	ContentType      string         `db:"content_type" json:"content_type"`
	StorageURL       string         `db:"storage_url" json:"storage_url"`
	StorageKey       string         `db:"storage_key" json:"-"`
	Purpose          string         `db:"purpose" json:"purpose,omitempty"`
	Status           DocumentStatus `db:"status" json:"status"`
	SecurityLevel    int            `db:"security_level" json:"security_level"`
	DepartmentID     string         `db:"department_id" json:"department_id,omitempty"`
	IsDepartmentOnly bool           `db:"is_department_only" json:"is_department_only"`
	ApprovalMode     ApprovalMode   `db:"approval_mode" json:"approval_mode,omitempty"`
	ApprovalReason   string         `db:"approval_reason" json:"approval_reason,omitempty"`
	RejectionReason  string         `db:"rejection_reason" json:"rejection_reason,omitempty"`
	ProcessingError  string         `db:"processing_error" json:"processing_error,omitempty"`
	ChunksCreated    int            `db:"chunks_created" json:"chunks_created"`
	UploadedAt       time.Time      `db:"uploaded_at" json:"uploaded_at"`
	DecidedBy        string         `db:"decided_by" json:"decided_by,omitempty"`
	ProcessedAt      *time.Time     `db:"processed_at" json:"processed_at,omitempty"`
	UpdatedAt        time.Time      `db:"updated_at" json:"updated_at"`
}

// DocumentFilter narrows ListDocuments. Zero values match everything.
type DocumentFilter struct {
	Status     DocumentStatus
	UploaderID string
}

// DocumentChunk represents one text chunk from a document.
type DocumentChunk struct {
	ID         string    `db:"id" json:"id"`
	DocumentID string    `db:"document_id" json:"document_id"`
	Text       string    `db:"text" json:"text"`
	Embedding  []float32 `db:"embedding" json:"-"`
	Position   int       `db:"position" json:"position"`
	TokenCount int       `db:"token_count" json:"token_count"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// AuditEvent records one document status transition.
type AuditEvent struct {
	ID         string         `db:"id" json:"id"`
	DocumentID string         `db:"document_id" json:"document_id"`
	Actor      string         `db:"actor" json:"actor"`
	Action     string         `db:"action" json:"action"`
	FromStatus DocumentStatus `db:"from_status" json:"from_status,omitempty"`
	ToStatus   DocumentStatus `db:"to_status" json:"to_status"`
	Detail     string         `db:"detail" json:"detail,omitempty"`
	At         time.Time      `db:"at" json:"at"`
}

type OverrideType string

const (
	OverrideDepartment OverrideType = "department"
	OverrideOrgWide    OverrideType = "org_wide"
)

func (t OverrideType) Valid() bool {
	return t == OverrideDepartment || t == OverrideOrgWide
}

type OverrideStatus string

const (
	OverridePending  OverrideStatus = "pending"
	OverrideApproved OverrideStatus = "approved"
	OverrideDenied   OverrideStatus = "denied"
)

func (s OverrideStatus) Valid() bool {
	switch s {
	case OverridePending, OverrideApproved, OverrideDenied:
		return true
	}
	return false
}

// OverrideRequest asks for a time-bounded clearance elevation. Rows are
// never deleted.
type OverrideRequest struct {
	ID            string         `db:"id" json:"id"`
	UserID        string         `db:"user_id" json:"user_id"`
	Type          OverrideType   `db:"override_type" json:"override_type"`
	Level         int            `db:"override_permission_level" json:"override_permission_level"`
	DepartmentID  string         `db:"department_id" json:"department_id,omitempty"`
	ValidFrom     time.Time      `db:"valid_from" json:"valid_from"`
	ValidUntil    time.Time      `db:"valid_until" json:"valid_until"`
	TriggerQuery  string         `db:"trigger_query" json:"trigger_query,omitempty"`
	TriggerFileID string         `db:"trigger_file_id" json:"trigger_file_id,omitempty"`
	Status        OverrideStatus `db:"status" json:"status"`
	AutoEscalated bool           `db:"auto_escalated" json:"auto_escalated"`
	Reason        string         `db:"reason" json:"reason"`
	DecisionNotes string         `db:"decision_notes" json:"decision_notes,omitempty"`
	DenialReason  string         `db:"denial_reason" json:"denial_reason,omitempty"`
	DecidedBy     string         `db:"decided_by" json:"decided_by,omitempty"`
	DecidedAt     *time.Time     `db:"decided_at" json:"decided_at,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
}

// OverrideRequestFilter narrows ListOverrideRequests. Zero values match everything.
type OverrideRequestFilter struct {
	Status        OverrideStatus
	UserID        string
	TriggerFileID string
}

// OverrideGrant is materialized when a request is approved. DepartmentID
// is empty for org-wide grants.
type OverrideGrant struct {
	ID           string       `db:"id" json:"id"`
	RequestID    string       `db:"request_id" json:"request_id"`
	UserID       string       `db:"user_id" json:"user_id"`
	Scope        OverrideType `db:"scope" json:"scope"`
	DepartmentID string       `db:"department_id" json:"department_id,omitempty"`
	Level        int          `db:"granted_level" json:"granted_level"`
	ValidFrom    time.Time    `db:"valid_from" json:"valid_from"`
	ValidUntil   time.Time    `db:"valid_until" json:"valid_until"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
}
