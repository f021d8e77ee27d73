package core

import (
	"context"
	"io"
	"time"

	"github.com/nurudeen19/rag-fortress-sub002/internal/models"
)

// DbClient defines all persistence operations the services need.
// It abstracts Postgres/pgvector so higher layers never depend on a specific DB.
// Lookups of missing rows return an apperr.NotFound error.
type DbClient interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	// GetUserByID loads the user with roles and department memberships.
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	CreateRole(ctx context.Context, role *models.Role) error
	GetRoleByName(ctx context.Context, name string) (*models.Role, error)
	AssignRole(ctx context.Context, userID, roleID string) error
	CreateDepartment(ctx context.Context, dept *models.Department) error
	AddDepartmentMember(ctx context.Context, departmentID, userID string) error

	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocumentByID(ctx context.Context, id string) (*models.Document, error)
	ListDocuments(ctx context.Context, filter models.DocumentFilter) ([]models.Document, error)
	// UpdateDocumentIf writes doc only while the stored status still equals
	// expected. It reports false when another writer got there first.
	UpdateDocumentIf(ctx context.Context, doc *models.Document, expected models.DocumentStatus) (bool, error)
	DeleteDocument(ctx context.Context, id string) error
	InsertAuditEvent(ctx context.Context, ev *models.AuditEvent) error
	ListAuditEvents(ctx context.Context, documentID string) ([]models.AuditEvent, error)

	InsertDocumentChunks(ctx context.Context, chunks []models.DocumentChunk) error
	GetChunksByDocument(ctx context.Context, documentID string) ([]models.DocumentChunk, error)
	DeleteChunksByDocument(ctx context.Context, documentID string) error
	SearchDocumentChunks(ctx context.Context, docID string, queryVec []float32, limit int) ([]models.DocumentChunk, error)
	// SearchChunks searches every processed document.
	SearchChunks(ctx context.Context, queryVec []float32, limit int) ([]models.DocumentChunk, error)

	CreateOverrideRequest(ctx context.Context, req *models.OverrideRequest) error
	GetOverrideRequest(ctx context.Context, id string) (*models.OverrideRequest, error)
	ListOverrideRequests(ctx context.Context, filter models.OverrideRequestFilter) ([]models.OverrideRequest, error)
	// DecideOverrideRequest stores the decided request and, when grant is
	// non-nil, inserts it, atomically and only if the request is still
	// pending. It reports false when the request was already decided.
	DecideOverrideRequest(ctx context.Context, req *models.OverrideRequest, grant *models.OverrideGrant) (bool, error)
	ListOverrideGrantsByUser(ctx context.Context, userID string) ([]models.OverrideGrant, error)
	// DeleteExpiredOverrideGrants removes grants whose valid_until is
	// strictly before the given instant.
	DeleteExpiredOverrideGrants(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

// ObjectClient defines interactions with S3 or any object storage.
// It's abstract so you can replace AWS with MinIO, GCP, etc. easily.
type ObjectClient interface {
	UploadFile(ctx context.Context, bucket, key string, data io.Reader, contentType string) (url string, err error)
	DeleteFile(ctx context.Context, bucket, key string) error
	GetFile(ctx context.Context, bucket, key string) ([]byte, error)
	GetObjectReader(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}
