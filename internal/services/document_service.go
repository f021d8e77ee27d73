package services

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/nurudeen19/rag-fortress-sub002/internal/core"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/access"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/apperr"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/lifecycle"
	"github.com/nurudeen19/rag-fortress-sub002/internal/logger"
	"github.com/nurudeen19/rag-fortress-sub002/internal/models"
)

// DocumentService stores uploaded files and moves them through the
// lifecycle on behalf of a principal.
type DocumentService struct {
	docs    *lifecycle.Manager
	storage core.ObjectClient
	bucket  string
	log     logger.Logger
}

func NewDocumentService(docs *lifecycle.Manager, storage core.ObjectClient, bucket string, log logger.Logger) *DocumentService {
	return &DocumentService{docs: docs, storage: storage, bucket: bucket, log: log.Named("documents")}
}

// FileContent is an uploaded file body.
type FileContent struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

type UploadInput struct {
	File             FileContent
	Purpose          string
	SecurityLevel    int
	DepartmentID     string
	IsDepartmentOnly bool
}

// Upload stores the file and submits the document for approval. The object
// is removed again if the document cannot be recorded.
func (s *DocumentService) Upload(ctx context.Context, p access.Principal, in UploadInput) (*models.Document, error) {
	if err := lifecycle.ValidateClassification(in.SecurityLevel, in.DepartmentID, in.IsDepartmentOnly); err != nil {
		return nil, err
	}
	docID := uuid.NewString()
	stored, err := s.store(ctx, p.UserID, docID, in.File)
	if err != nil {
		return nil, err
	}

	doc, err := s.docs.Submit(ctx, p.UserID, lifecycle.SubmitInput{
		ID:               docID,
		UploaderID:       p.UserID,
		FileName:         stored.name,
		FileSize:         in.File.Size,
		ContentType:      stored.contentType,
		StorageURL:       stored.url,
		StorageKey:       stored.key,
		Purpose:          strings.TrimSpace(in.Purpose),
		SecurityLevel:    in.SecurityLevel,
		DepartmentID:     strings.TrimSpace(in.DepartmentID),
		IsDepartmentOnly: in.IsDepartmentOnly,
	})
	if err != nil {
		s.removeObject(ctx, stored.key)
		return nil, err
	}
	return doc, nil
}

type storedObject struct {
	name        string
	contentType string
	key         string
	url         string
}

func (s *DocumentService) store(ctx context.Context, userID, docID string, f FileContent) (storedObject, error) {
	name := filepath.Base(strings.TrimSpace(f.Name))
	if name == "" || name == "." || name == "/" {
		return storedObject{}, apperr.Validation("file name is required")
	}
	if f.Body == nil {
		return storedObject{}, apperr.Validation("file content is required")
	}
	contentType := f.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := objectKey(userID, docID, name)
	url, err := s.storage.UploadFile(ctx, s.bucket, key, f.Body, contentType)
	if err != nil {
		return storedObject{}, fmt.Errorf("upload %s: %w", name, err)
	}
	return storedObject{name: name, contentType: contentType, key: key, url: url}, nil
}

func (s *DocumentService) removeObject(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.storage.DeleteFile(context.WithoutCancel(ctx), s.bucket, key); err != nil {
		s.log.Warn("object cleanup failed", logger.String("key", key), logger.Error(err))
	}
}

// ResubmitInput replaces metadata and, when File is set, the content of a
// rejected document.
type ResubmitInput struct {
	Purpose          *string
	SecurityLevel    *int
	DepartmentID     *string
	IsDepartmentOnly *bool
	File             *FileContent
}

func (s *DocumentService) Resubmit(ctx context.Context, p access.Principal, id string, in ResubmitInput) (*models.Document, error) {
	before, err := s.owned(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if before.Status != models.StatusRejected {
		return nil, apperr.InvalidTransition("only rejected documents can be resubmitted, %s is %s", id, before.Status)
	}

	li := lifecycle.ResubmitInput{
		Purpose:          in.Purpose,
		SecurityLevel:    in.SecurityLevel,
		DepartmentID:     in.DepartmentID,
		IsDepartmentOnly: in.IsDepartmentOnly,
	}
	var stored storedObject
	if in.File != nil {
		stored, err = s.store(ctx, before.UploaderID, uuid.NewString(), *in.File)
		if err != nil {
			return nil, err
		}
		li.FileName, li.FileSize, li.ContentType = stored.name, in.File.Size, stored.contentType
		li.StorageURL, li.StorageKey = stored.url, stored.key
	}

	doc, err := s.docs.Resubmit(ctx, p.UserID, id, li)
	if err != nil {
		s.removeObject(ctx, stored.key)
		return nil, err
	}
	if stored.key != "" && before.StorageKey != stored.key {
		s.removeObject(ctx, before.StorageKey)
	}
	return doc, nil
}

func (s *DocumentService) Approve(ctx context.Context, p access.Principal, id string, mode models.ApprovalMode, reason string) (*models.Document, error) {
	if !p.IsAdmin {
		return nil, apperr.Forbidden("only administrators may approve documents")
	}
	return s.docs.Approve(ctx, p.UserID, id, mode, reason)
}

func (s *DocumentService) Reject(ctx context.Context, p access.Principal, id, reason string) (*models.Document, error) {
	if !p.IsAdmin {
		return nil, apperr.Forbidden("only administrators may reject documents")
	}
	return s.docs.Reject(ctx, p.UserID, id, reason)
}

// Delete removes the document, its chunks and its stored object.
func (s *DocumentService) Delete(ctx context.Context, p access.Principal, id string) error {
	if _, err := s.owned(ctx, p, id); err != nil {
		return err
	}
	doc, err := s.docs.Delete(ctx, p.UserID, id)
	if err != nil {
		return err
	}
	s.removeObject(ctx, doc.StorageKey)
	return nil
}

func (s *DocumentService) Get(ctx context.Context, p access.Principal, id string) (*models.Document, error) {
	return s.owned(ctx, p, id)
}

// List returns every document to administrators and the caller's own
// uploads to everyone else.
func (s *DocumentService) List(ctx context.Context, p access.Principal, status models.DocumentStatus) ([]models.Document, error) {
	filter := models.DocumentFilter{Status: status}
	if !p.IsAdmin {
		filter.UploaderID = p.UserID
	}
	return s.docs.List(ctx, filter)
}

func (s *DocumentService) History(ctx context.Context, p access.Principal, id string) ([]models.AuditEvent, error) {
	if _, err := s.owned(ctx, p, id); err != nil {
		return nil, err
	}
	return s.docs.History(ctx, id)
}

func (s *DocumentService) owned(ctx context.Context, p access.Principal, id string) (*models.Document, error) {
	doc, err := s.docs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.UploaderID != p.UserID && !p.IsAdmin {
		return nil, apperr.Forbidden("document %s belongs to another user", id)
	}
	return doc, nil
}

// objectKey creates a consistent key layout.
func objectKey(userID, docID, filename string) string {
	filename = strings.ReplaceAll(filename, " ", "_")
	return path.Join("users", userID, "documents", docID, filename)
}
