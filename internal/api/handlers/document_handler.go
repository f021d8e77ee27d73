package handlers

import (
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nurudeen19/rag-fortress-sub002/internal/core/apperr"
	"github.com/nurudeen19/rag-fortress-sub002/internal/logger"
	"github.com/nurudeen19/rag-fortress-sub002/internal/models"
	"github.com/nurudeen19/rag-fortress-sub002/internal/services"
)

const maxUploadSize = 50 << 20

type DocumentHandler struct {
	docs  *services.DocumentService
	queue IngestionQueue
	log   logger.Logger
}

func NewDocumentHandler(docs *services.DocumentService, queue IngestionQueue, log logger.Logger) *DocumentHandler {
	return &DocumentHandler{docs: docs, queue: queue, log: log}
}

// UploadDocument stores the file and submits it for approval. The file
// goes in the "file" part; classification comes from form fields.
func (h *DocumentHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	form, err := parseUpload(w, r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, h.log, apperr.Validation("file is required"))
		return
	}
	defer file.Close()

	in := services.UploadInput{
		File:         fileContent(file, header),
		Purpose:      form.get("purpose"),
		DepartmentID: form.get("department_id"),
	}
	if in.SecurityLevel, err = form.intValue("security_level"); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if in.IsDepartmentOnly, err = form.boolValue("is_department_only"); err != nil {
		writeError(w, r, h.log, err)
		return
	}

	doc, err := h.docs.Upload(r.Context(), principal(r), in)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (h *DocumentHandler) GetDocuments(w http.ResponseWriter, r *http.Request) {
	status := models.DocumentStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, r, h.log, apperr.Validation("unknown status %q", status))
		return
	}
	docs, err := h.docs.List(r.Context(), principal(r), status)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if docs == nil {
		docs = []models.Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}

func (h *DocumentHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.docs.Get(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *DocumentHandler) History(w http.ResponseWriter, r *http.Request) {
	events, err := h.docs.History(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *DocumentHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := h.docs.Delete(r.Context(), principal(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type approveRequest struct {
	Mode   models.ApprovalMode `json:"mode"`
	Reason string              `json:"reason"`
}

func (h *DocumentHandler) Approve(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	doc, err := h.docs.Approve(r.Context(), principal(r), chi.URLParam(r, "id"), req.Mode, req.Reason)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h *DocumentHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	doc, err := h.docs.Reject(r.Context(), principal(r), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// Resubmit takes the same multipart form as an upload. Every part is
// optional; absent fields keep their previous value.
func (h *DocumentHandler) Resubmit(w http.ResponseWriter, r *http.Request) {
	form, err := parseUpload(w, r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	var in services.ResubmitInput
	if v, ok := form.lookup("purpose"); ok {
		in.Purpose = &v
	}
	if v, ok := form.lookup("department_id"); ok {
		in.DepartmentID = &v
	}
	if _, ok := form.lookup("security_level"); ok {
		level, err := form.intValue("security_level")
		if err != nil {
			writeError(w, r, h.log, err)
			return
		}
		in.SecurityLevel = &level
	}
	if _, ok := form.lookup("is_department_only"); ok {
		only, err := form.boolValue("is_department_only")
		if err != nil {
			writeError(w, r, h.log, err)
			return
		}
		in.IsDepartmentOnly = &only
	}
	if file, header, err := r.FormFile("file"); err == nil {
		defer file.Close()
		fc := fileContent(file, header)
		in.File = &fc
	}

	doc, err := h.docs.Resubmit(r.Context(), principal(r), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// Ingest queues one approved document.
func (h *DocumentHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	queued, err := h.queue.Enqueue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": queued})
}

// Retry sends a failed document back through ingestion.
func (h *DocumentHandler) Retry(w http.ResponseWriter, r *http.Request) {
	doc, err := h.queue.Retry(r.Context(), principal(r).UserID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, doc)
}

type uploadForm struct {
	values map[string][]string
}

func parseUpload(w http.ResponseWriter, r *http.Request) (uploadForm, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		return uploadForm{}, apperr.Validation("invalid multipart form: %v", err)
	}
	return uploadForm{values: r.MultipartForm.Value}, nil
}

func (f uploadForm) lookup(key string) (string, bool) {
	v, ok := f.values[key]
	if !ok || len(v) == 0 {
		return "", false
	}
	return strings.TrimSpace(v[0]), true
}

func (f uploadForm) get(key string) string {
	v, _ := f.lookup(key)
	return v
}

func (f uploadForm) intValue(key string) (int, error) {
	v, ok := f.lookup(key)
	if !ok {
		return 0, apperr.Validation("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperr.Validation("%s must be an integer", key)
	}
	return n, nil
}

func (f uploadForm) boolValue(key string) (bool, error) {
	v, ok := f.lookup(key)
	if !ok || v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, apperr.Validation("%s must be true or false", key)
	}
	return b, nil
}

func fileContent(file multipart.File, header *multipart.FileHeader) services.FileContent {
	return services.FileContent{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	}
}
