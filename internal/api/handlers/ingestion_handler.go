package handlers

import (
	"context"
	"net/http"

	"github.com/nurudeen19/rag-fortress-sub002/internal/core/ingestion_engine"
	"github.com/nurudeen19/rag-fortress-sub002/internal/logger"
	"github.com/nurudeen19/rag-fortress-sub002/internal/models"
)

// IngestionQueue is the operator surface of *ingestion_engine.Queue.
type IngestionQueue interface {
	Enqueue(ctx context.Context, id string) (bool, error)
	Retry(ctx context.Context, actor, id string) (*models.Document, error)
	TriggerBatch(ctx context.Context) (ingestion_engine.BatchResult, error)
	Pause()
	Resume()
	Stats() ingestion_engine.Stats
	FailedJobs() []ingestion_engine.FailedJob
	ClearFailedJobs() int
}

var _ IngestionQueue = (*ingestion_engine.Queue)(nil)

type IngestionHandler struct {
	queue IngestionQueue
	log   logger.Logger
}

func NewIngestionHandler(queue IngestionQueue, log logger.Logger) *IngestionHandler {
	return &IngestionHandler{queue: queue, log: log}
}

// TriggerBatch queues every approved document the queue has room for. The
// rest stay approved and are reported as deferred.
func (h *IngestionHandler) TriggerBatch(w http.ResponseWriter, r *http.Request) {
	res, err := h.queue.TriggerBatch(r.Context())
	if err != nil {
		h.log.Warn("batch trigger incomplete", logger.Int("enqueued", res.Enqueued), logger.Error(err))
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

type statsResponse struct {
	ingestion_engine.Stats
	FailedJobs []ingestion_engine.FailedJob `json:"failed_jobs"`
}

func (h *IngestionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	failed := h.queue.FailedJobs()
	if failed == nil {
		failed = []ingestion_engine.FailedJob{}
	}
	writeJSON(w, http.StatusOK, statsResponse{Stats: h.queue.Stats(), FailedJobs: failed})
}

func (h *IngestionHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.queue.Pause()
	writeJSON(w, http.StatusOK, h.queue.Stats())
}

func (h *IngestionHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.queue.Resume()
	writeJSON(w, http.StatusOK, h.queue.Stats())
}

// ClearFailed forgets the failed job list. The documents stay failed.
func (h *IngestionHandler) ClearFailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"cleared": h.queue.ClearFailedJobs()})
}
