package handlers

import (
	"net/http"

	"github.com/nurudeen19/rag-fortress-sub002/internal/logger"
	"github.com/nurudeen19/rag-fortress-sub002/internal/services"
)

type ChatHandler struct {
	query *services.QueryService
	log   logger.Logger
}

func NewChatHandler(query *services.QueryService, log logger.Logger) *ChatHandler {
	return &ChatHandler{query: query, log: log}
}

type ChatRequest struct {
	DocumentID string `json:"document_id"`
	Query      string `json:"query"`
	TopK       int    `json:"top_k"`
}

// QueryDocuments answers from one document when document_id is set and from
// every readable processed document otherwise.
func (h *ChatHandler) QueryDocuments(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	res, err := h.query.Query(r.Context(), principal(r), services.QueryInput{
		Query:      req.Query,
		DocumentID: req.DocumentID,
		TopK:       req.TopK,
	})
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
