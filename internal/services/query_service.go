package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/nurudeen19/rag-fortress-sub002/internal/core"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/access"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/apperr"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/clock"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/override"
	"github.com/nurudeen19/rag-fortress-sub002/internal/logger"
	"github.com/nurudeen19/rag-fortress-sub002/internal/models"
)

const (
	defaultTopK = 5
	maxTopK     = 20

	systemPrompt = "You are an assistant answering only from the supplied document excerpts. " +
		"If the excerpts do not contain the answer, say 'I cannot find this in the documents.'"
)

// ChunkSearcher is the retrieval slice of core.DbClient.
type ChunkSearcher interface {
	GetDocumentByID(ctx context.Context, id string) (*models.Document, error)
	SearchDocumentChunks(ctx context.Context, docID string, queryVec []float32, limit int) ([]models.DocumentChunk, error)
	SearchChunks(ctx context.Context, queryVec []float32, limit int) ([]models.DocumentChunk, error)
}

// QueryService answers questions from processed documents the caller is
// cleared to read.
type QueryService struct {
	store     ChunkSearcher
	embedder  core.EmbeddingProvider
	llm       core.LLMProvider
	resolver  *access.Resolver
	escalator *override.Escalator
	clock     clock.Clock
	log       logger.Logger
}

func NewQueryService(
	store ChunkSearcher,
	embedder core.EmbeddingProvider,
	llm core.LLMProvider,
	resolver *access.Resolver,
	escalator *override.Escalator,
	clk clock.Clock,
	log logger.Logger,
) *QueryService {
	return &QueryService{
		store: store, embedder: embedder, llm: llm,
		resolver: resolver, escalator: escalator,
		clock: clk, log: log.Named("query"),
	}
}

type QueryInput struct {
	Query      string
	DocumentID string
	TopK       int
}

type Source struct {
	DocumentID string `json:"document_id"`
	ChunkID    string `json:"chunk_id"`
	Position   int    `json:"position"`
	Text       string `json:"text"`
}

type QueryResult struct {
	Answer   string   `json:"answer"`
	Sources  []Source `json:"sources"`
	Withheld int      `json:"withheld_documents"`
}

// Query retrieves chunks, drops those the caller may not read and asks the
// LLM. A query aimed at one document the caller may not read fails with
// Forbidden; denials are counted towards auto-escalation.
func (s *QueryService) Query(ctx context.Context, p access.Principal, in QueryInput) (*QueryResult, error) {
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return nil, apperr.Validation("query is required")
	}
	topK := in.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	topK = min(topK, maxTopK)

	if in.DocumentID != "" {
		if err := s.requireDocument(ctx, p, in.DocumentID, query); err != nil {
			return nil, err
		}
	}

	vecs, err := s.embedder.EmbedTexts(ctx, []string{query})
	if err != nil || len(vecs) == 0 {
		return nil, apperr.ExternalProcessing(err, "embed query")
	}

	var candidates []models.DocumentChunk
	if in.DocumentID != "" {
		candidates, err = s.store.SearchDocumentChunks(ctx, in.DocumentID, vecs[0], topK)
	} else {
		// Over-fetch so chunks withheld by clearance do not starve the answer.
		candidates, err = s.store.SearchChunks(ctx, vecs[0], topK*3)
	}
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}

	res := &QueryResult{Sources: []Source{}}
	allowed := map[string]bool{}
	for _, ch := range candidates {
		ok, seen := allowed[ch.DocumentID]
		if !seen {
			ok, err = s.permitted(ctx, p, ch.DocumentID, query)
			if err != nil {
				return nil, err
			}
			allowed[ch.DocumentID] = ok
			if !ok {
				res.Withheld++
			}
		}
		if ok && len(res.Sources) < topK {
			res.Sources = append(res.Sources, Source{
				DocumentID: ch.DocumentID, ChunkID: ch.ID, Position: ch.Position, Text: ch.Text,
			})
		}
	}

	if len(res.Sources) == 0 {
		res.Answer = "I cannot find this in the documents."
		return res, nil
	}
	answer, err := s.llm.Generate(ctx, systemPrompt, buildPrompt(query, res.Sources))
	if err != nil {
		return nil, apperr.ExternalProcessing(err, "generate answer")
	}
	res.Answer = answer
	return res, nil
}

func (s *QueryService) requireDocument(ctx context.Context, p access.Principal, id, query string) error {
	doc, err := s.store.GetDocumentByID(ctx, id)
	if err != nil {
		return err
	}
	if doc.Status != models.StatusProcessed {
		return apperr.InvalidTransition("document %s is %s and cannot be queried", id, doc.Status)
	}
	d, err := s.resolver.Check(ctx, p.UserID, doc, s.clock.Now())
	if err != nil {
		return err
	}
	if d.Allowed {
		return nil
	}
	msg := fmt.Sprintf("document %s requires %s clearance (%s)", id, d.Required, d.Reason)
	if req := s.recordDenial(ctx, p, doc, query); req != nil {
		msg += fmt.Sprintf("; override request %s filed for review", req.ID)
	}
	return apperr.Forbidden("%s", msg)
}

func (s *QueryService) permitted(ctx context.Context, p access.Principal, docID, query string) (bool, error) {
	doc, err := s.store.GetDocumentByID(ctx, docID)
	if err != nil {
		return false, err
	}
	d, err := s.resolver.Check(ctx, p.UserID, doc, s.clock.Now())
	if err != nil {
		return false, err
	}
	if !d.Allowed {
		s.recordDenial(ctx, p, doc, query)
	}
	return d.Allowed, nil
}

// recordDenial never fails the query; counter trouble is only logged.
func (s *QueryService) recordDenial(ctx context.Context, p access.Principal, doc *models.Document, query string) *models.OverrideRequest {
	s.log.Info("document access denied",
		logger.String("user_id", p.UserID),
		logger.String("document_id", doc.ID),
		logger.Int("required_level", doc.SecurityLevel),
	)
	if !s.escalator.Enabled() {
		return nil
	}
	req, err := s.escalator.RecordDenial(ctx, p, doc, query)
	if err != nil {
		s.log.Warn("denial not recorded", logger.String("document_id", doc.ID), logger.Error(err))
		return nil
	}
	return req
}

func buildPrompt(query string, sources []Source) string {
	var sb strings.Builder
	sb.WriteString("Context:\n")
	for _, src := range sources {
		sb.WriteString(src.Text)
		sb.WriteString("\n---\n")
	}
	sb.WriteString("\nQuestion: ")
	sb.WriteString(query)
	return sb.String()
}
