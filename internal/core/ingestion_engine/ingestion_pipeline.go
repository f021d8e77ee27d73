package ingestion_engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nurudeen19/rag-fortress-sub002/internal/core"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/apperr"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/clock"
	"github.com/nurudeen19/rag-fortress-sub002/internal/logger"
	"github.com/nurudeen19/rag-fortress-sub002/internal/models"
)

// ChunkStore is the slice of core.DbClient the pipeline writes to.
type ChunkStore interface {
	InsertDocumentChunks(ctx context.Context, chunks []models.DocumentChunk) error
	DeleteChunksByDocument(ctx context.Context, documentID string) error
}

var _ Processor = (*DocumentIngestor)(nil)

func NewDocumentIngestor(
	store ChunkStore,
	obj core.ObjectClient,
	emb core.EmbeddingProvider,
	extractor core.DocumentExtractor,
	clk clock.Clock,
	log logger.Logger,
	cfg IngestConfig,
) *DocumentIngestor {
	if cfg.TargetTokens <= 0 {
		cfg.TargetTokens = 500
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	return &DocumentIngestor{
		store: store, obj: obj, embedder: emb, extractor: extractor,
		clock: clk, log: log.Named("pipeline"), cfg: cfg,
	}
}

// Process fetches, extracts, chunks, embeds and persists one document and
// returns the number of chunks written. Chunks from an earlier attempt are
// replaced.
func (i *DocumentIngestor) Process(ctx context.Context, doc *models.Document) (int, error) {
	if doc.StorageKey == "" {
		return 0, apperr.ExternalProcessing(nil, "document %s has no stored content", doc.ID)
	}
	data, err := i.obj.GetFile(ctx, i.cfg.Bucket, doc.StorageKey)
	if err != nil {
		return 0, apperr.ExternalProcessing(err, "fetch %s", doc.StorageKey)
	}
	if err := i.store.DeleteChunksByDocument(ctx, doc.ID); err != nil {
		return 0, fmt.Errorf("clear previous chunks: %w", err)
	}

	// Build an errgroup to tie the pipeline stages together.
	g, gctx := errgroup.WithContext(ctx)

	// document -> fragments.
	fragCh := i.extractor.ExtractText(gctx, g, data, doc.ContentType)

	// fragments -> chunks.
	chunkCh := streamChunks(gctx, g, fragCh, i.cfg.TargetTokens, i.cfg.OverlapTokens)

	// chunks -> embed + persist.
	var written int
	g.Go(func() error {
		n, err := i.embedAndPersist(gctx, doc.ID, chunkCh, i.cfg.BatchSize)
		written = n
		return err
	})

	// Any stage error cancels the rest.
	if err := g.Wait(); err != nil {
		var coded *apperr.Error
		if !errors.As(err, &coded) {
			err = apperr.ExternalProcessing(err, "ingest %s", doc.ID)
		}
		return 0, err
	}
	if written == 0 {
		return 0, apperr.ExternalProcessing(nil, "no text extracted from %s", doc.FileName)
	}

	i.log.Debug("document ingested",
		logger.String("document_id", doc.ID),
		logger.Int("chunks", written),
		logger.Int("bytes", len(data)),
	)
	return written, nil
}

// embedAndPersist consumes chunks, embeds them in batches, and writes them.
func (i *DocumentIngestor) embedAndPersist(ctx context.Context, docID string, in <-chan chunk, batchSize int) (int, error) {
	batch := make([]chunk, 0, batchSize)
	written := 0

	flush := func(items []chunk) error {
		if len(items) == 0 {
			return nil
		}
		texts := make([]string, len(items))
		for idx := range items {
			texts[idx] = items[idx].Text
		}

		vecs, err := i.embedder.EmbedTexts(ctx, texts)
		if err != nil {
			return apperr.ExternalProcessing(err, "embed %d chunks", len(items))
		}
		if len(vecs) != len(items) {
			return apperr.ExternalProcessing(nil, "embed size mismatch: got %d want %d", len(vecs), len(items))
		}

		now := i.clock.Now()
		rows := make([]models.DocumentChunk, len(items))
		for k := range items {
			rows[k] = models.DocumentChunk{
				ID:         uuid.NewString(),
				DocumentID: docID,
				Text:       items[k].Text,
				Embedding:  vecs[k],
				Position:   items[k].Pos,
				TokenCount: items[k].TokenCnt,
				CreatedAt:  now,
			}
		}
		if err := i.store.InsertDocumentChunks(ctx, rows); err != nil {
			return fmt.Errorf("insert chunks: %w", err)
		}
		written += len(rows)
		return nil
	}

	for c := range in {
		batch = append(batch, c)
		if len(batch) == batchSize {
			if err := flush(batch); err != nil {
				return written, err
			}
			batch = batch[:0]
		}
	}
	if err := flush(batch); err != nil {
		return written, err
	}
	return written, nil
}
