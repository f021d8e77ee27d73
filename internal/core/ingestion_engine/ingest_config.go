package ingestion_engine

import (
	"github.com/nurudeen19/rag-fortress-sub002/internal/core"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/clock"
	"github.com/nurudeen19/rag-fortress-sub002/internal/logger"
)

// IngestConfig tunes the streaming pipeline.
//
// Bucket:        object storage bucket holding uploaded files.
// TargetTokens:  approximate tokens per chunk (e.g., 500).
// OverlapTokens: token overlap between consecutive chunks (e.g., 50).
// BatchSize:     how many chunks to embed/write in one batch (e.g., 32).
type IngestConfig struct {
	Bucket        string
	TargetTokens  int
	OverlapTokens int
	BatchSize     int
}

func DefaultIngestConfig(bucket string) IngestConfig {
	return IngestConfig{Bucket: bucket, TargetTokens: 500, OverlapTokens: 50, BatchSize: 32}
}

// chunk is the internal representation passed through the pipeline.
//
// Pos:      stable, zero-based position of the chunk inside the document.
// Text:     chunk content (built from one or more fragments).
// TokenCnt: approximate token count (used for batching and overlap math).
type chunk struct {
	Pos      int
	Text     string
	TokenCnt int
}

// DocumentIngestor turns one stored file into embedded chunks:
//
// store:     chunk persistence.
// obj:       object storage holding the uploaded bytes.
// embedder:  embedding provider (Gemini).
// extractor: text extraction collaborator (docconv).
// cfg:       runtime tuning knobs for the pipeline.
type DocumentIngestor struct {
	store     ChunkStore
	obj       core.ObjectClient
	embedder  core.EmbeddingProvider
	extractor core.DocumentExtractor
	clock     clock.Clock
	log       logger.Logger
	cfg       IngestConfig
}

// DocconvExtractor implements core.DocumentExtractor using sajari/docconv.
type DocconvExtractor struct {
	useReadability bool
}
