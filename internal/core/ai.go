package core

import "context"

// EmbeddingProvider turns text into vectors. It returns exactly one vector
// per input, in input order, all of the same dimension as the chunk store.
type EmbeddingProvider interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// LLMProvider writes the answer to a document question from the context the
// query service has already filtered by clearance. Failures of the model
// service, including filtered answers, are reported as external processing
// errors.
type LLMProvider interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}
