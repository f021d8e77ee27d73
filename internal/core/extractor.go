package core

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DocumentExtractor defines the interface for extracting text from various document types.
type DocumentExtractor interface {
	// ExtractText runs extraction as a stage of g and returns a channel of
	// text fragments. The channel is closed when extraction finishes; an
	// extraction failure is reported through g.Wait.
	ExtractText(ctx context.Context, g *errgroup.Group, data []byte, contentType string) <-chan string
}
