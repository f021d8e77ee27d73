package ingestion_engine

import (
	"bytes"
	"context"
	"strings"

	"code.sajari.com/docconv"
	"golang.org/x/sync/errgroup"

	"github.com/nurudeen19/rag-fortress-sub002/internal/core"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/apperr"
)

var _ core.DocumentExtractor = (*DocconvExtractor)(nil)

func NewDocconvExtractor(useReadability bool) *DocconvExtractor {
	return &DocconvExtractor{useReadability: useReadability}
}

// ExtractText converts data with docconv and streams the non-blank lines
// as fragments. The channel is closed when the stage ends.
func (e *DocconvExtractor) ExtractText(ctx context.Context, g *errgroup.Group, data []byte, contentType string) <-chan string {
	out := make(chan string, 32)

	g.Go(func() error {
		defer close(out)

		res, err := docconv.Convert(bytes.NewReader(data), contentType, e.useReadability)
		if err != nil {
			return apperr.ExternalProcessing(err, "extract text from %s", contentType)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return emitLines(ctx, out, res.Body)
	})

	return out
}

func emitLines(ctx context.Context, out chan<- string, text string) error {
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line == "" {
			continue
		}
		select {
		case out <- line:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
