package ingestion_engine

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"
)

// streamChunks groups incoming fragments into token-bounded chunks with
// optional overlap.
//
// frags:         upstream fragments channel.
// targetTokens:  approximate tokens per chunk.
// overlapTokens: tokens to retain from the end of the previous chunk as seed of the next.
func streamChunks(
	ctx context.Context,
	g *errgroup.Group,
	frags <-chan string,
	targetTokens int,
	overlapTokens int,
) <-chan chunk {
	out := make(chan chunk, 8)

	g.Go(func() error {
		defer close(out)

		var (
			buf    []string
			tokSum int
			pos    int
			fresh  int // tokens added since the last emitted chunk
		)

		flush := func() error {
			if fresh == 0 {
				return nil
			}
			ch := chunk{Pos: pos, Text: strings.Join(buf, "\n"), TokenCnt: tokSum}
			pos++

			select {
			case out <- ch:
			case <-ctx.Done():
				return ctx.Err()
			}

			buf, tokSum = overlapTail(buf, overlapTokens)
			fresh = 0
			return nil
		}

		for frag := range frags {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			t := approxTokens(frag)
			buf = append(buf, frag)
			tokSum += t
			fresh += t

			if tokSum >= targetTokens {
				if err := flush(); err != nil {
					return err
				}
			}
		}

		return flush()
	})

	return out
}

// overlapTail keeps the shortest suffix of buf whose token sum reaches
// overlapTokens, never the whole buffer.
func overlapTail(buf []string, overlapTokens int) ([]string, int) {
	if overlapTokens <= 0 || len(buf) < 2 {
		return nil, 0
	}
	start, sum := len(buf), 0
	for start > 1 && sum < overlapTokens {
		start--
		sum += approxTokens(buf[start])
	}
	return append([]string(nil), buf[start:]...), sum
}

// approxTokens is a cheap token estimator (~4 chars ≈ 1 token).
func approxTokens(s string) int {
	n := len([]rune(s))
	if n <= 0 {
		return 0
	}
	return (n + 3) / 4
}
