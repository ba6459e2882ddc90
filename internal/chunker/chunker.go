// Package chunker splits file text into overlapping fixed-size chunks, the
// unit of embedding and retrieval.
package chunker

import (
	"fmt"

	"sourcerer/internal/config"
)

// Chunk is one window over a file's text. Offsets are byte positions into
// the original text; no line or word boundary snapping is applied.
type Chunk struct {
	Ordinal       int
	Start         int
	End           int
	Text          string
	TokenEstimate int
}

// Builder produces chunks with a fixed size and overlap.
type Builder struct {
	size    int
	overlap int
}

// New validates the size/overlap pair once so a bad combination fails at the
// start of an indexing run instead of looping forever inside Split.
func New(size, overlap int) (*Builder, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", config.ErrInvalidChunkSize, size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("%w: overlap %d, size %d", config.ErrOverlapTooLarge, overlap, size)
	}
	return &Builder{size: size, overlap: overlap}, nil
}

// Split slides a window of the configured size over text with stride
// size−overlap. Consecutive chunks overlap by exactly the configured overlap
// and together cover every byte; the final chunk may be shorter. An empty
// text yields no chunks, any non-empty text yields at least one.
func (b *Builder) Split(text string) []Chunk {
	if len(text) == 0 {
		return nil
	}

	stride := b.size - b.overlap
	var chunks []Chunk
	for start := 0; ; start += stride {
		end := start + b.size
		if end > len(text) {
			end = len(text)
		}
		piece := text[start:end]
		chunks = append(chunks, Chunk{
			Ordinal:       len(chunks),
			Start:         start,
			End:           end,
			Text:          piece,
			TokenEstimate: EstimateTokens(piece),
		})
		if end >= len(text) {
			return chunks
		}
	}
}

// EstimateTokens approximates the token count of s as ceil(len/4), the usual
// bytes-per-token rule of thumb for code and English text.
func EstimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}
