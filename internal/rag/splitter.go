package rag

import (
	"fmt"

	"github.com/suPer8Hu/ragchat/internal/common"
	"github.com/suPer8Hu/ragchat/internal/vectorindex"
)

// Splitter cuts text into fixed windows of Size runes whose starts advance by
// Size-Overlap, so neighbouring chunks share exactly Overlap runes. The last
// chunk may be shorter.
type Splitter struct {
	Size    int
	Overlap int
}

func NewSplitter(size, overlap int) (*Splitter, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", common.ErrValidation, size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("%w: chunk overlap must be in [0, %d), got %d", common.ErrValidation, size, overlap)
	}
	return &Splitter{Size: size, Overlap: overlap}, nil
}

func (s *Splitter) Split(doc Document) []vectorindex.Chunk {
	runes := []rune(doc.Text)
	if len(runes) == 0 {
		return nil
	}
	step := s.Size - s.Overlap

	var chunks []vectorindex.Chunk
	for start := 0; ; start += step {
		end := min(start+s.Size, len(runes))
		chunks = append(chunks, vectorindex.Chunk{
			Source: doc.Source,
			Page:   doc.Page,
			Offset: start,
			Index:  len(chunks),
			Text:   string(runes[start:end]),
		})
		if end == len(runes) {
			return chunks
		}
	}
}

func (s *Splitter) SplitAll(docs []Document) []vectorindex.Chunk {
	var out []vectorindex.Chunk
	for _, d := range docs {
		out = append(out, s.Split(d)...)
	}
	return out
}
