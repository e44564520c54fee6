package ingest

import (
	"fmt"
	"strings"
)

// Chunker splits text into chunks of at most Size runes with Overlap runes
// shared between consecutive chunks, so context spanning a boundary is not
// lost. Boundaries prefer paragraph and sentence breaks near the end of the
// window, falling back to a hard cut.
type Chunker struct {
	Size    int
	Overlap int
}

// NewChunker validates 0 <= overlap < size.
func NewChunker(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size %d must be positive", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("overlap %d must satisfy 0 <= overlap < size %d", overlap, size)
	}
	return &Chunker{Size: size, Overlap: overlap}, nil
}

// Split returns the chunks of text. Every chunk except possibly the last is
// an exact slice ending at most Size runes after its start, and chunk i+1
// starts exactly Overlap runes before chunk i ends, so concatenating the
// chunks minus overlaps reconstructs the input.
func (c *Chunker) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	runes := []rune(text)
	if len(runes) <= c.Size {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + c.Size
		if end >= len(runes) {
			chunks = append(chunks, string(runes[start:]))
			break
		}

		if cut := c.softBreak(runes, start, end); cut > 0 {
			end = cut
		}
		chunks = append(chunks, string(runes[start:end]))
		start = end - c.Overlap
	}
	return chunks
}

// softBreak looks for a paragraph, sentence, or word boundary in the last
// quarter of the window [start, end). It returns 0 when no usable break
// exists, in which case the caller hard-cuts at end. A break is usable only
// if the next chunk would still make progress past the overlap.
func (c *Chunker) softBreak(runes []rune, start, end int) int {
	windowStart := end - c.Size/4
	minCut := start + c.Overlap + 1
	if windowStart < minCut {
		windowStart = minCut
	}

	paragraph, sentence, word := 0, 0, 0
	for i := end - 1; i >= windowStart; i-- {
		r := runes[i]
		switch {
		case r == '\n' && i > 0 && runes[i-1] == '\n':
			if paragraph == 0 {
				paragraph = i + 1
			}
		case (r == '.' || r == '!' || r == '?') && i+1 < len(runes) && isSpace(runes[i+1]):
			if sentence == 0 {
				sentence = i + 1
			}
		case isSpace(r):
			if word == 0 {
				word = i + 1
			}
		}
		if paragraph > 0 {
			break
		}
	}

	switch {
	case paragraph >= minCut:
		return paragraph
	case sentence >= minCut:
		return sentence
	case word >= minCut:
		return word
	}
	return 0
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
