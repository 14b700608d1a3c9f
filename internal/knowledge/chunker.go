package knowledge

import "strings"

// Chunker splits documents into overlapping rune windows. Splitting by runes
// keeps accented Portuguese text intact.
type Chunker struct {
	size    int
	overlap int
}

// NewChunker creates a chunker. size must be positive; overlap must be
// smaller than size (values outside that are clamped).
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = 400
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size - 1
	}
	return &Chunker{size: size, overlap: overlap}
}

// Split returns the chunks of text. Whitespace-only input yields no chunks.
// Each chunk after the first repeats the last overlap runes of its
// predecessor, so sentences broken at a boundary still retrieve.
func (c *Chunker) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	runes := []rune(text)
	if len(runes) <= c.size {
		return []string{text}
	}

	step := c.size - c.overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + c.size
		if end > len(runes) {
			end = len(runes)
		}
		// A window inside a whitespace run trims to nothing; storing it
		// would embed an empty chunk.
		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}
