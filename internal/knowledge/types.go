package knowledge

import "context"

// Embedder produces embedding vectors for text. The production implementation
// lives in the gemini package; tests use a deterministic local embedder.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Chunk is one retrieved knowledge base entry with its similarity to the
// query (cosine, 1.0 means identical direction).
type Chunk struct {
	Content    string
	Metadata   map[string]any
	Similarity float64
}

// Document is one source text to ingest, split into chunks before embedding.
type Document struct {
	// SourceGroup identifies the corpus the document belongs to, for
	// example the medication name of an ANVISA leaflet.
	SourceGroup string
	Content     string
	Metadata    map[string]any
}
