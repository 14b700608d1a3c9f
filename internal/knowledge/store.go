// Package knowledge implements the vector knowledge base over ANVISA
// medication leaflets: ingestion, similarity retrieval, and prompt formatting.
package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
)

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Config bounds retrieval.
type Config struct {
	// SimilarityThreshold is the minimum cosine similarity for a chunk to
	// be returned.
	SimilarityThreshold float64
	// MaxChunks caps how many chunks one query returns.
	MaxChunks int
}

// Store manages the embeddings table.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	db       DB
	embedder Embedder
	cfg      Config
	logger   *slog.Logger
}

// NewStore creates a knowledge Store.
func NewStore(db DB, embedder Embedder, cfg Config, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		return nil, fmt.Errorf("similarity threshold %v out of range", cfg.SimilarityThreshold)
	}
	if cfg.MaxChunks <= 0 {
		return nil, fmt.Errorf("max chunks must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, embedder: embedder, cfg: cfg, logger: logger}, nil
}

// Retrieve embeds query and returns the chunks above the similarity
// threshold, most similar first. Ties resolve by insertion order. An empty
// result is not an error.
func (s *Store) Retrieve(ctx context.Context, query string) ([]Chunk, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for one query", len(vecs))
	}
	vec := pgvector.NewVector(vecs[0])

	const q = `SELECT content, metadata, 1 - (embedding <=> $1) AS similarity
		FROM embeddings
		WHERE 1 - (embedding <=> $1) >= $2
		ORDER BY embedding <=> $1, seq
		LIMIT $3`

	rows, err := s.db.Query(ctx, q, vec, s.cfg.SimilarityThreshold, s.cfg.MaxChunks)
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var (
			c    Chunk
			meta []byte
		)
		if err := rows.Scan(&c.Content, &meta, &c.Similarity); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &c.Metadata); err != nil {
				return nil, fmt.Errorf("decode chunk metadata: %w", err)
			}
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}

	s.logger.Debug("retrieved knowledge chunks", "query_len", len(query), "count", len(chunks))
	return chunks, nil
}

// FormatForPrompt renders chunks as the context block injected ahead of the
// user question. No chunks means an empty string, the caller then sends the
// question without a context block.
func FormatForPrompt(chunks []Chunk) string {
	if len(chunks) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n\nCONTEXTO DA BASE DE CONHECIMENTO (BULAS ANVISA):\n")
	b.WriteString(strings.Repeat("=", 60))
	b.WriteString("\n")
	for i, c := range chunks {
		source := "desconhecido"
		if med, ok := c.Metadata["medicamento"].(string); ok && med != "" {
			source = med
		}
		fmt.Fprintf(&b, "\n[Documento %d] - %s\n%s\n", i+1, source, c.Content)
		b.WriteString(strings.Repeat("-", 60))
		b.WriteString("\n")
	}
	return b.String()
}

// Ingest chunks, embeds and stores doc. Re-ingesting the same content is a
// no-op: each chunk is keyed by (source group, content hash) so repeated runs
// of the loader never duplicate rows. Returns the number of newly stored
// chunks.
func (s *Store) Ingest(ctx context.Context, chunker *Chunker, doc Document) (int, error) {
	if doc.SourceGroup == "" {
		return 0, fmt.Errorf("source group is required")
	}

	pieces := chunker.Split(doc.Content)
	if len(pieces) == 0 {
		return 0, nil
	}

	vecs, err := s.embedder.Embed(ctx, pieces)
	if err != nil {
		return 0, fmt.Errorf("embed document: %w", err)
	}
	if len(vecs) != len(pieces) {
		return 0, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vecs), len(pieces))
	}

	meta := doc.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("encode metadata: %w", err)
	}

	const q = `INSERT INTO embeddings (content, content_hash, source_group, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source_group, content_hash) DO NOTHING`

	stored := 0
	for i, piece := range pieces {
		hash := contentHash(piece)
		tag, err := s.db.Exec(ctx, q, piece, hash, doc.SourceGroup, metaJSON, pgvector.NewVector(vecs[i]))
		if err != nil {
			return stored, fmt.Errorf("insert chunk %d: %w", i, err)
		}
		stored += int(tag.RowsAffected())
	}

	s.logger.Info("ingested document",
		"source_group", doc.SourceGroup, "chunks", len(pieces), "stored", stored)
	return stored, nil
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
