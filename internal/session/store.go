// Package session persists conversations and their ordered message history
// in PostgreSQL.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when no session exists for the requested key.
var ErrNotFound = errors.New("session: not found")

// DB is the subset of *pgxpool.Pool the store uses. Defined here so tests
// can substitute a fake without a live database.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// querier is the common interface satisfied by both DB and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store manages session and message persistence.
//
// Store is safe for concurrent use by multiple goroutines. Appends to one
// session are serialized through a row lock so interleaved turns from the
// same chat cannot corrupt sequence numbers.
type Store struct {
	db     DB
	logger *slog.Logger
}

// NewStore creates a session Store.
func NewStore(db DB, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}, nil
}

// GetOrCreate returns the session for chatKey, creating it on first use.
// The upsert makes concurrent first messages from the same chat converge
// on one row.
func (s *Store) GetOrCreate(ctx context.Context, chatKey string) (*Session, error) {
	if chatKey == "" {
		return nil, fmt.Errorf("chat key is required")
	}

	const q = `INSERT INTO chat_sessions (chat_key)
		VALUES ($1)
		ON CONFLICT (chat_key) DO UPDATE SET updated_at = now()
		RETURNING id, chat_key, created_at, updated_at`

	var sess Session
	err := s.db.QueryRow(ctx, q, chatKey).
		Scan(&sess.ID, &sess.ChatKey, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get or create session: %w", err)
	}
	return &sess, nil
}

// Messages returns the full history of a session in insertion order.
func (s *Store) Messages(ctx context.Context, sessionID uuid.UUID) ([]Message, error) {
	const q = `SELECT id, session_id, role, content, metadata, sequence_number, created_at
		FROM messages
		WHERE session_id = $1
		ORDER BY sequence_number`

	rows, err := s.db.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var (
			m        Message
			content  []byte
			metadata []byte
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &content, &metadata, &m.Sequence, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal(content, &m.Parts); err != nil {
			return nil, fmt.Errorf("decode message content: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
				return nil, fmt.Errorf("decode message metadata: %w", err)
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// Append stores msgs at the end of the session history, in order found.
// The whole batch is written in one transaction under a session row lock,
// so concurrent appends to the same session serialize and sequence numbers
// stay dense per writer.
func (s *Store) Append(ctx context.Context, sessionID uuid.UUID, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.lockSession(ctx, tx, sessionID); err != nil {
		return err
	}

	seq, err := maxSequence(ctx, tx, sessionID)
	if err != nil {
		return err
	}

	for _, m := range msgs {
		seq++
		if err := insertMessage(ctx, tx, sessionID, m, seq); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE chat_sessions SET updated_at = now() WHERE id = $1`, sessionID); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}

	s.logger.Debug("appended messages", "session_id", sessionID, "count", len(msgs))
	return nil
}

// Reset deletes the session for chatKey along with its messages.
// Resetting a key with no session is a no-op.
func (s *Store) Reset(ctx context.Context, chatKey string) error {
	if _, err := s.db.Exec(ctx,
		`DELETE FROM chat_sessions WHERE chat_key = $1`, chatKey); err != nil {
		return fmt.Errorf("reset session: %w", err)
	}
	return nil
}

func (s *Store) lockSession(ctx context.Context, q querier, sessionID uuid.UUID) error {
	var id uuid.UUID
	err := q.QueryRow(ctx,
		`SELECT id FROM chat_sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock session: %w", err)
	}
	return nil
}

func maxSequence(ctx context.Context, q querier, sessionID uuid.UUID) (int64, error) {
	var seq int64
	err := q.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) FROM messages WHERE session_id = $1`,
		sessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("max sequence: %w", err)
	}
	return seq, nil
}

func insertMessage(ctx context.Context, q querier, sessionID uuid.UUID, m Message, seq int64) error {
	content, err := json.Marshal(m.Parts)
	if err != nil {
		return fmt.Errorf("encode message content: %w", err)
	}
	metadata := m.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode message metadata: %w", err)
	}
	if _, err := q.Exec(ctx,
		`INSERT INTO messages (session_id, role, content, metadata, sequence_number)
		VALUES ($1, $2, $3, $4, $5)`,
		sessionID, m.Role, content, meta, seq); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}
