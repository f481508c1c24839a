package vector

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"convoagent/internal/domain"
)

// Options tunes a Store. Zero values select defaults.
type Options struct {
	// MaxRetained caps turns kept per conversation; older turns are evicted
	// first-in first-out.
	MaxRetained int
	// MaxCandidates caps the embedded turns scanned per similarity query.
	MaxCandidates int
}

const (
	defaultMaxRetained   = 500
	defaultMaxCandidates = 5000
)

// Store implements domain.TurnStore on SQLite. Turns are embedded on append
// when an EmbeddingProvider is configured; similarity search ranks by cosine
// similarity and falls back to FTS5 keyword ranking without embeddings.
type Store struct {
	db       *sql.DB
	embedder domain.EmbeddingProvider
	logger   *slog.Logger
	opts     Options
}

// New opens (or creates) a SQLite database at dbPath and runs migrations.
// Pass nil for embedder to use keyword-only similarity.
func New(dbPath string, embedder domain.EmbeddingProvider, logger *slog.Logger, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open db: %v", domain.ErrMemoryStore, err)
	}

	// Single writer keeps append and eviction serialized.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: pragma: %v", domain.ErrMemoryStore, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", domain.ErrMemoryStore, err)
	}

	if opts.MaxRetained <= 0 {
		opts.MaxRetained = defaultMaxRetained
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = defaultMaxCandidates
	}

	return &Store{db: db, embedder: embedder, logger: logger, opts: opts}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append implements domain.TurnStore.
func (s *Store) Append(ctx context.Context, turn domain.ConversationTurn) error {
	if turn.ID == "" {
		turn.ID = domain.NewTurnID()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	var embeddingBlob []byte
	if s.embedder != nil && turn.Content != "" {
		vecs, err := s.embedder.Embed(ctx, []string{turn.Content})
		switch {
		case err != nil:
			// Stored without a vector; keyword search still finds it.
			s.logger.Warn("turn embedding failed", "turn_id", turn.ID, "error", err)
		case len(vecs) > 0:
			embeddingBlob = encodeEmbedding(vecs[0])
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", domain.ErrMemoryStore, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO turns (id, conversation_id, participant_id, role, content, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		turn.ID, turn.ConversationID, turn.ParticipantID, turn.Role, turn.Content,
		embeddingBlob, turn.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: insert: %v", domain.ErrMemoryStore, err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM turns WHERE conversation_id = ? AND seq NOT IN (
			SELECT seq FROM turns WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?
		)`,
		turn.ConversationID, turn.ConversationID, s.opts.MaxRetained,
	)
	if err != nil {
		return fmt.Errorf("%w: evict: %v", domain.ErrMemoryStore, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", domain.ErrMemoryStore, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Debug("evicted oldest turns", "conversation_id", turn.ConversationID, "count", n)
	}
	return nil
}

// RecentHistory implements domain.TurnStore.
func (s *Store) RecentHistory(ctx context.Context, conversationID string, limit int) ([]domain.ConversationTurn, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, participant_id, role, content, created_at
		 FROM turns WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: recent: %v", domain.ErrMemoryStore, err)
	}
	defer rows.Close()

	turns, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// Count returns the number of turns retained for a conversation.
func (s *Store) Count(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM turns WHERE conversation_id = ?", conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count: %v", domain.ErrMemoryStore, err)
	}
	return n, nil
}

func scanTurns(rows *sql.Rows) ([]domain.ConversationTurn, error) {
	var turns []domain.ConversationTurn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows: %v", domain.ErrMemoryStore, err)
	}
	return turns, nil
}

func scanTurn(row interface{ Scan(dest ...any) error }) (domain.ConversationTurn, error) {
	var t domain.ConversationTurn
	var created string
	if err := row.Scan(&t.ID, &t.ConversationID, &t.ParticipantID, &t.Role, &t.Content, &created); err != nil {
		return t, fmt.Errorf("%w: scan: %v", domain.ErrMemoryStore, err)
	}
	ts, err := parseTime(created)
	if err != nil {
		return t, err
	}
	t.CreatedAt = ts
	return t, nil
}

func parseTime(s string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: parse created_at: %v", domain.ErrMemoryStore, err)
	}
	return ts, nil
}

var _ domain.TurnStore = (*Store)(nil)
