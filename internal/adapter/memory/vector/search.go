package vector

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"gonum.org/v1/gonum/floats"

	"convoagent/internal/domain"
)

type scoredTurn struct {
	turn  domain.ConversationTurn
	score float64
}

// SimilaritySearch implements domain.TurnStore. Results are limited to the
// participant's turns within the conversation and ordered by relevance.
func (s *Store) SimilaritySearch(ctx context.Context, conversationID, participantID, query string, topK int) ([]domain.ConversationTurn, error) {
	if topK <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}

	if s.embedder != nil {
		vecs, err := s.embedder.Embed(ctx, []string{query})
		if err == nil && len(vecs) > 0 {
			return s.vectorSearch(ctx, conversationID, participantID, vecs[0], topK)
		}
		s.logger.Warn("query embedding failed, using keyword search", "error", err)
	}
	return s.keywordSearch(ctx, conversationID, participantID, query, topK)
}

func (s *Store) vectorSearch(ctx context.Context, conversationID, participantID string, query []float32, topK int) ([]domain.ConversationTurn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, participant_id, role, content, created_at, embedding
		 FROM turns
		 WHERE conversation_id = ? AND participant_id = ? AND embedding IS NOT NULL
		 ORDER BY seq DESC LIMIT ?`,
		conversationID, participantID, s.opts.MaxCandidates,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: vector search: %v", domain.ErrMemoryStore, err)
	}
	defer rows.Close()

	q := toFloat64(query)
	var scored []scoredTurn
	for rows.Next() {
		var blob []byte
		var created string
		var t domain.ConversationTurn
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.ParticipantID, &t.Role, &t.Content, &created, &blob); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", domain.ErrMemoryStore, err)
		}
		parsed, err := parseTime(created)
		if err != nil {
			return nil, err
		}
		t.CreatedAt = parsed
		scored = append(scored, scoredTurn{turn: t, score: cosineSimilarity(q, toFloat64(decodeEmbedding(blob)))})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows: %v", domain.ErrMemoryStore, err)
	}

	// Stable sort keeps newer turns first among equal scores.
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	out := make([]domain.ConversationTurn, len(scored))
	for i, st := range scored {
		out[i] = st.turn
	}
	return out, nil
}

// keywordSearch ranks with FTS5 bm25 over OR-ed query terms.
func (s *Store) keywordSearch(ctx context.Context, conversationID, participantID, query string, topK int) ([]domain.ConversationTurn, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.conversation_id, t.participant_id, t.role, t.content, t.created_at
		 FROM turns_fts f
		 JOIN turns t ON t.seq = f.rowid
		 WHERE turns_fts MATCH ? AND t.conversation_id = ? AND t.participant_id = ?
		 ORDER BY bm25(turns_fts)
		 LIMIT ?`,
		match, conversationID, participantID, topK,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: keyword search: %v", domain.ErrMemoryStore, err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

// ftsQuery quotes each word so user text cannot inject FTS5 syntax.
func ftsQuery(query string) string {
	words := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for i, w := range words {
		words[i] = `"` + w + `"`
	}
	return strings.Join(words, " OR ")
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	denom := floats.Norm(a, 2) * floats.Norm(b, 2)
	if denom == 0 {
		return 0
	}
	sim := floats.Dot(a, b) / denom
	if math.IsNaN(sim) || math.IsInf(sim, 0) {
		return 0
	}
	return sim
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
