package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/agentrt/agentd/internal/kernel/model"
	"github.com/google/uuid"
)

func contentHash(lane, kind, key string, value json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(lane))
	h.Write([]byte(kind))
	h.Write([]byte(key))
	h.Write(value)
	return hex.EncodeToString(h.Sum(nil))
}

// InsertMemory computes the record's content hash, upserts it (and its FTS
// shadow row), and returns the assigned id.
func (s *Store) InsertMemory(ctx context.Context, m model.MemoryRecord) (string, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.Hash = contentHash(m.Lane, m.Kind, m.Key, m.Value)
	now := nowRFC3339()
	m.Created, m.Updated = now, now

	var embed any
	if len(m.Embed) > 0 {
		raw, err := json.Marshal(m.Embed)
		if err != nil {
			return "", fmt.Errorf("store: marshal embed: %w", err)
		}
		embed = string(raw)
	}
	var score, prob any
	if m.Score != nil {
		score = *m.Score
	}
	if m.Prob != nil {
		prob = *m.Prob
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store: insert_memory begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO memory_records (id,lane,kind,key,value,tags,hash,embed,score,prob,created,updated)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(hash) DO UPDATE SET value=excluded.value, tags=excluded.tags, embed=excluded.embed,
		   score=excluded.score, prob=excluded.prob, updated=excluded.updated`,
		m.ID, m.Lane, nullString(m.Kind), nullString(m.Key), string(m.Value), nullString(m.Tags), m.Hash,
		embed, score, prob, m.Created, m.Updated,
	)
	if err != nil {
		return "", fmt.Errorf("store: insert_memory: %w", err)
	}
	if err := tx.QueryRowContext(ctx, `SELECT id FROM memory_records WHERE hash = ?`, m.Hash).Scan(&m.ID); err != nil {
		return "", fmt.Errorf("store: insert_memory id: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_fts WHERE id = ?`, m.ID); err != nil {
		return "", fmt.Errorf("store: insert_memory fts: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO memory_fts (id,lane,key,value,tags) VALUES (?,?,?,?,?)`,
		m.ID, m.Lane, m.Key, string(m.Value), m.Tags,
	)
	if err != nil {
		return "", fmt.Errorf("store: insert_memory fts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: insert_memory commit: %w", err)
	}
	return m.ID, nil
}

// InsertMemoryLink upserts a directed edge between two memory records,
// unique per (src, dst, rel).
func (s *Store) InsertMemoryLink(ctx context.Context, link model.MemoryLink) error {
	var weight any
	if link.Weight != nil {
		weight = *link.Weight
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_links (src_id,dst_id,rel,weight) VALUES (?,?,?,?)
		 ON CONFLICT(src_id,dst_id,rel) DO UPDATE SET weight=excluded.weight`,
		link.SrcID, link.DstID, link.Rel, weight,
	)
	if err != nil {
		return fmt.Errorf("store: insert_memory_link: %w", err)
	}
	return nil
}

// MemoryLinksFrom returns up to limit outgoing links from srcID.
func (s *Store) MemoryLinksFrom(ctx context.Context, srcID string, limit int) ([]model.MemoryLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT src_id,dst_id,rel,weight FROM memory_links WHERE src_id = ? LIMIT ?`, srcID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: memory_links_from: %w", err)
	}
	defer rows.Close()

	var out []model.MemoryLink
	for rows.Next() {
		var l model.MemoryLink
		var weight sql.NullFloat64
		if err := rows.Scan(&l.SrcID, &l.DstID, &l.Rel, &weight); err != nil {
			return nil, fmt.Errorf("store: memory_links_from scan: %w", err)
		}
		if weight.Valid {
			v := weight.Float64
			l.Weight = &v
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetMemory returns a memory record by id.
func (s *Store) GetMemory(ctx context.Context, id string) (*model.MemoryRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id,lane,kind,key,value,tags,hash,embed,score,prob,created,updated FROM memory_records WHERE id = ?`, id)
	m, err := scanMemoryRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

type scanFunc func(dest ...any) error

func scanMemoryRow(scan scanFunc) (*model.MemoryRecord, error) {
	var m model.MemoryRecord
	var kind, key, tags, embed sql.NullString
	var score, prob sql.NullFloat64
	if err := scan(&m.ID, &m.Lane, &kind, &key, &m.Value, &tags, &m.Hash, &embed, &score, &prob, &m.Created, &m.Updated); err != nil {
		return nil, fmt.Errorf("store: scan memory: %w", err)
	}
	m.Kind = kind.String
	m.Key = key.String
	m.Tags = tags.String
	if embed.Valid && embed.String != "" {
		_ = json.Unmarshal([]byte(embed.String), &m.Embed)
	}
	if score.Valid {
		v := score.Float64
		m.Score = &v
	}
	if prob.Valid {
		v := prob.Float64
		m.Prob = &v
	}
	return &m, nil
}

// MemoryHybridResult is one row of a lexical-scored FTS lookup.
type MemoryHybridResult struct {
	Record model.MemoryRecord
	BM25   float64
}

// SelectMemoryHybrid performs an FTS5 bm25-ranked lexical lookup over
// memory_fts, optionally scoped to a lane, returning up to k ranked rows.
// Vector and recency scoring are composed by the working-set builder on top
// of these lexical results.
func (s *Store) SelectMemoryHybrid(ctx context.Context, query string, lane string, k int) ([]MemoryHybridResult, error) {
	if strings.TrimSpace(query) == "" {
		return s.selectMemoryByLane(ctx, lane, k)
	}

	args := []any{query}
	laneClause := ""
	if lane != "" {
		laneClause = "AND memory_fts.lane = ?"
		args = append(args, lane)
	}
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT m.id,m.lane,m.kind,m.key,m.value,m.tags,m.hash,m.embed,m.score,m.prob,m.created,m.updated,
		       bm25(memory_fts) AS rank
		FROM memory_fts
		JOIN memory_records m ON m.id = memory_fts.id
		WHERE memory_fts MATCH ? %s
		ORDER BY rank LIMIT ?`, laneClause), args...)
	if err != nil {
		return nil, fmt.Errorf("store: select_memory_hybrid: %w", err)
	}
	defer rows.Close()

	var out []MemoryHybridResult
	for rows.Next() {
		var kind, key, tags, embed sql.NullString
		var score, prob sql.NullFloat64
		var rec model.MemoryRecord
		var rank float64
		if err := rows.Scan(&rec.ID, &rec.Lane, &kind, &key, &rec.Value, &tags, &rec.Hash, &embed, &score, &prob, &rec.Created, &rec.Updated, &rank); err != nil {
			return nil, fmt.Errorf("store: select_memory_hybrid scan: %w", err)
		}
		rec.Kind, rec.Key, rec.Tags = kind.String, key.String, tags.String
		if embed.Valid && embed.String != "" {
			_ = json.Unmarshal([]byte(embed.String), &rec.Embed)
		}
		if score.Valid {
			v := score.Float64
			rec.Score = &v
		}
		if prob.Valid {
			v := prob.Float64
			rec.Prob = &v
		}
		// bm25() is negative-is-better; normalize to positive-is-better.
		out = append(out, MemoryHybridResult{Record: rec, BM25: -rank})
	}
	return out, rows.Err()
}

func (s *Store) selectMemoryByLane(ctx context.Context, lane string, k int) ([]MemoryHybridResult, error) {
	query := `SELECT id,lane,kind,key,value,tags,hash,embed,score,prob,created,updated FROM memory_records`
	args := []any{}
	if lane != "" {
		query += ` WHERE lane = ?`
		args = append(args, lane)
	}
	query += ` ORDER BY updated DESC LIMIT ?`
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: select_memory_by_lane: %w", err)
	}
	defer rows.Close()

	var out []MemoryHybridResult
	for rows.Next() {
		m, err := scanMemoryRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, MemoryHybridResult{Record: *m})
	}
	return out, rows.Err()
}

// FormatEmbed renders an embedding vector for logging/diagnostics.
func FormatEmbed(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', 4, 32))
	}
	b.WriteByte(']')
	return b.String()
}
