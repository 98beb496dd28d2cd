package vectorindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/dshills/parlharvest/internal/storage"
	"github.com/dshills/parlharvest/pkg/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS index_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS points (
	id          TEXT PRIMARY KEY,
	item_id     TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	item_type   TEXT NOT NULL,
	occurred_on TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	url         TEXT NOT NULL DEFAULT '',
	content     TEXT NOT NULL,
	metadata    TEXT,
	vector      BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_points_item ON points(item_id, chunk_index);
CREATE INDEX IF NOT EXISTS idx_points_day ON points(occurred_on, item_type);
`

// presentBatch bounds the number of ids bound into one IN (...) list.
const presentBatch = 500

// SQLiteIndex keeps vectors in a SQLite file and scores them in Go.
// It suits a single machine and corpora up to a few hundred thousand chunks.
type SQLiteIndex struct {
	db   *sql.DB
	path string

	mu        sync.RWMutex
	dimension int
}

// OpenSQLite opens or creates the index file at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteIndex, error) {
	db, err := storage.OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("open vector index: %w", err)
	}
	idx := &SQLiteIndex{db: db, path: path}
	if err := idx.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (s *SQLiteIndex) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("create vector index schema: %w", err)
	}
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM index_meta WHERE key = 'dimension'`).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return fmt.Errorf("read index dimension: %w", err)
	}
	dim, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("corrupt index dimension %q: %w", value, err)
	}
	s.dimension = dim
	return nil
}

// Path returns the index file path.
func (s *SQLiteIndex) Path() string {
	return s.path
}

// Ensure records the vector dimension on first use and rejects a different
// one afterwards.
func (s *SQLiteIndex) Ensure(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("%w: invalid dimension %d", ErrDimensionMismatch, dimension)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dimension != 0 {
		if s.dimension != dimension {
			return fmt.Errorf("%w: index has %d, embedder produces %d", ErrDimensionMismatch, s.dimension, dimension)
		}
		return nil
	}
	err := storage.RetryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO index_meta (key, value) VALUES ('dimension', ?) ON CONFLICT(key) DO NOTHING`,
			strconv.Itoa(dimension))
		return err
	})
	if err != nil {
		return fmt.Errorf("record index dimension: %w", err)
	}
	s.dimension = dimension
	return nil
}

func (s *SQLiteIndex) dim() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dimension
}

// Upsert writes points in one transaction.
func (s *SQLiteIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	dimension := s.dim()
	if dimension == 0 {
		return ErrNotEnsured
	}
	if err := validatePoints(points, dimension); err != nil {
		return err
	}

	return storage.RetryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin upsert: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO points (id, item_id, chunk_index, item_type, occurred_on, title, url, content, metadata, vector)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				item_type = excluded.item_type,
				occurred_on = excluded.occurred_on,
				title = excluded.title,
				url = excluded.url,
				content = excluded.content,
				metadata = excluded.metadata,
				vector = excluded.vector`)
		if err != nil {
			return fmt.Errorf("prepare upsert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for i := range points {
			p := &points[i]
			id := p.ID
			if id == "" {
				id = PointID(p.ItemID, p.ChunkIndex)
			}
			var meta []byte
			if len(p.Metadata) > 0 {
				if meta, err = json.Marshal(p.Metadata); err != nil {
					return fmt.Errorf("encode metadata for %s: %w", p.ItemID, err)
				}
			}
			if _, err := stmt.ExecContext(ctx, id, p.ItemID, p.ChunkIndex, string(p.ItemType),
				p.OccurredOn.String(), p.Title, p.URL, p.Content, nullableText(meta), serializeVector(p.Vector)); err != nil {
				return fmt.Errorf("upsert point %s#%d: %w", p.ItemID, p.ChunkIndex, err)
			}
		}

		for itemID, n := range chunkCounts(points) {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM points WHERE item_id = ? AND chunk_index >= ?`, itemID, n); err != nil {
				return fmt.Errorf("prune stale chunks of %s: %w", itemID, err)
			}
		}

		return tx.Commit()
	})
}

func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// Query scores every point matching filter against vector and returns the
// best k.
func (s *SQLiteIndex) Query(ctx context.Context, vector []float32, filter Filter, k int) ([]Hit, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", ErrDimensionMismatch)
	}
	if d := s.dim(); d != 0 && d != len(vector) {
		return nil, fmt.Errorf("%w: index has %d, query has %d", ErrDimensionMismatch, d, len(vector))
	}

	query := `SELECT item_id, chunk_index, item_type, occurred_on, title, url, content, metadata, vector
		FROM points WHERE 1 = 1`
	var args []any
	if len(filter.Types) > 0 {
		query += " AND item_type IN (" + placeholders(len(filter.Types)) + ")"
		for _, t := range filter.Types {
			args = append(args, string(t))
		}
	}
	if !filter.From.IsZero() {
		query += " AND occurred_on >= ?"
		args = append(args, filter.From.String())
	}
	if !filter.To.IsZero() {
		query += " AND occurred_on <= ?"
		args = append(args, filter.To.String())
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []Hit
	for rows.Next() {
		var (
			h        Hit
			itemType string
			day      string
			meta     sql.NullString
			blob     []byte
		)
		if err := rows.Scan(&h.ItemID, &h.ChunkIndex, &itemType, &day, &h.Title, &h.URL, &h.Content, &meta, &blob); err != nil {
			return nil, fmt.Errorf("scan point: %w", err)
		}
		candidate := deserializeVector(blob)
		if len(candidate) != len(vector) {
			continue
		}
		h.Score = CosineSimilarity(vector, candidate)
		h.ItemType = types.ItemType(itemType)
		if h.OccurredOn, err = types.ParseDay(day); err != nil {
			return nil, fmt.Errorf("point %s: %w", h.ItemID, err)
		}
		if meta.Valid {
			if err := json.Unmarshal([]byte(meta.String), &h.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %s: %w", h.ItemID, err)
			}
		}
		h.ID = PointID(h.ItemID, h.ChunkIndex)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return topK(hits, k), nil
}

// PresentItems reports which of itemIDs have at least one point.
func (s *SQLiteIndex) PresentItems(ctx context.Context, itemIDs []string) (map[string]bool, error) {
	present := make(map[string]bool, len(itemIDs))
	for start := 0; start < len(itemIDs); start += presentBatch {
		batch := itemIDs[start:min(start+presentBatch, len(itemIDs))]
		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = id
		}
		rows, err := s.db.QueryContext(ctx,
			`SELECT DISTINCT item_id FROM points WHERE item_id IN (`+placeholders(len(batch))+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("query present items: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return nil, err
			}
			present[id] = true
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return present, nil
}

// Count returns the number of stored points.
func (s *SQLiteIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM points`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count points: %w", err)
	}
	return n, nil
}

// Close closes the database
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
