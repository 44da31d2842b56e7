package memory

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store provides durable storage and brute-force cosine similarity search
// over memory entries, backed by SQLite. The embedding dimension is fixed at
// construction and identical across all entries.
type Store struct {
	db   *sql.DB
	dims int
}

// New wraps an existing *sql.DB for memory operations. The memory_entries
// table must already exist (created via migrations). dims is the deployment's
// embedding dimensionality.
func New(db *sql.DB, dims int) (*Store, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("%w: configured dimension %d", ErrDimensionMismatch, dims)
	}
	return &Store{db: db, dims: dims}, nil
}

// Dimensions returns the store's fixed embedding dimension.
func (s *Store) Dimensions() int { return s.dims }

// Add persists a new entry and returns its ID. An embedding whose length
// differs from the store's dimension is rejected with ErrDimensionMismatch.
func (s *Store) Add(ctx context.Context, e Entry) (string, error) {
	if len(e.Embedding) != s.dims {
		return "", fmt.Errorf("%w: entry has %d dimensions, store expects %d", ErrDimensionMismatch, len(e.Embedding), s.dims)
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshaling metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_entries (id, project_id, agent_id, text, embedding, memory_type, tag, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, e.AgentID, e.Text, encodeVector(e.Embedding),
		string(e.Type), e.Tag, e.CreatedAt.UTC().Format(time.RFC3339Nano), string(meta),
	)
	if err != nil {
		return "", fmt.Errorf("inserting entry: %w", err)
	}
	return e.ID, nil
}

// candidate holds the fields needed for ranking during the scan phase.
// Full records are fetched only for the winners.
type candidate struct {
	ID        string
	Score     float64
	CreatedAt time.Time
}

// Search returns entries similar to the query embedding, restricted to the
// query's project (and optional agent/type/tag filters), ordered by
// descending score with recency breaking ties. Entries below MinScore are
// excluded and at most Limit entries are returned.
func (s *Store) Search(ctx context.Context, q Query) ([]Match, error) {
	if q.ProjectID == "" {
		return nil, fmt.Errorf("search requires a project id")
	}
	if len(q.Embedding) != s.dims {
		return nil, fmt.Errorf("%w: query has %d dimensions, store expects %d", ErrDimensionMismatch, len(q.Embedding), s.dims)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 5
	}

	where, args := scopeClause(q.ProjectID, q.AgentID, q.Type, q.Tag)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, embedding, created_at FROM memory_entries WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("querying entries: %w", err)
	}
	defer rows.Close()

	queryNorm := norm(q.Embedding)
	if queryNorm == 0 {
		return nil, nil
	}

	h := &candidateHeap{}
	heap.Init(h)

	// Reusable buffer avoids per-row allocations during the scan.
	var buf []float32

	for rows.Next() {
		var id, createdAt string
		var blob []byte
		if err := rows.Scan(&id, &blob, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = decodeVectorInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		// Cosine similarity mapped onto [0, 1].
		score := (1 + cosine(q.Embedding, buf, queryNorm)) / 2
		if score < q.MinScore {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", id, err)
		}

		c := candidate{ID: id, Score: score, CreatedAt: t}
		if h.Len() < limit {
			heap.Push(h, c)
		} else if worseThan((*h)[0], c) {
			(*h)[0] = c
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Drain the min-heap into best-first order.
	winners := make([]candidate, h.Len())
	for i := len(winners) - 1; i >= 0; i-- {
		winners[i] = heap.Pop(h).(candidate)
	}

	entries, err := s.fetchByIDs(ctx, winners)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(winners))
	for _, c := range winners {
		if e, ok := entries[c.ID]; ok {
			matches = append(matches, Match{Entry: e, Score: c.Score})
		}
	}
	return matches, nil
}

// Recent returns the newest entries in scope without similarity ranking.
func (s *Store) Recent(ctx context.Context, projectID, agentID string, typ EntryType, limit int) ([]Entry, error) {
	if projectID == "" {
		return nil, fmt.Errorf("recent requires a project id")
	}
	if limit <= 0 {
		limit = 5
	}

	where, args := scopeClause(projectID, agentID, typ, "")
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, agent_id, text, embedding, memory_type, tag, created_at, metadata
		FROM memory_entries WHERE `+where+` ORDER BY created_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying recent entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get loads a single entry by ID.
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, agent_id, text, embedding, memory_type, tag, created_at, metadata
		FROM memory_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return Entry{}, fmt.Errorf("entry %s not found", id)
	}
	return e, err
}

// Count returns the number of entries stored for a project.
func (s *Store) Count(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_entries WHERE project_id = ?`, projectID).Scan(&n)
	return n, err
}

func (s *Store) fetchByIDs(ctx context.Context, winners []candidate) (map[string]Entry, error) {
	ids := make([]any, len(winners))
	for i, c := range winners {
		ids[i] = c.ID
	}
	query := `SELECT id, project_id, agent_id, text, embedding, memory_type, tag, created_at, metadata
		FROM memory_entries WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, ids...)
	if err != nil {
		return nil, fmt.Errorf("fetching winning entries: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]Entry, len(ids))
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries[e.ID] = e
	}
	return entries, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var e Entry
	var blob []byte
	var typ, createdAt, meta string
	if err := row.Scan(&e.ID, &e.ProjectID, &e.AgentID, &e.Text, &blob, &typ, &e.Tag, &createdAt, &meta); err != nil {
		return Entry{}, err
	}

	embedding, err := decodeVector(blob)
	if err != nil {
		return Entry{}, fmt.Errorf("decoding embedding for %s: %w", e.ID, err)
	}
	e.Embedding = embedding
	e.Type = EntryType(typ)

	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Entry{}, fmt.Errorf("parsing created_at for %s: %w", e.ID, err)
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return Entry{}, fmt.Errorf("parsing metadata for %s: %w", e.ID, err)
		}
	}
	return e, nil
}

// scopeClause builds the WHERE clause enforcing project scoping plus any
// optional filters. ProjectID is always the first predicate.
func scopeClause(projectID, agentID string, typ EntryType, tag string) (string, []any) {
	clauses := []string{"project_id = ?"}
	args := []any{projectID}
	if agentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, agentID)
	}
	if typ != "" {
		clauses = append(clauses, "memory_type = ?")
		args = append(args, string(typ))
	}
	if tag != "" {
		clauses = append(clauses, "tag = ?")
		args = append(args, tag)
	}
	return strings.Join(clauses, " AND "), args
}

// worseThan reports whether a ranks below b: lower score, or equal score and
// older timestamp.
func worseThan(a, b candidate) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// candidateHeap is a min-heap keeping the current top-K candidates, with the
// worst candidate at the root.
type candidateHeap []candidate

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return worseThan(h[i], h[j]) }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// encodeVector serializes a float32 slice to little-endian bytes.
func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector deserializes little-endian bytes into a new float32 slice.
func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeVectorInto decodes into the provided buffer, reusing it between rows.
func decodeVectorInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// cosine computes dot(a,b) / (aNorm * |b|). aNorm is precomputed.
func cosine(a, b []float32, aNorm float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return dot / (aNorm * bNorm)
}
