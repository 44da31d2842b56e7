// Package memory is the vector-indexed archive of analysis artifacts.
// Entries are text fragments with fixed-dimension embeddings, scoped to a
// project, and queryable by cosine similarity.
package memory

import (
	"errors"
	"time"
)

// ErrDimensionMismatch is returned when an embedding's dimensionality does
// not match the store's configured dimension. This is a deployment
// configuration error, never a per-record condition.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// EntryType tags what kind of artifact an entry holds.
type EntryType string

const (
	TypeSummary  EntryType = "summary"
	TypeInsight  EntryType = "insight"
	TypeFragment EntryType = "fragment"
)

// Metadata is the typed envelope attached to an entry. Known fields cover
// the common cases; Extra carries anything else without core logic needing
// to reflect over it.
type Metadata struct {
	Source   string            `json:"source,omitempty"`
	Filename string            `json:"filename,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// Entry is one stored memory record. Entries are immutable once written.
type Entry struct {
	ID        string
	ProjectID string
	AgentID   string // optional
	Text      string
	Embedding []float32
	Type      EntryType
	Tag       string // optional free-form label
	CreatedAt time.Time
	Metadata  Metadata
}

// Query scopes a similarity search. ProjectID is mandatory: search never
// crosses project boundaries.
type Query struct {
	Embedding []float32
	ProjectID string
	AgentID   string    // optional filter
	Type      EntryType // optional filter
	Tag       string    // optional filter
	Limit     int       // defaults to 5
	MinScore  float64   // entries scoring below are excluded
}

// Match pairs an entry with its similarity score in [0, 1].
type Match struct {
	Entry Entry
	Score float64
}

// Ref identifies an entry consulted during an analysis.
type Ref struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}
