package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a status update targets a row that is
// not in the required source state. Analyses move strictly
// pending → in_progress → completed|failed; terminal states are immutable.
var ErrInvalidTransition = errors.New("invalid status transition")

// Status is the lifecycle state of an analysis.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Analysis is one submitted analysis job tracked through its lifecycle.
// Rows are mutated only through the Store's transition methods.
type Analysis struct {
	ID          string
	ProjectID   string
	AgentID     string
	InputText   string
	ParamsJSON  string // free-form submission parameters, JSON object
	Status      Status
	ErrorDetail string
	CreatedAt   time.Time
	CompletedAt *time.Time // set iff status is terminal
}
