// Package analysis coordinates the lifecycle of submitted analyses: intake,
// the worker pool that drains the queue, the processing pipeline per job, and
// result assembly with memory write-back.
package analysis

import (
	"context"
	"errors"

	"github.com/qualagents/qualagents/internal/memory"
	"github.com/qualagents/qualagents/internal/provider"
	"github.com/qualagents/qualagents/internal/registry"
	"github.com/qualagents/qualagents/internal/storage"
)

var (
	// ErrInvalidInput marks a submission the engine refuses to accept.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotReady is returned when a result is requested before the analysis
	// reached the completed state.
	ErrNotReady = errors.New("analysis not ready")
)

// Params are the caller-tunable knobs of one submission.
type Params struct {
	Approach    string  `json:"approach,omitempty"`    // thematic, grounded_theory, phenomenological, narrative, discourse
	Temperature float64 `json:"temperature,omitempty"` // 0 uses the agent's configured temperature
	MemoryTag   string  `json:"memory_tag,omitempty"`  // restrict context retrieval to this tag
}

// jobParams is what Submit persists alongside the input text. The resolved
// agent configuration rides along so workers never need the registry.
type jobParams struct {
	Params
	Agent registry.Agent `json:"agent"`
}

// Result is the structured outcome of a completed analysis. It is serialized
// exactly once, at completion; reads return the stored bytes.
type Result struct {
	Summary    string              `json:"summary"`
	Themes     []provider.Theme    `json:"themes"`
	Insights   []provider.Insight  `json:"insights"`
	Sentiment  *provider.Sentiment `json:"sentiment,omitempty"`
	MemoryUsed []memory.Ref        `json:"memory_used,omitempty"`
	Degraded   []string            `json:"degraded,omitempty"` // capabilities skipped after provider exhaustion
}

// Store abstracts the analysis queue operations.
type Store interface {
	CreateAnalysis(an storage.Analysis) error
	GetAnalysis(id string) (storage.Analysis, error)
	ClaimAnalysis() (*storage.Analysis, error)
	CompleteAnalysis(id string, resultJSON []byte) error
	FailAnalysis(id, cause string) error
	GetAnalysisResult(id string) ([]byte, error)
}

// Memory is the slice of the memory store the pipeline needs.
type Memory interface {
	Add(ctx context.Context, e memory.Entry) (string, error)
	Search(ctx context.Context, q memory.Query) ([]memory.Match, error)
}

// Pipeline routes capability calls to AI providers.
type Pipeline interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Sentiment(ctx context.Context, text string) (provider.Sentiment, error)
	Extract(ctx context.Context, req provider.ExtractRequest) (provider.Extraction, error)
}
