package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qualagents/qualagents/internal/registry"
	"github.com/qualagents/qualagents/internal/storage"
	"github.com/qualagents/qualagents/internal/stream"
)

// Publisher receives progress events for subscribers of an analysis.
type Publisher interface {
	Publish(analysisID string, ev stream.Event)
	Close(analysisID string)
}

// Options tune the orchestrator. Zero values fall back to defaults.
type Options struct {
	Workers         int           // concurrent workers, default 2
	JobTimeout      time.Duration // per-job deadline, default 2m
	PollInterval    time.Duration // queue poll interval, default 500ms
	MemoryTopK      int           // context entries retrieved per job, default 5
	MemoryMinScore  float64       // similarity floor for retrieved context
	DefaultApproach string        // used when neither submission nor agent set one
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 2 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.MemoryTopK <= 0 {
		o.MemoryTopK = 5
	}
	if o.DefaultApproach == "" {
		o.DefaultApproach = "thematic"
	}
}

// Orchestrator accepts analyses, runs the worker pool and serves reads.
type Orchestrator struct {
	store    Store
	memory   Memory
	pipeline Pipeline
	registry registry.Registry
	events   Publisher
	opts     Options
	logger   *slog.Logger

	mu        sync.Mutex
	running   map[string]context.CancelFunc // in-flight job id -> cancel
	cancelled map[string]struct{}           // pending ids cancelled before claim
}

// New wires an Orchestrator. All dependencies are required except events,
// which may be nil when no subscriber surface exists (CLI one-shot use).
func New(store Store, mem Memory, pipeline Pipeline, reg registry.Registry, events Publisher, opts Options, logger *slog.Logger) *Orchestrator {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = noopPublisher{}
	}
	return &Orchestrator{
		store:     store,
		memory:    mem,
		pipeline:  pipeline,
		registry:  reg,
		events:    events,
		opts:      opts,
		logger:    logger,
		running:   make(map[string]context.CancelFunc),
		cancelled: make(map[string]struct{}),
	}
}

// Submit validates the submission, resolves the agent and enqueues a pending
// analysis. It returns as soon as the row is durable; processing happens on
// the worker pool.
func (o *Orchestrator) Submit(ctx context.Context, projectID, agentID, text string, params Params) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: empty input text", ErrInvalidInput)
	}
	if projectID == "" || agentID == "" {
		return "", fmt.Errorf("%w: project and agent references are required", ErrInvalidInput)
	}

	agent, err := o.registry.ResolveAgent(ctx, projectID, agentID)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownProject) || errors.Is(err, registry.ErrUnknownAgent) {
			return "", fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		return "", fmt.Errorf("resolving agent: %w", err)
	}

	payload, err := json.Marshal(jobParams{Params: params, Agent: agent})
	if err != nil {
		return "", fmt.Errorf("encoding params: %w", err)
	}

	an := storage.Analysis{
		ID:         uuid.New().String(),
		ProjectID:  projectID,
		AgentID:    agentID,
		InputText:  text,
		ParamsJSON: string(payload),
	}
	if err := o.store.CreateAnalysis(an); err != nil {
		return "", fmt.Errorf("enqueueing analysis: %w", err)
	}

	o.logger.Info("analysis accepted",
		"analysis_id", an.ID, "project_id", projectID, "agent_id", agentID)
	o.publishStatus(an.ID, storage.StatusPending, "")
	return an.ID, nil
}

// GetJob returns the current lifecycle record of an analysis.
func (o *Orchestrator) GetJob(_ context.Context, id string) (storage.Analysis, error) {
	return o.store.GetAnalysis(id)
}

// GetResult returns the stored result bytes of a completed analysis.
// An analysis still in flight yields ErrNotReady; a failed or unknown one
// yields storage.ErrNotFound.
func (o *Orchestrator) GetResult(_ context.Context, id string) ([]byte, error) {
	an, err := o.store.GetAnalysis(id)
	if err != nil {
		return nil, err
	}
	switch an.Status {
	case storage.StatusPending, storage.StatusInProgress:
		return nil, fmt.Errorf("%w: status is %s", ErrNotReady, an.Status)
	case storage.StatusFailed:
		return nil, fmt.Errorf("%w: analysis failed", storage.ErrNotFound)
	}
	return o.store.GetAnalysisResult(id)
}

// Cancel requests cooperative cancellation. An in-flight job has its
// processing context cancelled; a pending job is failed at claim time.
// Cancelling a terminal or unknown analysis is a no-op.
func (o *Orchestrator) Cancel(id string) {
	o.mu.Lock()
	if cancel, ok := o.running[id]; ok {
		o.mu.Unlock()
		cancel()
		return
	}
	o.mu.Unlock()

	// Mark only analyses still waiting for a worker; anything terminal or
	// unknown would leave a stale mark behind.
	an, err := o.store.GetAnalysis(id)
	if err != nil || an.Status != storage.StatusPending {
		return
	}
	o.mu.Lock()
	o.cancelled[id] = struct{}{}
	o.mu.Unlock()
}

// cancelRequested reports and clears a pre-claim cancellation mark.
func (o *Orchestrator) cancelRequested(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.cancelled[id]; ok {
		delete(o.cancelled, id)
		return true
	}
	return false
}

func (o *Orchestrator) track(id string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.running[id] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(id string) {
	o.mu.Lock()
	delete(o.running, id)
	delete(o.cancelled, id)
	o.mu.Unlock()
}

func (o *Orchestrator) publishStatus(id string, status storage.Status, detail string) {
	data, _ := json.Marshal(map[string]string{
		"id":     id,
		"status": string(status),
		"detail": detail,
	})
	o.events.Publish(id, stream.Event{Type: stream.EventStatus, Data: data})
}

type noopPublisher struct{}

func (noopPublisher) Publish(string, stream.Event) {}
func (noopPublisher) Close(string)                 {}
