package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/qualagents/qualagents/internal/memory"
	"github.com/qualagents/qualagents/internal/provider"
	"github.com/qualagents/qualagents/internal/registry"
	"github.com/qualagents/qualagents/internal/storage"
	"github.com/qualagents/qualagents/internal/stream"
)

// fakeStore is an in-memory Store that mimics the SQLite transition guards.
type fakeStore struct {
	mu       sync.Mutex
	analyses map[string]*storage.Analysis
	queue    []string // claim order
	results  map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		analyses: make(map[string]*storage.Analysis),
		results:  make(map[string][]byte),
	}
}

func (s *fakeStore) CreateAnalysis(an storage.Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	an.Status = storage.StatusPending
	an.CreatedAt = time.Now()
	s.analyses[an.ID] = &an
	s.queue = append(s.queue, an.ID)
	return nil
}

func (s *fakeStore) GetAnalysis(id string) (storage.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	an, ok := s.analyses[id]
	if !ok {
		return storage.Analysis{}, storage.ErrNotFound
	}
	return *an, nil
}

func (s *fakeStore) ClaimAnalysis() (*storage.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.queue {
		an := s.analyses[id]
		if an.Status != storage.StatusPending {
			continue
		}
		an.Status = storage.StatusInProgress
		claimed := *an
		return &claimed, nil
	}
	return nil, nil
}

func (s *fakeStore) CompleteAnalysis(id string, resultJSON []byte) error {
	return s.finish(id, storage.StatusCompleted, "", resultJSON)
}

func (s *fakeStore) FailAnalysis(id, cause string) error {
	return s.finish(id, storage.StatusFailed, cause, nil)
}

func (s *fakeStore) finish(id string, status storage.Status, detail string, resultJSON []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	an, ok := s.analyses[id]
	if !ok {
		return storage.ErrNotFound
	}
	if an.Status != storage.StatusInProgress {
		return fmt.Errorf("%w: %s is %s", storage.ErrInvalidTransition, id, an.Status)
	}
	an.Status = status
	an.ErrorDetail = detail
	now := time.Now()
	an.CompletedAt = &now
	if resultJSON != nil {
		s.results[id] = resultJSON
	}
	return nil
}

func (s *fakeStore) GetAnalysisResult(id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.results[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return res, nil
}

// fakeMemory records writes and serves canned matches.
type fakeMemory struct {
	mu        sync.Mutex
	added     []memory.Entry
	matches   []memory.Match
	lastQuery memory.Query
	searchErr error
}

func (m *fakeMemory) Add(_ context.Context, e memory.Entry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added = append(m.added, e)
	return fmt.Sprintf("m%d", len(m.added)), nil
}

func (m *fakeMemory) Search(_ context.Context, q memory.Query) ([]memory.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastQuery = q
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	return m.matches, nil
}

func (m *fakeMemory) entries() []memory.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]memory.Entry(nil), m.added...)
}

// fakePipeline returns canned capability results or errors.
type fakePipeline struct {
	mu           sync.Mutex
	embedErr     error
	sentimentErr error
	extractErr   error
	extraction   provider.Extraction
	lastExtract  provider.ExtractRequest
	extractCalls int
}

func (p *fakePipeline) Embed(_ context.Context, text string) ([]float32, error) {
	if p.embedErr != nil {
		return nil, p.embedErr
	}
	return []float32{1, 0, 0}, nil
}

func (p *fakePipeline) Sentiment(_ context.Context, _ string) (provider.Sentiment, error) {
	if p.sentimentErr != nil {
		return provider.Sentiment{}, p.sentimentErr
	}
	return provider.Sentiment{Overall: "positive", Score: 0.6}, nil
}

func (p *fakePipeline) Extract(_ context.Context, req provider.ExtractRequest) (provider.Extraction, error) {
	p.mu.Lock()
	p.lastExtract = req
	p.extractCalls++
	p.mu.Unlock()
	if p.extractErr != nil {
		return provider.Extraction{}, p.extractErr
	}
	return p.extraction, nil
}

// recordingPublisher captures the event stream per analysis.
type recordingPublisher struct {
	mu     sync.Mutex
	events map[string][]stream.Event
	closed map[string]bool
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{
		events: make(map[string][]stream.Event),
		closed: make(map[string]bool),
	}
}

func (p *recordingPublisher) Publish(id string, ev stream.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[id] = append(p.events[id], ev)
}

func (p *recordingPublisher) Close(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed[id] = true
}

func (p *recordingPublisher) types(id string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events[id] {
		out = append(out, ev.Type)
	}
	return out
}

type testEnv struct {
	orch   *Orchestrator
	store  *fakeStore
	memory *fakeMemory
	pipe   *fakePipeline
	events *recordingPublisher
}

func defaultAgent() registry.Agent {
	return registry.Agent{
		ID:           "agent-1",
		ProjectID:    "proj-1",
		Approach:     "thematic",
		Temperature:  0.4,
		Capabilities: []string{registry.CapSentiment, registry.CapExtraction},
	}
}

func newTestEnv(t *testing.T, agents ...registry.Agent) *testEnv {
	t.Helper()
	if len(agents) == 0 {
		agents = []registry.Agent{defaultAgent()}
	}
	env := &testEnv{
		store:  newFakeStore(),
		memory: &fakeMemory{},
		pipe: &fakePipeline{
			extraction: provider.Extraction{
				Summary: "Participants value speed.",
				Themes:  []provider.Theme{{Name: "Performance"}},
				Insights: []provider.Insight{
					{Theme: "Performance", Summary: "Slow loads drive churn."},
				},
			},
		},
		events: newRecordingPublisher(),
	}
	env.orch = New(env.store, env.memory, env.pipe, registry.NewStatic(agents), env.events,
		Options{Workers: 1, PollInterval: 5 * time.Millisecond}, nil)
	return env
}

func (env *testEnv) submit(t *testing.T, params Params) string {
	t.Helper()
	id, err := env.orch.Submit(context.Background(), "proj-1", "agent-1", "interview transcript", params)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return id
}

func (env *testEnv) runOnce(t *testing.T) {
	t.Helper()
	claimed, err := env.orch.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !claimed {
		t.Fatal("RunOnce claimed nothing")
	}
}

func TestSubmitEnqueuesPending(t *testing.T) {
	env := newTestEnv(t)

	id := env.submit(t, Params{Approach: "narrative"})

	an, err := env.orch.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if an.Status != storage.StatusPending {
		t.Errorf("Status = %q, want pending", an.Status)
	}

	// The resolved agent rides along with the job.
	var params jobParams
	if err := json.Unmarshal([]byte(an.ParamsJSON), &params); err != nil {
		t.Fatalf("decoding stored params: %v", err)
	}
	if params.Agent.ID != "agent-1" || params.Approach != "narrative" {
		t.Errorf("stored params = %+v", params)
	}

	if got := env.events.types(id); len(got) != 1 || got[0] != stream.EventStatus {
		t.Errorf("events = %v, want one status event", got)
	}
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name                     string
		projectID, agentID, text string
	}{
		{"empty text", "proj-1", "agent-1", "   "},
		{"missing project", "", "agent-1", "text"},
		{"unknown project", "proj-9", "agent-1", "text"},
		{"unknown agent", "proj-1", "agent-9", "text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.orch.Submit(ctx, tt.projectID, tt.agentID, tt.text, Params{})
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestRunOnceCompletesAnalysis(t *testing.T) {
	env := newTestEnv(t)
	env.memory.matches = []memory.Match{
		{Entry: memory.Entry{ID: "m-old", Text: "earlier finding"}, Score: 0.91},
	}

	id := env.submit(t, Params{})
	env.runOnce(t)

	an, _ := env.orch.GetJob(context.Background(), id)
	if an.Status != storage.StatusCompleted {
		t.Fatalf("Status = %q (%s), want completed", an.Status, an.ErrorDetail)
	}

	raw, err := env.orch.GetResult(context.Background(), id)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if result.Summary != "Participants value speed." {
		t.Errorf("Summary = %q", result.Summary)
	}
	if len(result.Themes) != 1 || result.Themes[0].Name != "Performance" {
		t.Errorf("Themes = %+v", result.Themes)
	}
	if result.Sentiment == nil || result.Sentiment.Overall != "positive" {
		t.Errorf("Sentiment = %+v", result.Sentiment)
	}
	if len(result.MemoryUsed) != 1 || result.MemoryUsed[0].ID != "m-old" {
		t.Errorf("MemoryUsed = %+v", result.MemoryUsed)
	}
	if len(result.Degraded) != 0 {
		t.Errorf("Degraded = %v", result.Degraded)
	}

	// Retrieved context feeds the extraction call.
	if got := env.pipe.lastExtract.Context; len(got) != 1 || got[0] != "earlier finding" {
		t.Errorf("extraction context = %v", got)
	}

	types := env.events.types(id)
	want := []string{stream.EventStatus, stream.EventStatus, stream.EventResult, stream.EventStatus}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, types[i], want[i])
		}
	}
	if !env.events.closed[id] {
		t.Error("stream not closed after completion")
	}
}

func TestWriteBackStoresSummaryAndInsights(t *testing.T) {
	env := newTestEnv(t)

	id := env.submit(t, Params{})
	env.runOnce(t)

	entries := env.memory.entries()
	if len(entries) != 2 {
		t.Fatalf("stored %d entries, want summary + insight", len(entries))
	}
	byType := make(map[memory.EntryType]memory.Entry)
	for _, e := range entries {
		byType[e.Type] = e
		if e.ProjectID != "proj-1" || e.AgentID != "agent-1" {
			t.Errorf("entry scope = %s/%s", e.ProjectID, e.AgentID)
		}
		if e.Metadata.Source != "analysis:"+id {
			t.Errorf("Source = %q", e.Metadata.Source)
		}
	}
	if byType[memory.TypeSummary].Text != "Participants value speed." {
		t.Errorf("summary entry = %+v", byType[memory.TypeSummary])
	}
	if in := byType[memory.TypeInsight]; in.Text != "Slow loads drive churn." || in.Tag != "Performance" {
		t.Errorf("insight entry = %+v", in)
	}
}

func TestMemorySearchScoping(t *testing.T) {
	env := newTestEnv(t)

	env.submit(t, Params{MemoryTag: "follow-up"})
	env.runOnce(t)

	q := env.memory.lastQuery
	if q.ProjectID != "proj-1" || q.AgentID != "agent-1" {
		t.Errorf("query scope = %s/%s", q.ProjectID, q.AgentID)
	}
	if q.Tag != "follow-up" {
		t.Errorf("query tag = %q", q.Tag)
	}
	if q.Limit != 5 {
		t.Errorf("query limit = %d, want default 5", q.Limit)
	}
}

func TestExtractionFailureIsFatal(t *testing.T) {
	env := newTestEnv(t)
	env.pipe.extractErr = errors.New("all providers exhausted")

	id := env.submit(t, Params{})
	env.runOnce(t)

	an, _ := env.orch.GetJob(context.Background(), id)
	if an.Status != storage.StatusFailed {
		t.Fatalf("Status = %q, want failed", an.Status)
	}
	if !strings.Contains(an.ErrorDetail, "all providers exhausted") {
		t.Errorf("ErrorDetail = %q", an.ErrorDetail)
	}

	types := env.events.types(id)
	if len(types) == 0 || types[len(types)-2] != stream.EventError {
		t.Errorf("events = %v, want error before final status", types)
	}
	if !env.events.closed[id] {
		t.Error("stream not closed after failure")
	}

	// Nothing is written back for a failed analysis.
	if got := env.memory.entries(); len(got) != 0 {
		t.Errorf("write-back entries = %d, want 0", len(got))
	}
}

func TestSentimentFailureDegrades(t *testing.T) {
	env := newTestEnv(t)
	env.pipe.sentimentErr = errors.New("sentiment providers exhausted")

	id := env.submit(t, Params{})
	env.runOnce(t)

	an, _ := env.orch.GetJob(context.Background(), id)
	if an.Status != storage.StatusCompleted {
		t.Fatalf("Status = %q, want completed", an.Status)
	}

	raw, _ := env.orch.GetResult(context.Background(), id)
	var result Result
	json.Unmarshal(raw, &result)
	if result.Sentiment != nil {
		t.Errorf("Sentiment = %+v, want nil", result.Sentiment)
	}
	if len(result.Degraded) != 1 || result.Degraded[0] != "sentiment" {
		t.Errorf("Degraded = %v", result.Degraded)
	}
	if result.Summary == "" {
		t.Error("extraction should still run")
	}
}

func TestEmbeddingFailureDegradesMemory(t *testing.T) {
	env := newTestEnv(t)
	env.pipe.embedErr = errors.New("embedding providers exhausted")

	id := env.submit(t, Params{})
	env.runOnce(t)

	an, _ := env.orch.GetJob(context.Background(), id)
	if an.Status != storage.StatusCompleted {
		t.Fatalf("Status = %q, want completed", an.Status)
	}

	raw, _ := env.orch.GetResult(context.Background(), id)
	var result Result
	json.Unmarshal(raw, &result)
	found := false
	for _, d := range result.Degraded {
		if d == "memory" {
			found = true
		}
	}
	if !found {
		t.Errorf("Degraded = %v, want memory", result.Degraded)
	}
	if len(result.MemoryUsed) != 0 {
		t.Errorf("MemoryUsed = %+v", result.MemoryUsed)
	}
}

func TestMemorySearchFailureDegrades(t *testing.T) {
	env := newTestEnv(t)
	env.memory.searchErr = errors.New("db locked")

	id := env.submit(t, Params{})
	env.runOnce(t)

	raw, err := env.orch.GetResult(context.Background(), id)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	var result Result
	json.Unmarshal(raw, &result)
	if len(result.Degraded) != 1 || result.Degraded[0] != "memory" {
		t.Errorf("Degraded = %v", result.Degraded)
	}
}

func TestAgentWithoutCapabilitiesSkipsCalls(t *testing.T) {
	agent := defaultAgent()
	agent.Capabilities = nil
	env := newTestEnv(t, agent)

	id := env.submit(t, Params{})
	env.runOnce(t)

	an, _ := env.orch.GetJob(context.Background(), id)
	if an.Status != storage.StatusCompleted {
		t.Fatalf("Status = %q, want completed", an.Status)
	}
	if env.pipe.extractCalls != 0 {
		t.Errorf("extract called %d times for agent without the capability", env.pipe.extractCalls)
	}

	raw, _ := env.orch.GetResult(context.Background(), id)
	var result Result
	json.Unmarshal(raw, &result)
	if result.Summary != "" || result.Sentiment != nil {
		t.Errorf("result = %+v, want empty summary and nil sentiment", result)
	}
}

func TestExtractionUsesAgentDefaults(t *testing.T) {
	env := newTestEnv(t)

	env.submit(t, Params{})
	env.runOnce(t)

	req := env.pipe.lastExtract
	if req.Approach != "thematic" {
		t.Errorf("Approach = %q, want agent default", req.Approach)
	}
	if req.Temperature != 0.4 {
		t.Errorf("Temperature = %v, want agent default", req.Temperature)
	}
}

func TestSubmissionParamsOverrideAgent(t *testing.T) {
	env := newTestEnv(t)

	env.submit(t, Params{Approach: "narrative", Temperature: 0.9})
	env.runOnce(t)

	req := env.pipe.lastExtract
	if req.Approach != "narrative" || req.Temperature != 0.9 {
		t.Errorf("request = %+v", req)
	}
}

func TestResultReadsAreStable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id := env.submit(t, Params{})
	env.runOnce(t)

	first, err := env.orch.GetResult(ctx, id)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	second, err := env.orch.GetResult(ctx, id)
	if err != nil {
		t.Fatalf("GetResult (second read): %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("repeated reads differ:\n%s\n%s", first, second)
	}
}

func TestGetResultLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id := env.submit(t, Params{})
	if _, err := env.orch.GetResult(ctx, id); !errors.Is(err, ErrNotReady) {
		t.Errorf("pending result err = %v, want ErrNotReady", err)
	}

	if _, err := env.orch.GetResult(ctx, "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("unknown result err = %v, want ErrNotFound", err)
	}

	env.pipe.extractErr = errors.New("boom")
	env.runOnce(t)
	if _, err := env.orch.GetResult(ctx, id); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("failed result err = %v, want ErrNotFound", err)
	}
}

func TestCancelBeforeClaim(t *testing.T) {
	env := newTestEnv(t)

	id := env.submit(t, Params{})
	env.orch.Cancel(id)
	env.runOnce(t)

	an, _ := env.orch.GetJob(context.Background(), id)
	if an.Status != storage.StatusFailed {
		t.Fatalf("Status = %q, want failed", an.Status)
	}
	if an.ErrorDetail != "cancelled" {
		t.Errorf("ErrorDetail = %q", an.ErrorDetail)
	}
	if env.pipe.extractCalls != 0 {
		t.Error("pipeline ran for a cancelled analysis")
	}
}

func TestCancelTerminalIsNoop(t *testing.T) {
	env := newTestEnv(t)

	id := env.submit(t, Params{})
	env.runOnce(t)
	env.orch.Cancel(id)

	an, _ := env.orch.GetJob(context.Background(), id)
	if an.Status != storage.StatusCompleted {
		t.Errorf("Status = %q, cancel must not touch a terminal analysis", an.Status)
	}
	if n := len(env.orch.cancelled); n != 0 {
		t.Errorf("%d cancellation marks retained for a terminal analysis", n)
	}
}

func TestCancelUnknownLeavesNoMark(t *testing.T) {
	env := newTestEnv(t)

	env.orch.Cancel("nope")

	if n := len(env.orch.cancelled); n != 0 {
		t.Errorf("%d cancellation marks retained for an unknown analysis", n)
	}
}

func TestRunDrainsQueueAndStops(t *testing.T) {
	env := newTestEnv(t)

	id1 := env.submit(t, Params{})
	id2 := env.submit(t, Params{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.orch.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		an1, _ := env.orch.GetJob(ctx, id1)
		an2, _ := env.orch.GetJob(ctx, id2)
		if an1.Status == storage.StatusCompleted && an2.Status == storage.StatusCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("queue not drained: %s / %s", an1.Status, an2.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
