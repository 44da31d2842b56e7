package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestAnalysis(id string) Analysis {
	return Analysis{
		ID:        id,
		ProjectID: "proj-1",
		AgentID:   "agent-1",
		InputText: "the onboarding flow felt confusing to most participants",
	}
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{
		"idx_analyses_status",
		"idx_analyses_project",
		"idx_memory_project",
		"idx_memory_project_type",
	}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying index %s: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %s not found", idx)
		}
	}
}

func TestCreateAndGetAnalysis(t *testing.T) {
	s := openTestStore(t)

	an := newTestAnalysis("a1")
	if err := s.CreateAnalysis(an); err != nil {
		t.Fatalf("CreateAnalysis: %v", err)
	}

	got, err := s.GetAnalysis("a1")
	if err != nil {
		t.Fatalf("GetAnalysis: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("Status = %q, want %q", got.Status, StatusPending)
	}
	if got.ParamsJSON != "{}" {
		t.Errorf("ParamsJSON = %q, want default {}", got.ParamsJSON)
	}
	if got.CompletedAt != nil {
		t.Errorf("CompletedAt set on pending analysis")
	}
	if got.InputText != an.InputText {
		t.Errorf("InputText = %q, want %q", got.InputText, an.InputText)
	}
}

func TestGetAnalysisNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetAnalysis("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestClaimAnalysisOldestFirst(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		an := newTestAnalysis(fmt.Sprintf("a%d", i))
		an.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := s.CreateAnalysis(an); err != nil {
			t.Fatalf("CreateAnalysis: %v", err)
		}
	}

	claimed, err := s.ClaimAnalysis()
	if err != nil {
		t.Fatalf("ClaimAnalysis: %v", err)
	}
	if claimed == nil {
		t.Fatal("expected a claimed analysis")
	}
	if claimed.ID != "a0" {
		t.Errorf("claimed %s, want oldest a0", claimed.ID)
	}
	if claimed.Status != StatusInProgress {
		t.Errorf("Status = %q, want %q", claimed.Status, StatusInProgress)
	}
}

// TestClaimAnalysisSingleWinner drains the queue and verifies each analysis is
// claimed exactly once.
func TestClaimAnalysisSingleWinner(t *testing.T) {
	s := openTestStore(t)

	const n = 5
	for i := 0; i < n; i++ {
		if err := s.CreateAnalysis(newTestAnalysis(fmt.Sprintf("a%d", i))); err != nil {
			t.Fatalf("CreateAnalysis: %v", err)
		}
	}

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		claimed, err := s.ClaimAnalysis()
		if err != nil {
			t.Fatalf("ClaimAnalysis: %v", err)
		}
		if claimed == nil {
			t.Fatalf("queue drained early after %d claims", i)
		}
		if seen[claimed.ID] {
			t.Errorf("analysis %s claimed twice", claimed.ID)
		}
		seen[claimed.ID] = true
	}

	claimed, err := s.ClaimAnalysis()
	if err != nil {
		t.Fatalf("ClaimAnalysis on empty queue: %v", err)
	}
	if claimed != nil {
		t.Errorf("expected nil on empty queue, got %s", claimed.ID)
	}
}

func TestCompleteAnalysis(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateAnalysis(newTestAnalysis("a1")); err != nil {
		t.Fatalf("CreateAnalysis: %v", err)
	}
	if _, err := s.ClaimAnalysis(); err != nil {
		t.Fatalf("ClaimAnalysis: %v", err)
	}

	result := []byte(`{"summary":"participants found onboarding confusing"}`)
	if err := s.CompleteAnalysis("a1", result); err != nil {
		t.Fatalf("CompleteAnalysis: %v", err)
	}

	an, err := s.GetAnalysis("a1")
	if err != nil {
		t.Fatalf("GetAnalysis: %v", err)
	}
	if an.Status != StatusCompleted {
		t.Errorf("Status = %q, want %q", an.Status, StatusCompleted)
	}
	if an.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	got, err := s.GetAnalysisResult("a1")
	if err != nil {
		t.Fatalf("GetAnalysisResult: %v", err)
	}
	if string(got) != string(result) {
		t.Errorf("result = %s, want %s", got, result)
	}

	// Reads must return the stored bytes unchanged.
	again, err := s.GetAnalysisResult("a1")
	if err != nil {
		t.Fatalf("second GetAnalysisResult: %v", err)
	}
	if string(again) != string(got) {
		t.Errorf("result changed between reads: %s vs %s", got, again)
	}
}

func TestFailAnalysisIsTerminal(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateAnalysis(newTestAnalysis("a1")); err != nil {
		t.Fatalf("CreateAnalysis: %v", err)
	}
	if _, err := s.ClaimAnalysis(); err != nil {
		t.Fatalf("ClaimAnalysis: %v", err)
	}
	if err := s.FailAnalysis("a1", "extraction: provider exhausted"); err != nil {
		t.Fatalf("FailAnalysis: %v", err)
	}

	an, err := s.GetAnalysis("a1")
	if err != nil {
		t.Fatalf("GetAnalysis: %v", err)
	}
	if an.Status != StatusFailed {
		t.Errorf("Status = %q, want %q", an.Status, StatusFailed)
	}
	if an.ErrorDetail != "extraction: provider exhausted" {
		t.Errorf("ErrorDetail = %q", an.ErrorDetail)
	}

	// A failed analysis never re-enters the queue.
	claimed, err := s.ClaimAnalysis()
	if err != nil {
		t.Fatalf("ClaimAnalysis: %v", err)
	}
	if claimed != nil {
		t.Errorf("failed analysis %s was re-claimed", claimed.ID)
	}

	// And cannot transition again.
	if err := s.CompleteAnalysis("a1", []byte("{}")); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("CompleteAnalysis after fail: err = %v, want ErrInvalidTransition", err)
	}
}

func TestTransitionGuards(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateAnalysis(newTestAnalysis("a1")); err != nil {
		t.Fatalf("CreateAnalysis: %v", err)
	}

	// pending may not jump straight to a terminal state.
	if err := s.CompleteAnalysis("a1", []byte("{}")); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("CompleteAnalysis on pending: err = %v, want ErrInvalidTransition", err)
	}
	if err := s.FailAnalysis("a1", "boom"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("FailAnalysis on pending: err = %v, want ErrInvalidTransition", err)
	}

	// Unknown rows yield ErrNotFound.
	if err := s.FailAnalysis("missing", "boom"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FailAnalysis on missing: err = %v, want ErrNotFound", err)
	}
}

func TestGetAnalysisResultNotReadyRows(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateAnalysis(newTestAnalysis("a1")); err != nil {
		t.Fatalf("CreateAnalysis: %v", err)
	}

	if _, err := s.GetAnalysisResult("a1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("result for pending analysis: err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetAnalysisResult("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("result for missing analysis: err = %v, want ErrNotFound", err)
	}
}

func TestListAnalysesByProject(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		an := newTestAnalysis(fmt.Sprintf("a%d", i))
		an.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := s.CreateAnalysis(an); err != nil {
			t.Fatalf("CreateAnalysis: %v", err)
		}
	}
	other := newTestAnalysis("other")
	other.ProjectID = "proj-2"
	if err := s.CreateAnalysis(other); err != nil {
		t.Fatalf("CreateAnalysis: %v", err)
	}

	list, err := s.ListAnalysesByProject("proj-1", 10, 0)
	if err != nil {
		t.Fatalf("ListAnalysesByProject: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("got %d analyses, want 3", len(list))
	}
	if list[0].ID != "a2" {
		t.Errorf("first = %s, want newest a2", list[0].ID)
	}
	for _, an := range list {
		if an.ProjectID != "proj-1" {
			t.Errorf("listed analysis %s belongs to %s", an.ID, an.ProjectID)
		}
	}
}
