package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qualagents/qualagents/internal/memory"
	"github.com/qualagents/qualagents/internal/provider"
	"github.com/qualagents/qualagents/internal/registry"
	"github.com/qualagents/qualagents/internal/storage"
	"github.com/qualagents/qualagents/internal/stream"
)

// Run drains the queue with the configured number of workers until ctx is
// cancelled. It always returns nil after all workers have stopped.
func (o *Orchestrator) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	for i := 0; i < o.opts.Workers; i++ {
		g.Go(func() error {
			o.runWorker(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (o *Orchestrator) runWorker(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		claimed, err := o.RunOnce(ctx)
		if err != nil {
			o.logger.Error("worker iteration failed", "error", err)
		}
		if claimed {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(o.opts.PollInterval):
		}
	}
}

// RunOnce claims and processes a single pending analysis.
// Returns true if one was claimed, regardless of its outcome.
func (o *Orchestrator) RunOnce(ctx context.Context) (bool, error) {
	an, err := o.store.ClaimAnalysis()
	if err != nil {
		return false, fmt.Errorf("claiming analysis: %w", err)
	}
	if an == nil {
		return false, nil
	}

	if o.cancelRequested(an.ID) {
		o.fail(an.ID, "cancelled")
		return true, nil
	}

	o.publishStatus(an.ID, storage.StatusInProgress, "")
	o.process(ctx, an)
	return true, nil
}

func (o *Orchestrator) process(ctx context.Context, an *storage.Analysis) {
	jobCtx, cancel := context.WithTimeout(ctx, o.opts.JobTimeout)
	o.track(an.ID, cancel)
	defer func() {
		cancel()
		o.untrack(an.ID)
	}()

	started := time.Now()
	result, err := o.analyze(jobCtx, an)
	if err != nil {
		o.fail(an.ID, failureCause(jobCtx, err))
		return
	}

	payload, err := json.Marshal(result)
	if err != nil {
		o.fail(an.ID, fmt.Sprintf("encoding result: %v", err))
		return
	}
	if err := o.store.CompleteAnalysis(an.ID, payload); err != nil {
		o.logger.Error("failed to mark analysis completed", "analysis_id", an.ID, "error", err)
		return
	}

	o.logger.Info("analysis completed",
		"analysis_id", an.ID,
		"project_id", an.ProjectID,
		"themes", len(result.Themes),
		"memory_used", len(result.MemoryUsed),
		"duration", time.Since(started))

	o.events.Publish(an.ID, stream.Event{Type: stream.EventResult, Data: payload})
	o.publishStatus(an.ID, storage.StatusCompleted, "")
	o.events.Close(an.ID)

	o.writeBack(an, result)
}

// analyze runs the per-job pipeline: context retrieval and sentiment run
// concurrently, extraction runs once retrieved context is known. Memory and
// sentiment failures degrade the result; extraction failures are fatal.
func (o *Orchestrator) analyze(ctx context.Context, an *storage.Analysis) (*Result, error) {
	var params jobParams
	if err := json.Unmarshal([]byte(an.ParamsJSON), &params); err != nil {
		return nil, fmt.Errorf("decoding params: %w", err)
	}
	agent := params.Agent

	approach := params.Approach
	if approach == "" {
		approach = agent.Approach
	}
	if approach == "" {
		approach = o.opts.DefaultApproach
	}
	temperature := params.Temperature
	if temperature == 0 {
		temperature = agent.Temperature
	}

	var (
		queryVec  []float32
		sentiment *provider.Sentiment
		degraded  []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vec, err := o.pipeline.Embed(gctx, an.InputText)
		if err != nil {
			// Retrieval becomes unavailable; the analysis proceeds without
			// prior context.
			o.logger.Warn("context embedding unavailable", "analysis_id", an.ID, "error", err)
			return nil
		}
		queryVec = vec
		return nil
	})
	if agent.HasCapability(registry.CapSentiment) {
		g.Go(func() error {
			s, err := o.pipeline.Sentiment(gctx, an.InputText)
			if err != nil {
				o.logger.Warn("sentiment unavailable", "analysis_id", an.ID, "error", err)
				return nil
			}
			sentiment = &s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var (
		snippets []string
		refs     []memory.Ref
	)
	if queryVec != nil {
		matches, err := o.memory.Search(ctx, memory.Query{
			Embedding: queryVec,
			ProjectID: an.ProjectID,
			AgentID:   an.AgentID,
			Tag:       params.MemoryTag,
			Limit:     o.opts.MemoryTopK,
			MinScore:  o.opts.MemoryMinScore,
		})
		if err != nil {
			o.logger.Warn("memory retrieval failed", "analysis_id", an.ID, "error", err)
			degraded = append(degraded, "memory")
		} else {
			for _, m := range matches {
				snippets = append(snippets, m.Entry.Text)
				refs = append(refs, memory.Ref{ID: m.Entry.ID, Score: m.Score})
			}
		}
	} else {
		degraded = append(degraded, "memory")
	}
	if agent.HasCapability(registry.CapSentiment) && sentiment == nil {
		degraded = append(degraded, "sentiment")
	}

	result := &Result{
		Sentiment:  sentiment,
		MemoryUsed: refs,
		Degraded:   degraded,
	}

	if agent.HasCapability(registry.CapExtraction) {
		extraction, err := o.pipeline.Extract(ctx, provider.ExtractRequest{
			Text:        an.InputText,
			Approach:    approach,
			Temperature: temperature,
			Context:     snippets,
		})
		if err != nil {
			return nil, fmt.Errorf("extraction: %w", err)
		}
		result.Summary = extraction.Summary
		result.Themes = extraction.Themes
		result.Insights = extraction.Insights
	}

	return result, nil
}

// writeBack persists the analysis summary and its insights as memory entries
// for future retrieval. Failures are logged; the analysis is already complete.
func (o *Orchestrator) writeBack(an *storage.Analysis, result *Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	type pending struct {
		text string
		typ  memory.EntryType
		tag  string
	}
	var items []pending
	if result.Summary != "" {
		items = append(items, pending{text: result.Summary, typ: memory.TypeSummary})
	}
	for _, in := range result.Insights {
		if in.Summary == "" {
			continue
		}
		items = append(items, pending{text: in.Summary, typ: memory.TypeInsight, tag: in.Theme})
	}
	if len(items) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, item := range items {
		g.Go(func() error {
			vec, err := o.pipeline.Embed(gctx, item.text)
			if err != nil {
				return fmt.Errorf("embedding %s entry: %w", item.typ, err)
			}
			_, err = o.memory.Add(gctx, memory.Entry{
				ProjectID: an.ProjectID,
				AgentID:   an.AgentID,
				Text:      item.text,
				Embedding: vec,
				Type:      item.typ,
				Tag:       item.tag,
				Metadata:  memory.Metadata{Source: "analysis:" + an.ID},
			})
			if err != nil {
				return fmt.Errorf("storing %s entry: %w", item.typ, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		o.logger.Warn("memory write-back incomplete", "analysis_id", an.ID, "error", err)
	}
}

func (o *Orchestrator) fail(id, cause string) {
	if err := o.store.FailAnalysis(id, cause); err != nil {
		o.logger.Error("failed to mark analysis failed", "analysis_id", id, "error", err)
		return
	}
	o.logger.Warn("analysis failed", "analysis_id", id, "cause", cause)

	data, _ := json.Marshal(map[string]string{"error": cause})
	o.events.Publish(id, stream.Event{Type: stream.EventError, Data: data})
	o.publishStatus(id, storage.StatusFailed, cause)
	o.events.Close(id)
}

// failureCause turns a pipeline error into the persisted failure detail,
// folding context outcomes into stable causes.
func failureCause(ctx context.Context, err error) string {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "timed out"
	case errors.Is(ctx.Err(), context.Canceled), errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return err.Error()
	}
}
