// Package router maps capability calls onto configured provider adapters and
// enforces the per-capability retry and fallback policy.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
	"unicode/utf8"

	"github.com/qualagents/qualagents/internal/provider"
)

// ErrProviderExhausted is returned when every provider in a capability's
// preference list has been exhausted.
var ErrProviderExhausted = errors.New("all providers exhausted")

// ErrNoRoute is returned when a capability has no configured route.
var ErrNoRoute = errors.New("no route configured for capability")

// Mode selects how a route picks its starting provider.
type Mode string

const (
	// ModeSingle uses only the first provider, no fallback.
	ModeSingle Mode = "single"
	// ModeOrdered tries providers in list order.
	ModeOrdered Mode = "ordered"
	// ModeHybrid starts short inputs at the first (cost-reduced) provider and
	// long inputs at the last (premium) provider, falling back across the rest.
	ModeHybrid Mode = "hybrid"
)

const (
	defaultMaxRetries  = 2
	defaultCallTimeout = 30 * time.Second
	initialBackoff     = 300 * time.Millisecond
)

// Route is the per-capability provider policy.
type Route struct {
	Mode        Mode
	Providers   []provider.Provider // preference order: cost-reduced first, premium last
	MaxRetries  int                 // additional attempts per provider; defaults to 2
	CallTimeout time.Duration       // per-attempt deadline; defaults to 30s
}

// Recorder receives one CallRecord per provider attempt.
type Recorder func(provider.CallRecord)

// Router dispatches capability calls to providers with retry and fallback.
type Router struct {
	routes      map[provider.Capability]Route
	maxLocalLen int // hybrid mode length threshold, in runes
	embedDims   int // expected embedding dimension, 0 disables the check
	recorder    Recorder
	logger      *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithRecorder sets a hook receiving every call record.
func WithRecorder(r Recorder) Option {
	return func(rt *Router) { rt.recorder = r }
}

// WithHybridThreshold sets the rune-length threshold below which hybrid-mode
// calls start at the cost-reduced provider. Defaults to 2000.
func WithHybridThreshold(n int) Option {
	return func(rt *Router) {
		if n > 0 {
			rt.maxLocalLen = n
		}
	}
}

// WithEmbedDimensions sets the dimension every embedding response must have.
// A vector of any other length fails schema validation and counts as a failed
// attempt, like any other invalid output. Zero disables the check.
func WithEmbedDimensions(n int) Option {
	return func(rt *Router) { rt.embedDims = n }
}

// New creates a Router over the given per-capability routes.
func New(routes map[provider.Capability]Route, opts ...Option) *Router {
	r := &Router{
		routes:      routes,
		maxLocalLen: 2000,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Embed routes an embedding call.
func (r *Router) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := r.call(ctx, provider.CapabilityEmbedding, text, func(ctx context.Context, p provider.Provider) error {
		v, err := p.Embed(ctx, text)
		if err != nil {
			return err
		}
		if r.embedDims > 0 && len(v) != r.embedDims {
			return provider.InvalidOutput(fmt.Errorf("%s: embedding has %d dimensions, want %d", p.Name(), len(v), r.embedDims))
		}
		vec = v
		return nil
	})
	return vec, err
}

// Sentiment routes a sentiment scoring call.
func (r *Router) Sentiment(ctx context.Context, text string) (provider.Sentiment, error) {
	var s provider.Sentiment
	err := r.call(ctx, provider.CapabilitySentiment, text, func(ctx context.Context, p provider.Provider) error {
		out, err := p.Sentiment(ctx, text)
		if err != nil {
			return err
		}
		s = out
		return nil
	})
	return s, err
}

// Extract routes a structured extraction call.
func (r *Router) Extract(ctx context.Context, req provider.ExtractRequest) (provider.Extraction, error) {
	var e provider.Extraction
	err := r.call(ctx, provider.CapabilityExtraction, req.Text, func(ctx context.Context, p provider.Provider) error {
		out, err := p.Extract(ctx, req)
		if err != nil {
			return err
		}
		e = out
		return nil
	})
	return e, err
}

// call runs fn against providers in preference order, retrying transient and
// invalid-output failures per provider before falling back to the next one.
func (r *Router) call(ctx context.Context, cap provider.Capability, input string, fn func(context.Context, provider.Provider) error) error {
	route, ok := r.routes[cap]
	if !ok || len(route.Providers) == 0 {
		return fmt.Errorf("%w: %s", ErrNoRoute, cap)
	}

	maxRetries := route.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	callTimeout := route.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}

	order := r.order(route, input)
	var lastErr error

	for pi, p := range order {
		lastProvider := pi == len(order)-1
		for attempt := 1; ; attempt++ {
			callCtx, cancel := context.WithTimeout(ctx, callTimeout)
			start := time.Now()
			err := fn(callCtx, p)
			latency := time.Since(start)
			cancel()

			if err == nil {
				r.record(cap, p.Name(), attempt, latency, provider.OutcomeSuccess)
				return nil
			}
			lastErr = err

			// The job's own context ending is not a provider failure.
			if ctx.Err() != nil {
				r.record(cap, p.Name(), attempt, latency, provider.OutcomeFailed)
				return ctx.Err()
			}

			retryable := provider.IsTransient(err) || provider.IsInvalidOutput(err)
			if retryable && attempt <= maxRetries {
				r.record(cap, p.Name(), attempt, latency, provider.OutcomeRetried)
				if err := sleepBackoff(ctx, attempt); err != nil {
					return err
				}
				continue
			}

			if lastProvider {
				r.record(cap, p.Name(), attempt, latency, provider.OutcomeFailed)
			} else {
				r.record(cap, p.Name(), attempt, latency, provider.OutcomeFallback)
			}
			break
		}
	}

	return fmt.Errorf("%w: %s: %w", ErrProviderExhausted, cap, lastErr)
}

// order resolves the provider preference order for one call.
func (r *Router) order(route Route, input string) []provider.Provider {
	ps := route.Providers
	switch route.Mode {
	case ModeSingle:
		return ps[:1]
	case ModeHybrid:
		if len(ps) < 2 || utf8.RuneCountInString(input) <= r.maxLocalLen {
			return ps
		}
		// Long input: lead with the premium provider, keep the rest as fallback.
		reordered := make([]provider.Provider, 0, len(ps))
		reordered = append(reordered, ps[len(ps)-1])
		reordered = append(reordered, ps[:len(ps)-1]...)
		return reordered
	default:
		return ps
	}
}

func (r *Router) record(cap provider.Capability, name string, attempt int, latency time.Duration, outcome provider.CallOutcome) {
	rec := provider.CallRecord{
		Capability: cap,
		Provider:   name,
		Attempt:    attempt,
		Latency:    latency,
		Outcome:    outcome,
	}
	r.logger.Debug("provider call",
		"capability", string(rec.Capability),
		"provider", rec.Provider,
		"attempt", rec.Attempt,
		"latency_ms", rec.Latency.Milliseconds(),
		"outcome", string(rec.Outcome),
	)
	if r.recorder != nil {
		r.recorder(rec)
	}
}

// sleepBackoff waits before the next retry attempt, growing exponentially.
func sleepBackoff(ctx context.Context, attempt int) error {
	backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt-1)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoff):
		return nil
	}
}
