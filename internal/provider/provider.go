package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Capability identifies a unit of AI-provider work.
type Capability string

const (
	CapabilityEmbedding  Capability = "embedding"
	CapabilitySentiment  Capability = "sentiment"
	CapabilityExtraction Capability = "extraction"
)

// Provider is the uniform interface over one AI backend. An adapter may serve
// any subset of capabilities; unsupported calls return an error immediately.
type Provider interface {
	// Name returns a stable identifier used in call records and logs.
	Name() string

	// Embed returns the embedding vector for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Sentiment scores the emotional tone of the text.
	Sentiment(ctx context.Context, text string) (Sentiment, error)

	// Extract produces themes and insights from qualitative text.
	Extract(ctx context.Context, req ExtractRequest) (Extraction, error)
}

// Sentiment is the outcome of a sentiment scoring call.
// Score is in [-1, 1]: negative values lean negative, positive lean positive.
type Sentiment struct {
	Overall   string             `json:"overall"`
	Score     float64            `json:"score"`
	Breakdown map[string]float64 `json:"breakdown,omitempty"`
}

// Quote is a supporting excerpt with an optional source locator.
type Quote struct {
	Text   string `json:"text"`
	Source string `json:"source,omitempty"`
}

// Theme is a named cluster of related content found in the input.
type Theme struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	Quotes      []Quote  `json:"quotes,omitempty"`
}

// Insight pairs a theme with a representative quote and a short summary.
type Insight struct {
	Theme   string `json:"theme"`
	Quote   string `json:"quote,omitempty"`
	Summary string `json:"summary"`
	Source  string `json:"source,omitempty"`
}

// Extraction is the structured result of an extraction call.
type Extraction struct {
	Summary  string    `json:"summary"`
	Themes   []Theme   `json:"themes"`
	Insights []Insight `json:"insights"`
}

// ExtractRequest carries the input and tuning for an extraction call.
type ExtractRequest struct {
	Text        string
	Approach    string   // analytical approach, e.g. "thematic", "narrative"
	Temperature float64  // 0 means the adapter's default
	Context     []string // prior memory snippets to seed the extraction
}

// CallOutcome classifies a single provider attempt.
type CallOutcome string

const (
	OutcomeSuccess  CallOutcome = "success"
	OutcomeRetried  CallOutcome = "retried"
	OutcomeFallback CallOutcome = "fallback"
	OutcomeFailed   CallOutcome = "failed"
)

// CallRecord describes one provider attempt for observability. Records are
// emitted per attempt and are not persisted beyond logs and recorder hooks.
type CallRecord struct {
	Capability Capability
	Provider   string
	Attempt    int // 1-based
	Latency    time.Duration
	Outcome    CallOutcome
}

// transientError marks a failure as retryable (timeout, rate limit, 5xx).
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so IsTransient reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Transientf is Transient(fmt.Errorf(...)).
func Transientf(format string, args ...any) error {
	return &transientError{err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err represents a failure worth retrying:
// an explicitly marked transient error, a call timeout, or a network timeout.
func IsTransient(err error) bool {
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// invalidOutputError marks a response that failed schema validation.
// The router treats these like transient failures: a resampled call may
// produce valid output.
type invalidOutputError struct {
	err error
}

func (e *invalidOutputError) Error() string { return e.err.Error() }
func (e *invalidOutputError) Unwrap() error { return e.err }

// InvalidOutput wraps err so IsInvalidOutput reports true for it.
func InvalidOutput(err error) error {
	return &invalidOutputError{err: err}
}

// IsInvalidOutput reports whether err is a schema-validation failure.
func IsInvalidOutput(err error) bool {
	var ie *invalidOutputError
	return errors.As(err, &ie)
}

// validSentimentLabels are the only labels adapters may return.
var validSentimentLabels = map[string]bool{
	"positive": true,
	"negative": true,
	"neutral":  true,
	"mixed":    true,
}

// validateSentiment enforces the sentiment output schema. Out-of-range or
// unlabeled outputs count as call failures, never reach the caller.
func validateSentiment(s Sentiment) error {
	if !validSentimentLabels[s.Overall] {
		return fmt.Errorf("invalid sentiment label %q", s.Overall)
	}
	if s.Score < -1 || s.Score > 1 {
		return fmt.Errorf("sentiment score %v outside [-1,1]", s.Score)
	}
	return nil
}

// validateExtraction enforces the minimum extraction output schema.
func validateExtraction(e Extraction) error {
	if len(e.Themes) == 0 && len(e.Insights) == 0 {
		return fmt.Errorf("extraction returned no themes or insights")
	}
	for i, t := range e.Themes {
		if t.Name == "" {
			return fmt.Errorf("theme %d has no name", i)
		}
	}
	return nil
}

// decodeSentiment parses and validates a raw model response as Sentiment.
// All failures are schema-validation failures.
func decodeSentiment(raw string) (Sentiment, error) {
	obj, err := extractJSONObject(raw)
	if err != nil {
		return Sentiment{}, InvalidOutput(err)
	}
	var s Sentiment
	if err := json.Unmarshal([]byte(obj), &s); err != nil {
		return Sentiment{}, InvalidOutput(fmt.Errorf("unmarshal sentiment: %w", err))
	}
	if err := validateSentiment(s); err != nil {
		return Sentiment{}, InvalidOutput(err)
	}
	return s, nil
}

// decodeExtraction parses and validates a raw model response as Extraction.
func decodeExtraction(raw string) (Extraction, error) {
	obj, err := extractJSONObject(raw)
	if err != nil {
		return Extraction{}, InvalidOutput(err)
	}
	var e Extraction
	if err := json.Unmarshal([]byte(obj), &e); err != nil {
		return Extraction{}, InvalidOutput(fmt.Errorf("unmarshal extraction: %w", err))
	}
	if err := validateExtraction(e); err != nil {
		return Extraction{}, InvalidOutput(err)
	}
	return e, nil
}

// extractJSONObject pulls a JSON object out of a raw model response.
// Models frequently wrap JSON in markdown code fences or prepend
// conversational filler, so the parser strips fences first and then
// falls back to brace positions.
func extractJSONObject(resp string) (string, error) {
	s := strings.TrimSpace(resp)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		if strings.HasPrefix(s, "json") {
			s = s[4:]
		}
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return "", fmt.Errorf("no JSON object in response")
	}
	return s[start : end+1], nil
}
