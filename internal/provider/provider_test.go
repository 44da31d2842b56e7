package provider

import (
	"errors"
	"strings"
	"testing"
)

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"bare object", `{"overall":"positive"}`, `{"overall":"positive"}`, false},
		{"code fence", "```json\n{\"overall\":\"neutral\"}\n```", `{"overall":"neutral"}`, false},
		{"fence without language", "```\n{\"score\":0.5}\n```", `{"score":0.5}`, false},
		{"leading filler", `Sure, here is the JSON: {"score": 1}`, `{"score": 1}`, false},
		{"trailing filler", `{"score": 1} Hope that helps!`, `{"score": 1}`, false},
		{"no object", "I cannot analyze that.", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractJSONObject(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("extractJSONObject(%q) = %q, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("extractJSONObject(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("extractJSONObject(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestDecodeSentiment(t *testing.T) {
	s, err := decodeSentiment(`{"overall":"mixed","score":-0.3,"breakdown":{"pricing":-0.8,"support":0.4}}`)
	if err != nil {
		t.Fatalf("decodeSentiment: %v", err)
	}
	if s.Overall != "mixed" || s.Score != -0.3 {
		t.Errorf("got %+v", s)
	}
	if s.Breakdown["pricing"] != -0.8 {
		t.Errorf("Breakdown = %v", s.Breakdown)
	}
}

func TestDecodeSentimentInvalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"bad label", `{"overall":"ecstatic","score":0.9}`},
		{"score above range", `{"overall":"positive","score":1.5}`},
		{"score below range", `{"overall":"negative","score":-2}`},
		{"not json", "the text is positive"},
		{"wrong types", `{"overall":"positive","score":"high"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeSentiment(tt.raw)
			if err == nil {
				t.Fatal("expected error")
			}
			if !IsInvalidOutput(err) {
				t.Errorf("err = %v, want invalid-output class", err)
			}
		})
	}
}

func TestDecodeExtraction(t *testing.T) {
	raw := "```json\n" + `{
		"summary": "Participants struggled with onboarding.",
		"themes": [{"name": "Onboarding friction", "keywords": ["confusing", "slow"], "quotes": [{"text": "I got lost on step two"}]}],
		"insights": [{"theme": "Onboarding friction", "summary": "The second step loses users."}]
	}` + "\n```"

	e, err := decodeExtraction(raw)
	if err != nil {
		t.Fatalf("decodeExtraction: %v", err)
	}
	if e.Summary == "" || len(e.Themes) != 1 || len(e.Insights) != 1 {
		t.Errorf("got %+v", e)
	}
	if e.Themes[0].Name != "Onboarding friction" {
		t.Errorf("theme = %+v", e.Themes[0])
	}
}

func TestDecodeExtractionInvalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty result", `{"summary":"x","themes":[],"insights":[]}`},
		{"unnamed theme", `{"summary":"x","themes":[{"description":"no name"}]}`},
		{"not json", "no structure here"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeExtraction(tt.raw)
			if err == nil {
				t.Fatal("expected error")
			}
			if !IsInvalidOutput(err) {
				t.Errorf("err = %v, want invalid-output class", err)
			}
		})
	}
}

func TestErrorClassification(t *testing.T) {
	plain := errors.New("model not found")
	if IsTransient(plain) {
		t.Error("plain error classified transient")
	}
	if !IsTransient(Transient(plain)) {
		t.Error("wrapped transient not recognized")
	}
	if !IsTransient(Transientf("status %d", 503)) {
		t.Error("Transientf not recognized")
	}
	if IsInvalidOutput(Transient(plain)) {
		t.Error("transient classified as invalid output")
	}
	if !IsInvalidOutput(InvalidOutput(plain)) {
		t.Error("InvalidOutput not recognized")
	}
	if Transient(nil) != nil {
		t.Error("Transient(nil) should be nil")
	}
}

func TestExtractionSystemPromptByApproach(t *testing.T) {
	tests := []struct {
		approach string
		want     string
	}{
		{"grounded_theory", "grounded theory"},
		{"Grounded Theory", "grounded theory"},
		{"narrative", "narrative analyst"},
		{"", "thematic analysis"},
		{"unknown", "thematic analysis"},
	}

	for _, tt := range tests {
		got := extractionSystemPrompt(tt.approach)
		if !strings.Contains(got, tt.want) {
			t.Errorf("extractionSystemPrompt(%q) = %q, want it to mention %q", tt.approach, got, tt.want)
		}
	}
}
