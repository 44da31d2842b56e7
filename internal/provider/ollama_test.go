package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newOllamaTestServer(t *testing.T, handler http.HandlerFunc) *Ollama {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOllama(srv.URL, "mistral-nemo", "nomic-embed-text")
}

func TestOllamaIsRunning(t *testing.T) {
	a := newOllamaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"models":[]}`))
	})

	if !a.IsRunning(context.Background()) {
		t.Error("IsRunning = false for healthy server")
	}
}

func TestOllamaIsRunningDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	a := NewOllama(url, "mistral-nemo", "nomic-embed-text")
	if a.IsRunning(context.Background()) {
		t.Error("IsRunning = true for closed server")
	}
}

func TestOllamaEmbed(t *testing.T) {
	var gotReq ollamaEmbedRequest

	a := newOllamaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"embeddings": [][]float32{{0.5, -0.5}},
		})
	})

	vec, err := a.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 2 || vec[1] != -0.5 {
		t.Errorf("vec = %v", vec)
	}
	if gotReq.Model != "nomic-embed-text" || gotReq.Input != "hello" {
		t.Errorf("request = %+v", gotReq)
	}
}

func TestOllamaEmbedEmptyResponse(t *testing.T) {
	a := newOllamaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float32{}})
	})

	_, err := a.Embed(context.Background(), "hello")
	if !IsInvalidOutput(err) {
		t.Errorf("err = %v, want invalid-output class", err)
	}
}

func TestOllamaServerErrorIsTransient(t *testing.T) {
	a := newOllamaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := a.Embed(context.Background(), "hello")
	if !IsTransient(err) {
		t.Errorf("err = %v, want transient", err)
	}
}

func TestOllamaConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	a := NewOllama(url, "mistral-nemo", "nomic-embed-text")
	_, err := a.Embed(context.Background(), "hello")
	if !IsTransient(err) {
		t.Errorf("err = %v, want transient", err)
	}
}

func TestOllamaSentimentRequestsSchema(t *testing.T) {
	var gotReq ollamaChatRequest

	a := newOllamaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{
				"role":    "assistant",
				"content": `{"overall":"neutral","score":0}`,
			},
		})
	})

	s, err := a.Sentiment(context.Background(), "the meeting happened")
	if err != nil {
		t.Fatalf("Sentiment: %v", err)
	}
	if s.Overall != "neutral" {
		t.Errorf("got %+v", s)
	}
	if gotReq.Stream {
		t.Error("stream should be false")
	}
	if gotReq.Format == nil {
		t.Error("chat request missing structured format")
	}
	if gotReq.Model != "mistral-nemo" {
		t.Errorf("model = %q", gotReq.Model)
	}
}

func TestOllamaExtract(t *testing.T) {
	a := newOllamaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{
				"role": "assistant",
				"content": `{"summary":"Interviewees distrust auto-updates.",
					"themes":[{"name":"Trust","keywords":["updates"]}],
					"insights":[]}`,
			},
		})
	})

	e, err := a.Extract(context.Background(), ExtractRequest{Text: "transcript", Approach: "thematic"})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(e.Themes) != 1 || e.Themes[0].Name != "Trust" {
		t.Errorf("themes = %+v", e.Themes)
	}
}

func TestOllamaSentimentInvalidContent(t *testing.T) {
	a := newOllamaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{"role": "assistant", "content": `{"overall":"happy","score":0.2}`},
		})
	})

	_, err := a.Sentiment(context.Background(), "x")
	if !IsInvalidOutput(err) {
		t.Errorf("err = %v, want invalid-output class", err)
	}
}
