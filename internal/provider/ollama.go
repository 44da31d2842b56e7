package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Ollama is the cost-reduced capability adapter backed by a local Ollama
// instance. Structured outputs are requested via the format field.
type Ollama struct {
	baseURL    string
	chatModel  string
	embedModel string
	httpClient *http.Client
}

// NewOllama creates an Ollama adapter targeting the given base URL.
func NewOllama(baseURL, chatModel, embedModel string) *Ollama {
	return &Ollama{
		baseURL:    strings.TrimRight(baseURL, "/"),
		chatModel:  chatModel,
		embedModel: embedModel,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

func (a *Ollama) Name() string { return "ollama" }

// IsRunning reports whether the local instance responds to GET /api/tags.
func (a *Ollama) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns the embedding vector for the given text.
func (a *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	var result ollamaEmbedResponse
	if err := a.post(ctx, "/api/embed", ollamaEmbedRequest{Model: a.embedModel, Input: text}, &result); err != nil {
		return nil, err
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0]) == 0 {
		return nil, InvalidOutput(fmt.Errorf("ollama: empty embeddings array"))
	}
	return result.Embeddings[0], nil
}

// Sentiment scores the emotional tone of the text with the local chat model.
func (a *Ollama) Sentiment(ctx context.Context, text string) (Sentiment, error) {
	raw, err := a.chat(ctx, sentimentSystemPrompt, sentimentUserPrompt(text), sentimentSchema())
	if err != nil {
		return Sentiment{}, err
	}

	return decodeSentiment(raw)
}

// Extract produces themes and insights from qualitative text.
func (a *Ollama) Extract(ctx context.Context, req ExtractRequest) (Extraction, error) {
	raw, err := a.chat(ctx, extractionSystemPrompt(req.Approach), extractionUserPrompt(req), extractionSchema())
	if err != nil {
		return Extraction{}, err
	}

	return decodeExtraction(raw)
}

// jsonSchema describes the expected structured output for /api/chat.
type jsonSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]schemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

type schemaProperty struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

func sentimentSchema() *jsonSchema {
	return &jsonSchema{
		Type: "object",
		Properties: map[string]schemaProperty{
			"overall":   {Type: "string", Description: "One of: positive, negative, neutral, mixed"},
			"score":     {Type: "number", Description: "Sentiment score in [-1, 1]"},
			"breakdown": {Type: "object", Description: "Optional per-category scores"},
		},
		Required: []string{"overall", "score"},
	}
}

func extractionSchema() *jsonSchema {
	return &jsonSchema{
		Type: "object",
		Properties: map[string]schemaProperty{
			"summary":  {Type: "string", Description: "One-paragraph summary of the text"},
			"themes":   {Type: "array", Description: "Theme objects with name, description, keywords, quotes"},
			"insights": {Type: "array", Description: "Insight objects with theme, quote, summary"},
		},
		Required: []string{"summary", "themes", "insights"},
	}
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   any             `json:"format,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
}

func (a *Ollama) chat(ctx context.Context, system, user string, schema *jsonSchema) (string, error) {
	req := ollamaChatRequest{
		Model: a.chatModel,
		Messages: []ollamaMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Stream: false,
	}
	if schema != nil {
		req.Format = schema
	}

	var result ollamaChatResponse
	if err := a.post(ctx, "/api/chat", req, &result); err != nil {
		return "", err
	}
	return result.Message.Content, nil
}

// post sends a JSON request and decodes the JSON response. Connection
// failures and 5xx responses are classified as transient: a local engine
// that is starting up or overloaded recovers on retry.
func (a *Ollama) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return Transient(fmt.Errorf("ollama request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Transientf("ollama: status %d on %s", resp.StatusCode, path)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama: status %d on %s", resp.StatusCode, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
