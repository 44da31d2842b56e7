package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const openaiDefaultBaseURL = "https://api.openai.com/v1"

// OpenAI is the premium capability adapter backed by the OpenAI API.
// It serves all three capabilities: embeddings via /embeddings, sentiment and
// extraction via /chat/completions with JSON-mode responses.
type OpenAI struct {
	apiKey     string
	baseURL    string
	chatModel  string
	embedModel string
	httpClient *http.Client
}

// NewOpenAI creates an OpenAI adapter with the given API key and models.
func NewOpenAI(apiKey, chatModel, embedModel string) *OpenAI {
	return &OpenAI{
		apiKey:     apiKey,
		baseURL:    openaiDefaultBaseURL,
		chatModel:  chatModel,
		embedModel: embedModel,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// NewOpenAIWithBaseURL creates an adapter pointing at a custom base URL (for testing).
func NewOpenAIWithBaseURL(apiKey, chatModel, embedModel, baseURL string) *OpenAI {
	a := NewOpenAI(apiKey, chatModel, embedModel)
	a.baseURL = strings.TrimRight(baseURL, "/")
	return a
}

func (a *OpenAI) Name() string { return "openai" }

type openaiEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openaiEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the embedding vector for the given text.
func (a *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	var result openaiEmbedResponse
	err := a.post(ctx, "/embeddings", openaiEmbedRequest{Model: a.embedModel, Input: text}, &result)
	if err != nil {
		return nil, err
	}
	if len(result.Data) == 0 || len(result.Data[0].Embedding) == 0 {
		return nil, InvalidOutput(fmt.Errorf("openai: empty embedding response"))
	}
	return result.Data[0].Embedding, nil
}

// Sentiment scores the emotional tone of the text with the chat model at
// temperature zero.
func (a *OpenAI) Sentiment(ctx context.Context, text string) (Sentiment, error) {
	raw, err := a.chat(ctx, sentimentSystemPrompt, sentimentUserPrompt(text), 0)
	if err != nil {
		return Sentiment{}, err
	}

	return decodeSentiment(raw)
}

// Extract produces themes and insights from qualitative text.
func (a *OpenAI) Extract(ctx context.Context, req ExtractRequest) (Extraction, error) {
	temp := req.Temperature
	if temp == 0 {
		temp = 0.2
	}
	raw, err := a.chat(ctx, extractionSystemPrompt(req.Approach), extractionUserPrompt(req), temp)
	if err != nil {
		return Extraction{}, err
	}

	return decodeExtraction(raw)
}

type openaiChatRequest struct {
	Model          string          `json:"model"`
	Messages       []openaiMessage `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type openaiChatResponse struct {
	Choices []struct {
		Message openaiMessage `json:"message"`
	} `json:"choices"`
}

func (a *OpenAI) chat(ctx context.Context, system, user string, temperature float64) (string, error) {
	req := openaiChatRequest{
		Model: a.chatModel,
		Messages: []openaiMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature:    temperature,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	var result openaiChatResponse
	if err := a.post(ctx, "/chat/completions", req, &result); err != nil {
		return "", err
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("openai: empty choices in chat response")
	}
	return result.Choices[0].Message.Content, nil
}

// post sends a JSON request and decodes the JSON response.
// HTTP 429 and 5xx responses are classified as transient.
func (a *OpenAI) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		// Network-level failures are retryable; the request never reached a decision.
		return Transient(fmt.Errorf("openai request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return Transientf("openai: status %d on %s", resp.StatusCode, path)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("openai: status %d on %s: %s", resp.StatusCode, path, string(respBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
