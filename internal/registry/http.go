package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPRegistry resolves agents against a remote registry service.
type HTTPRegistry struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTP creates a registry client for the service at baseURL. The token,
// when non-empty, is sent as a bearer credential.
func NewHTTP(baseURL, token string) *HTTPRegistry {
	return &HTTPRegistry{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type registryError struct {
	Error string `json:"error"`
}

func (r *HTTPRegistry) ResolveAgent(ctx context.Context, projectID, agentID string) (Agent, error) {
	url := fmt.Sprintf("%s/v1/projects/%s/agents/%s", r.baseURL, projectID, agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Agent{}, fmt.Errorf("build registry request: %w", err)
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Agent{}, fmt.Errorf("resolve agent %s/%s: %w", projectID, agentID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Agent{}, fmt.Errorf("read registry response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		var re registryError
		if json.Unmarshal(body, &re) == nil && strings.Contains(re.Error, "project") {
			return Agent{}, ErrUnknownProject
		}
		return Agent{}, ErrUnknownAgent
	default:
		return Agent{}, fmt.Errorf("registry returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var agent Agent
	if err := json.Unmarshal(body, &agent); err != nil {
		return Agent{}, fmt.Errorf("decode agent: %w", err)
	}
	if agent.ID == "" {
		agent.ID = agentID
	}
	if agent.ProjectID == "" {
		agent.ProjectID = projectID
	}
	return agent, nil
}
