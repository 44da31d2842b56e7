// Package registry resolves project and agent references against the
// external Project/Agent registry. The engine only reads from it: agent
// configuration rides along with each accepted analysis.
package registry

import (
	"context"
	"errors"
)

var (
	// ErrUnknownProject is returned when a project reference cannot be resolved.
	ErrUnknownProject = errors.New("unknown project")
	// ErrUnknownAgent is returned when an agent reference cannot be resolved.
	ErrUnknownAgent = errors.New("unknown agent")
)

// Agent capability names enabled per agent configuration.
const (
	CapSentiment  = "sentiment"
	CapExtraction = "extraction"
)

// Agent is the configuration of one analysis agent within a project.
type Agent struct {
	ID           string   `json:"id"`
	ProjectID    string   `json:"project_id"`
	Name         string   `json:"name,omitempty"`
	Model        string   `json:"model,omitempty"`
	Temperature  float64  `json:"temperature,omitempty"`
	Approach     string   `json:"approach,omitempty"` // analytical approach, e.g. "thematic"
	Capabilities []string `json:"capabilities"`
}

// HasCapability reports whether the agent enables the named capability.
func (a Agent) HasCapability(name string) bool {
	for _, c := range a.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// Registry validates project/agent references and reads agent configuration.
type Registry interface {
	ResolveAgent(ctx context.Context, projectID, agentID string) (Agent, error)
}

// Static is a config-seeded registry for single-node deployments and tests.
type Static struct {
	agents map[string]map[string]Agent // projectID -> agentID -> Agent
}

// NewStatic builds a Static registry from a flat agent list.
func NewStatic(agents []Agent) *Static {
	m := make(map[string]map[string]Agent)
	for _, a := range agents {
		if m[a.ProjectID] == nil {
			m[a.ProjectID] = make(map[string]Agent)
		}
		m[a.ProjectID][a.ID] = a
	}
	return &Static{agents: m}
}

func (s *Static) ResolveAgent(_ context.Context, projectID, agentID string) (Agent, error) {
	project, ok := s.agents[projectID]
	if !ok {
		return Agent{}, ErrUnknownProject
	}
	agent, ok := project[agentID]
	if !ok {
		return Agent{}, ErrUnknownAgent
	}
	return agent, nil
}
