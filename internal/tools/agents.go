package tools

import (
	"github.com/likesjx/ansible/internal/ansibleerr"
	"github.com/likesjx/ansible/internal/presence"
)

// RegisterAgentRequest is the input to RegisterAgent.
type RegisterAgentRequest struct {
	AgentID string `json:"agentId"`
	Name    string `json:"name,omitempty"`
	Type    string `json:"type"`
	Gateway string `json:"gateway,omitempty"`
}

// RegisterAgent records an agent in the registry.
func (t *Tools) RegisterAgent(req RegisterAgentRequest) error {
	typ := presence.AgentType(req.Type)
	if typ != presence.AgentInternal && typ != presence.AgentExternal {
		return ansibleerr.New(ansibleerr.InvalidParams, "type must be internal or external")
	}
	return t.registry.RegisterAgent(req.AgentID, req.Name, typ, req.Gateway, t.selfNodeID)
}

// ListAgents returns every registered agent, sorted by id.
func (t *Tools) ListAgents() []presence.AgentRecord {
	return t.registry.ListAgents()
}
