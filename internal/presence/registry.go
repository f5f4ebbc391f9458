package presence

import (
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/likesjx/ansible/internal/ansibleerr"
	"github.com/likesjx/ansible/internal/metrics"
	"github.com/likesjx/ansible/internal/state"
)

// AgentType distinguishes internal (hosted, auto-dispatched) agents from
// external (identity-only, polling) agents.
type AgentType string

const (
	AgentInternal AgentType = "internal"
	AgentExternal AgentType = "external"
)

// AgentRecord is the value shape stored at agents[agentId].
type AgentRecord struct {
	AgentID      string    `json:"-"`
	Type         AgentType `json:"type"`
	Gateway      string    `json:"gateway,omitempty"`
	Name         string    `json:"name,omitempty"`
	RegisteredAt int64     `json:"registeredAt"`
	RegisteredBy string    `json:"registeredBy"`
}

// RegisterAgent records an agent. Internal agents must carry a gateway;
// external agents are identity-only and never dispatched.
func (r *Registry) RegisterAgent(agentID string, name string, typ AgentType, gateway, registeredBy string) error {
	if agentID == "" {
		return ansibleerr.New(ansibleerr.InvalidParams, "agent_id is required")
	}
	if typ == AgentInternal && gateway == "" {
		return ansibleerr.New(ansibleerr.InvalidParams, "internal agents require a gateway")
	}
	if typ == AgentExternal {
		gateway = ""
	}

	rec := AgentRecord{Type: typ, Gateway: gateway, Name: name, RegisteredAt: nowMS(), RegisteredBy: registeredBy}
	b, err := json.Marshal(rec)
	if err != nil {
		return ansibleerr.Wrap(ansibleerr.InvalidParams, err, "encode agent record")
	}
	var fields map[string]any
	if err := json.Unmarshal(b, &fields); err != nil {
		return ansibleerr.Wrap(ansibleerr.InvalidParams, err, "encode agent record")
	}

	if err := r.doc.GetMap(state.MapAgents).SetFields(agentID, fields, r.doc.Tick()); err != nil {
		return ansibleerr.Wrap(ansibleerr.InvalidParams, err, "write agent record")
	}
	metrics.RegisteredAgents.Set(float64(r.doc.GetMap(state.MapAgents).Len()))
	slog.Info("presence: agent registered", "agent_id", agentID, "type", typ, "gateway", gateway)
	return nil
}

// ListAgents returns every registered agent, sorted by AgentID.
func (r *Registry) ListAgents() []AgentRecord {
	m := r.doc.GetMap(state.MapAgents)
	var out []AgentRecord
	m.Range(func(key string, value map[string]any) {
		var rec AgentRecord
		b, err := json.Marshal(value)
		if err != nil {
			return
		}
		if err := json.Unmarshal(b, &rec); err != nil {
			return
		}
		rec.AgentID = key
		out = append(out, rec)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// LocalAgents returns the local agent set for selfNodeID: selfNodeID
// itself plus every internal agent whose gateway is selfNodeID, sorted
// lexicographically for deterministic iteration.
func (r *Registry) LocalAgents(selfNodeID string) []string {
	set := map[string]struct{}{selfNodeID: {}}
	r.doc.GetMap(state.MapAgents).Range(func(key string, value map[string]any) {
		typ, _ := value["type"].(string)
		gw, _ := value["gateway"].(string)
		if typ == string(AgentInternal) && gw == selfNodeID {
			set[key] = struct{}{}
		}
	})
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
