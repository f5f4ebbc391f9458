package admission

import "github.com/likesjx/ansible/internal/state"

// IsNodeAuthorized reports whether a node is authorized: the nodes map is
// empty (bootstrap mode), OR it already appears in nodes, OR it has a live
// pulse entry, OR it hosts at least one registered internal agent. The OR
// of independent signals lets a newly-joined node be trusted by peers even
// if they haven't yet replicated its nodes entry.
func (a *Admission) IsNodeAuthorized(nodeID string) bool {
	nodes := a.doc.GetMap(state.MapNodes)
	if nodes.Len() == 0 {
		return true
	}
	if nodes.Has(nodeID) {
		return true
	}
	if a.doc.GetMap(state.MapPulse).Has(nodeID) {
		return true
	}

	hostsInternalAgent := false
	a.doc.GetMap(state.MapAgents).Range(func(_ string, v map[string]any) {
		if hostsInternalAgent {
			return
		}
		typ, _ := v["type"].(string)
		gw, _ := v["gateway"].(string)
		if typ == "internal" && gw == nodeID {
			hostsInternalAgent = true
		}
	})
	return hostsInternalAgent
}

// NodeCapabilities returns the recorded capability list for nodeID, or nil
// if the node is unknown.
func (a *Admission) NodeCapabilities(nodeID string) []string {
	v, ok := a.doc.GetMap(state.MapNodes).Get(nodeID)
	if !ok {
		return nil
	}
	raw, _ := v["capabilities"].([]any)
	caps := make([]string, 0, len(raw))
	for _, c := range raw {
		if s, ok := c.(string); ok {
			caps = append(caps, s)
		}
	}
	return caps
}

// NodeTier returns the recorded tier for nodeID, or ("", false) if unknown.
func (a *Admission) NodeTier(nodeID string) (Tier, bool) {
	v, ok := a.doc.GetMap(state.MapNodes).Get(nodeID)
	if !ok {
		return "", false
	}
	tier, _ := v["tier"].(string)
	if tier == "" {
		return "", false
	}
	return Tier(tier), true
}
