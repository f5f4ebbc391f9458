package presence

import (
	"sort"

	"github.com/likesjx/ansible/internal/state"
)

// NodeStatus is one entry in a status report.
type NodeStatus struct {
	NodeID string `json:"nodeId"`
	Tier   string `json:"tier"`
	Status string `json:"status"`
}

// StatusReport is the payload behind the status tool/operation.
type StatusReport struct {
	MyID              string       `json:"myId"`
	Nodes             []NodeStatus `json:"nodes"`
	PendingTasks      []string     `json:"pendingTasks"`
	UnreadMessages    int          `json:"unreadMessages"`
	StaleAfterSeconds int          `json:"staleAfterSeconds"`
}

// BuildStatus assembles a StatusReport for selfNodeID. Stale nodes are
// always reported offline, regardless of their stored status field.
func (r *Registry) BuildStatus(selfNodeID string) StatusReport {
	nodes := r.doc.GetMap(state.MapNodes)
	report := StatusReport{
		MyID:              selfNodeID,
		StaleAfterSeconds: int(r.staleAfter.Seconds()),
	}

	for _, nodeID := range nodes.Keys() {
		v, ok := nodes.Get(nodeID)
		if !ok {
			continue
		}
		tier, _ := v["tier"].(string)
		report.Nodes = append(report.Nodes, NodeStatus{
			NodeID: nodeID,
			Tier:   tier,
			Status: r.EffectiveStatus(nodeID),
		})
	}

	tasks := r.doc.GetMap(state.MapTasks)
	for _, taskID := range tasks.Keys() {
		v, ok := tasks.Get(taskID)
		if !ok {
			continue
		}
		if status, _ := v["status"].(string); status == "pending" {
			report.PendingTasks = append(report.PendingTasks, taskID)
		}
	}
	sort.Strings(report.PendingTasks)

	report.UnreadMessages = r.countUnread(selfNodeID)
	return report
}

func (r *Registry) countUnread(selfNodeID string) int {
	messages := r.doc.GetMap(state.MapMessages)
	count := 0
	messages.Range(func(_ string, v map[string]any) {
		if isUnreadFor(v, selfNodeID) {
			count++
		}
	})
	return count
}

func isUnreadFor(v map[string]any, nodeID string) bool {
	if !addressedTo(v, nodeID) {
		return false
	}
	if fromAgent, _ := v["from_agent"].(string); fromAgent == nodeID {
		return false
	}
	readBy, _ := v["readBy_agents"].([]any)
	for _, r := range readBy {
		if s, _ := r.(string); s == nodeID {
			return false
		}
	}
	return true
}

func addressedTo(v map[string]any, nodeID string) bool {
	to, ok := v["to_agents"].([]any)
	if !ok || len(to) == 0 {
		return true
	}
	for _, a := range to {
		if s, _ := a.(string); s == nodeID {
			return true
		}
	}
	return false
}
