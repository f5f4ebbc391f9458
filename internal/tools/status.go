package tools

import "github.com/likesjx/ansible/internal/presence"

// Status reports this node's view of known nodes, pending tasks, and
// unread message count. Stale nodes are always reported offline.
func (t *Tools) Status() presence.StatusReport {
	return t.registry.BuildStatus(t.selfNodeID)
}
