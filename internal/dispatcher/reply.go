package dispatcher

import (
	"time"

	"github.com/likesjx/ansible/internal/id"
	"github.com/likesjx/ansible/internal/state"
)

// emitReply writes a fresh reply message from target back to fromAgent,
// already marked read by target per the back-compat invariant.
func emitReply(doc *state.Document, selfNodeID, target, toAgent, text string) error {
	now := time.Now().UnixMilli()
	messageID := id.Generate()
	fields := map[string]any{
		"id":            messageID,
		"from_agent":    target,
		"from_node":     selfNodeID,
		"to_agents":     []any{toAgent},
		"content":       text,
		"timestamp":     now,
		"updatedAt":     now,
		"readBy_agents": []any{target},
	}
	return doc.GetMap(state.MapMessages).SetFields(messageID, fields, doc.Tick())
}
