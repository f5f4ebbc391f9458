// Package presence maintains per-node heartbeat and the logical agent
// registry so the dispatcher can resolve which node hosts which agent.
package presence

import (
	"time"

	"github.com/likesjx/ansible/internal/state"
)

const (
	// HeartbeatInterval is how often a node refreshes its own pulse entry.
	HeartbeatInterval = 30 * time.Second

	// DefaultStaleAfter is how old a pulse entry may be before a node is
	// reported offline regardless of its stored status field.
	DefaultStaleAfter = 300 * time.Second

	// CleanupInterval is how often a host scans messages for retention.
	CleanupInterval = 60 * time.Second

	messageRetention  = 24 * time.Hour
	messageKeepNewest = 50
)

// Registry maintains presence and the agent registry over a replicated
// document for a single local node.
type Registry struct {
	doc        *state.Document
	nodeID     string
	staleAfter time.Duration
}

// New creates a Registry for nodeID over doc. staleAfter of zero selects
// DefaultStaleAfter.
func New(doc *state.Document, nodeID string, staleAfter time.Duration) *Registry {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Registry{doc: doc, nodeID: nodeID, staleAfter: staleAfter}
}

func nowMS() int64 { return time.Now().UnixMilli() }
