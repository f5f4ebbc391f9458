// Package admission governs who may write to the replicated state (C3):
// bootstrap of the first node, invite issuance, token-gated join, websocket
// ticket exchange, and revocation.
package admission

import "time"

// Tier mirrors config.Tier without importing the config package, keeping
// this package's dependency surface limited to state + ansibleerr.
type Tier string

const (
	TierBackbone Tier = "backbone"
	TierEdge     Tier = "edge"
)

// DefaultInviteTTL is the invite token lifetime when the caller doesn't
// specify one.
const DefaultInviteTTL = 15 * time.Minute

// DefaultTicketTTL and the clamp bounds for websocket tickets.
const (
	DefaultTicketTTL = 60 * time.Second
	MinTicketTTL     = 5 * time.Second
	MaxTicketTTL     = 10 * time.Minute
)

// NodeInfo is the value shape stored at nodes[nodeId].
type NodeInfo struct {
	Tier         Tier     `json:"tier"`
	Capabilities []string `json:"capabilities,omitempty"`
	AddedBy      string   `json:"addedBy"`
	AddedAt      int64    `json:"addedAt"`
}

// Invite is the value shape stored at pendingInvites[token].
type Invite struct {
	Tier           Tier   `json:"tier"`
	ExpiresAt      int64  `json:"expiresAt"`
	CreatedBy      string `json:"createdBy"`
	ExpectedNodeID string `json:"expectedNodeId,omitempty"`
	UsedByNode     string `json:"usedByNode,omitempty"`
	UsedAt         int64  `json:"usedAt,omitempty"`
}

// Ticket is the value shape stored at authTickets[ticketId].
type Ticket struct {
	InviteToken    string `json:"inviteToken"`
	ExpectedNodeID string `json:"expectedNodeId,omitempty"`
	CreatedBy      string `json:"createdBy"`
	CreatedAt      int64  `json:"createdAt"`
	ExpiresAt      int64  `json:"expiresAt"`
	UsedAt         int64  `json:"usedAt,omitempty"`
}
