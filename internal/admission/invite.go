package admission

import (
	"log/slog"
	"time"

	"github.com/likesjx/ansible/internal/ansibleerr"
	"github.com/likesjx/ansible/internal/id"
	"github.com/likesjx/ansible/internal/metrics"
	"github.com/likesjx/ansible/internal/state"
)

// GenerateInvite issues a fresh invite token. Permitted only in first-node
// bootstrap mode (nodes map empty) or when the caller's recorded tier is
// backbone.
func (a *Admission) GenerateInvite(callerNodeID string, tier Tier, expectedNodeID string, ttl time.Duration) (token string, expiresAt int64, err error) {
	nodes := a.doc.GetMap(state.MapNodes)
	if nodes.Len() > 0 {
		callerTier, ok := a.NodeTier(callerNodeID)
		if !ok || callerTier != TierBackbone {
			return "", 0, ansibleerr.New(ansibleerr.NotAuthorized, "only backbone nodes may issue invites")
		}
	}

	if ttl <= 0 {
		ttl = DefaultInviteTTL
	}

	token = id.GenerateToken()
	expiresAt = nowMS() + ttl.Milliseconds()

	invite := Invite{
		Tier:           tier,
		ExpiresAt:      expiresAt,
		CreatedBy:      callerNodeID,
		ExpectedNodeID: expectedNodeID,
	}
	fields, err := encodeFields(invite)
	if err != nil {
		return "", 0, ansibleerr.Wrap(ansibleerr.InvalidParams, err, "encode invite")
	}
	if err := a.doc.GetMap(state.MapPendingInvites).SetFields(token, fields, a.doc.Tick()); err != nil {
		return "", 0, ansibleerr.Wrap(ansibleerr.InvalidParams, err, "write invite")
	}

	metrics.InvitesIssuedTotal.Inc()
	slog.Info("admission: invite issued", "created_by", callerNodeID, "tier", tier, "expires_at", expiresAt)
	return token, expiresAt, nil
}

// JoinWithToken validates and consumes an invite, registering the caller in
// nodes. The invite is deleted atomically with the node registration from
// the caller's point of view: both mutations are applied before this call
// returns, and a concurrent second call observes the invite already gone.
func (a *Admission) JoinWithToken(token, nodeID string, capabilities []string) error {
	invites := a.doc.GetMap(state.MapPendingInvites)
	raw, ok := invites.Get(token)
	if !ok {
		return ansibleerr.New(ansibleerr.InvalidToken, "invite token not found")
	}
	var invite Invite
	if err := decodeInto(raw, &invite); err != nil {
		return ansibleerr.Wrap(ansibleerr.InvalidToken, err, "decode invite")
	}

	if invite.UsedAt != 0 {
		return ansibleerr.New(ansibleerr.InvalidToken, "invite already used")
	}
	if nowMS() > invite.ExpiresAt {
		invites.Delete(token, a.doc.Tick())
		return ansibleerr.New(ansibleerr.ExpiredToken, "invite expired")
	}
	if invite.ExpectedNodeID != "" && invite.ExpectedNodeID != nodeID {
		return ansibleerr.New(ansibleerr.NodeMismatch, "invite is bound to a different node id")
	}

	info := NodeInfo{Tier: invite.Tier, Capabilities: capabilities, AddedBy: invite.CreatedBy, AddedAt: nowMS()}
	fields, err := encodeFields(info)
	if err != nil {
		return ansibleerr.Wrap(ansibleerr.InvalidParams, err, "encode node info")
	}
	if err := a.doc.GetMap(state.MapNodes).SetFields(nodeID, fields, a.doc.Tick()); err != nil {
		return ansibleerr.Wrap(ansibleerr.InvalidParams, err, "write node info")
	}

	invites.Delete(token, a.doc.Tick())

	slog.Info("admission: node joined", "node_id", nodeID, "tier", invite.Tier)
	return nil
}

// RevokeNode deletes a node's membership, context, and pulse records.
// Permitted only to backbone nodes; a node may never revoke itself.
func (a *Admission) RevokeNode(callerNodeID, targetNodeID string) error {
	callerTier, ok := a.NodeTier(callerNodeID)
	if !ok || callerTier != TierBackbone {
		return ansibleerr.New(ansibleerr.NotAuthorized, "only backbone nodes may revoke")
	}
	if callerNodeID == targetNodeID {
		return ansibleerr.New(ansibleerr.InvalidParams, "a node may not revoke itself")
	}

	clock := a.doc.Tick()
	a.doc.GetMap(state.MapNodes).Delete(targetNodeID, clock)
	a.doc.GetMap(state.MapContext).Delete(targetNodeID, clock)
	a.doc.GetMap(state.MapPulse).Delete(targetNodeID, clock)

	slog.Info("admission: node revoked", "node_id", targetNodeID, "by", callerNodeID)
	return nil
}
