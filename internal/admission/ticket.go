package admission

import (
	"log/slog"
	"time"

	"github.com/likesjx/ansible/internal/ansibleerr"
	"github.com/likesjx/ansible/internal/id"
	"github.com/likesjx/ansible/internal/metrics"
	"github.com/likesjx/ansible/internal/state"
)

func clampTicketTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTicketTTL
	}
	if ttl < MinTicketTTL {
		return MinTicketTTL
	}
	if ttl > MaxTicketTTL {
		return MaxTicketTTL
	}
	return ttl
}

// MintWsTicketFromInvite validates an invite and issues a short-lived
// ticket that a joining node presents over the sync handshake instead of
// the invite token itself. The invite is not consumed yet; ConsumeWsTicket
// does that.
func (a *Admission) MintWsTicketFromInvite(callerNodeID, inviteToken, expectedNodeID string, ttl time.Duration) (ticketID string, expiresAt int64, err error) {
	invites := a.doc.GetMap(state.MapPendingInvites)
	raw, ok := invites.Get(inviteToken)
	if !ok {
		return "", 0, ansibleerr.New(ansibleerr.InvalidToken, "invite token not found")
	}
	var invite Invite
	if err := decodeInto(raw, &invite); err != nil {
		return "", 0, ansibleerr.Wrap(ansibleerr.InvalidToken, err, "decode invite")
	}
	if invite.UsedAt != 0 {
		return "", 0, ansibleerr.New(ansibleerr.InviteUsed, "invite already used")
	}
	if nowMS() > invite.ExpiresAt {
		return "", 0, ansibleerr.New(ansibleerr.ExpiredToken, "invite expired")
	}
	if invite.ExpectedNodeID != "" && expectedNodeID != "" && invite.ExpectedNodeID != expectedNodeID {
		return "", 0, ansibleerr.New(ansibleerr.NodeMismatch, "invite is bound to a different node id")
	}

	ttl = clampTicketTTL(ttl)
	ticketID = id.GenerateToken()
	expiresAt = nowMS() + ttl.Milliseconds()

	ticket := Ticket{
		InviteToken:    inviteToken,
		ExpectedNodeID: expectedNodeID,
		CreatedBy:      callerNodeID,
		CreatedAt:      nowMS(),
		ExpiresAt:      expiresAt,
	}
	fields, err := encodeFields(ticket)
	if err != nil {
		return "", 0, ansibleerr.Wrap(ansibleerr.InvalidParams, err, "encode ticket")
	}
	if err := a.doc.GetMap(state.MapAuthTickets).SetFields(ticketID, fields, a.doc.Tick()); err != nil {
		return "", 0, ansibleerr.Wrap(ansibleerr.InvalidParams, err, "write ticket")
	}

	slog.Info("admission: ws ticket minted", "ticket_id", ticketID, "expires_at", expiresAt)
	return ticketID, expiresAt, nil
}

// ConsumeWsTicket atomically consumes a ticket and the invite behind it,
// registering presentedNodeId in nodes. usedAt is set on the ticket on
// first consumption; any later consumption fails with TicketAlreadyUsed
// regardless of which node presents it.
func (a *Admission) ConsumeWsTicket(ticketID, presentedNodeID string, capabilities []string) error {
	tickets := a.doc.GetMap(state.MapAuthTickets)
	raw, ok := tickets.Get(ticketID)
	if !ok {
		return ansibleerr.New(ansibleerr.InvalidTicket, "ticket not found")
	}
	var ticket Ticket
	if err := decodeInto(raw, &ticket); err != nil {
		return ansibleerr.Wrap(ansibleerr.InvalidTicket, err, "decode ticket")
	}
	if ticket.UsedAt != 0 {
		metrics.TicketsConsumedTotal.WithLabelValues("already_used").Inc()
		return ansibleerr.New(ansibleerr.TicketAlreadyUsed, "ticket already used")
	}
	if nowMS() > ticket.ExpiresAt {
		metrics.TicketsConsumedTotal.WithLabelValues("expired").Inc()
		return ansibleerr.New(ansibleerr.ExpiredTicket, "ticket expired")
	}
	if ticket.ExpectedNodeID != "" && ticket.ExpectedNodeID != presentedNodeID {
		metrics.TicketsConsumedTotal.WithLabelValues("node_mismatch").Inc()
		return ansibleerr.New(ansibleerr.TicketNodeMismatch, "ticket is bound to a different node id")
	}

	if err := a.JoinWithToken(ticket.InviteToken, presentedNodeID, capabilities); err != nil {
		return err
	}

	ticket.UsedAt = nowMS()
	fields, err := encodeFields(ticket)
	if err != nil {
		return ansibleerr.Wrap(ansibleerr.InvalidParams, err, "encode ticket")
	}
	if err := tickets.SetFields(ticketID, fields, a.doc.Tick()); err != nil {
		return ansibleerr.Wrap(ansibleerr.InvalidParams, err, "mark ticket used")
	}

	metrics.TicketsConsumedTotal.WithLabelValues("ok").Inc()
	slog.Info("admission: ws ticket consumed", "ticket_id", ticketID, "node_id", presentedNodeID)
	return nil
}
