package admission

import (
	"testing"
	"time"

	"github.com/likesjx/ansible/internal/ansibleerr"
	"github.com/likesjx/ansible/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdmission() *Admission {
	return New(state.NewDocument("node-a"))
}

func TestBootstrapOnlyOnce(t *testing.T) {
	a := newTestAdmission()
	require.NoError(t, a.Bootstrap("node-a", TierBackbone, []string{"coordinate"}))

	err := a.Bootstrap("node-b", TierBackbone, nil)
	require.Error(t, err)
	assert.True(t, ansibleerr.Is(err, ansibleerr.NotAuthorized))
}

func TestIsNodeAuthorizedEmptyNodesIsBootstrapMode(t *testing.T) {
	a := newTestAdmission()
	assert.True(t, a.IsNodeAuthorized("anyone"))
}

func TestGenerateInviteRequiresBackboneAfterBootstrap(t *testing.T) {
	a := newTestAdmission()
	require.NoError(t, a.Bootstrap("node-a", TierBackbone, nil))

	_, _, err := a.GenerateInvite("node-a", TierEdge, "", 0)
	require.NoError(t, err)

	require.NoError(t, a.JoinWithToken(mustInvite(t, a, "node-a"), "node-b", nil))
	_, _, err = a.GenerateInvite("node-b", TierEdge, "", 0)
	require.Error(t, err)
	assert.True(t, ansibleerr.Is(err, ansibleerr.NotAuthorized))
}

func TestJoinWithTokenRejectsExpiredInvite(t *testing.T) {
	a := newTestAdmission()
	require.NoError(t, a.Bootstrap("node-a", TierBackbone, nil))

	token, _, err := a.GenerateInvite("node-a", TierEdge, "", time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	err = a.JoinWithToken(token, "node-b", nil)
	require.Error(t, err)
	assert.True(t, ansibleerr.Is(err, ansibleerr.ExpiredToken))
}

func TestJoinWithTokenRejectsNodeMismatch(t *testing.T) {
	a := newTestAdmission()
	require.NoError(t, a.Bootstrap("node-a", TierBackbone, nil))

	token, _, err := a.GenerateInvite("node-a", TierEdge, "node-expected", 0)
	require.NoError(t, err)

	err = a.JoinWithToken(token, "node-other", nil)
	require.Error(t, err)
	assert.True(t, ansibleerr.Is(err, ansibleerr.NodeMismatch))
}

func TestJoinWithTokenConsumesInviteExactlyOnce(t *testing.T) {
	a := newTestAdmission()
	require.NoError(t, a.Bootstrap("node-a", TierBackbone, nil))

	token, _, err := a.GenerateInvite("node-a", TierEdge, "", 0)
	require.NoError(t, err)

	require.NoError(t, a.JoinWithToken(token, "node-b", nil))

	err = a.JoinWithToken(token, "node-c", nil)
	require.Error(t, err)
	assert.True(t, ansibleerr.Is(err, ansibleerr.InvalidToken))

	tier, ok := a.NodeTier("node-b")
	require.True(t, ok)
	assert.Equal(t, TierEdge, tier)
}

func TestRevokeNodeRejectsSelfAndNonBackbone(t *testing.T) {
	a := newTestAdmission()
	require.NoError(t, a.Bootstrap("node-a", TierBackbone, nil))
	require.NoError(t, a.JoinWithToken(mustInvite(t, a, "node-a"), "node-b", nil))

	err := a.RevokeNode("node-a", "node-a")
	require.Error(t, err)
	assert.True(t, ansibleerr.Is(err, ansibleerr.InvalidParams))

	err = a.RevokeNode("node-b", "node-a")
	require.Error(t, err)
	assert.True(t, ansibleerr.Is(err, ansibleerr.NotAuthorized))

	require.NoError(t, a.RevokeNode("node-a", "node-b"))
	assert.False(t, a.doc.GetMap(state.MapNodes).Has("node-b"))
}

func TestWsTicketMintAndConsumeRoundTrip(t *testing.T) {
	a := newTestAdmission()
	require.NoError(t, a.Bootstrap("node-a", TierBackbone, nil))

	token, _, err := a.GenerateInvite("node-a", TierEdge, "", 0)
	require.NoError(t, err)

	ticketID, _, err := a.MintWsTicketFromInvite("node-a", token, "node-b", 0)
	require.NoError(t, err)

	require.NoError(t, a.ConsumeWsTicket(ticketID, "node-b", []string{"review"}))

	err = a.ConsumeWsTicket(ticketID, "node-b", nil)
	require.Error(t, err)
	assert.True(t, ansibleerr.Is(err, ansibleerr.TicketAlreadyUsed))

	tier, ok := a.NodeTier("node-b")
	require.True(t, ok)
	assert.Equal(t, TierEdge, tier)
}

func TestWsTicketRejectsNodeMismatch(t *testing.T) {
	a := newTestAdmission()
	require.NoError(t, a.Bootstrap("node-a", TierBackbone, nil))

	token, _, err := a.GenerateInvite("node-a", TierEdge, "", 0)
	require.NoError(t, err)

	ticketID, _, err := a.MintWsTicketFromInvite("node-a", token, "node-b", 0)
	require.NoError(t, err)

	err = a.ConsumeWsTicket(ticketID, "node-other", nil)
	require.Error(t, err)
	assert.True(t, ansibleerr.Is(err, ansibleerr.TicketNodeMismatch))
}

func TestClampTicketTTL(t *testing.T) {
	assert.Equal(t, DefaultTicketTTL, clampTicketTTL(0))
	assert.Equal(t, MinTicketTTL, clampTicketTTL(time.Millisecond))
	assert.Equal(t, MaxTicketTTL, clampTicketTTL(time.Hour))
	assert.Equal(t, 20*time.Second, clampTicketTTL(20*time.Second))
}

func mustInvite(t *testing.T, a *Admission, caller string) string {
	t.Helper()
	token, _, err := a.GenerateInvite(caller, TierEdge, "", 0)
	require.NoError(t, err)
	return token
}
