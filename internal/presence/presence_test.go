package presence

import (
	"testing"
	"time"

	"github.com/likesjx/ansible/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeatUpdatesLastSeenInPlace(t *testing.T) {
	doc := state.NewDocument("bb1")
	r := New(doc, "bb1", time.Minute)

	require.NoError(t, r.SetOnline("v1"))
	first := r.lastSeen("bb1")
	require.NotZero(t, first)

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, r.Beat())
	second := r.lastSeen("bb1")
	assert.GreaterOrEqual(t, second, first)
	assert.Equal(t, "online", r.storedStatus("bb1"))
}

func TestEffectiveStatusDowngradesStaleNode(t *testing.T) {
	doc := state.NewDocument("bb1")
	r := New(doc, "bb1", time.Millisecond)

	require.NoError(t, r.SetOnline("v1"))
	time.Sleep(5 * time.Millisecond)

	assert.True(t, r.IsStale("bb1"))
	assert.Equal(t, "offline", r.EffectiveStatus("bb1"))
}

func TestEffectiveStatusUnknownNodeIsStale(t *testing.T) {
	r := New(state.NewDocument("bb1"), "bb1", time.Minute)
	assert.True(t, r.IsStale("ghost"))
	assert.Equal(t, "offline", r.EffectiveStatus("ghost"))
}

func TestRegisterAgentRequiresGatewayForInternal(t *testing.T) {
	r := New(state.NewDocument("bb1"), "bb1", time.Minute)
	err := r.RegisterAgent("reviewer", "Reviewer", AgentInternal, "", "bb1")
	require.Error(t, err)
}

func TestLocalAgentsIncludesSelfAndHostedInternal(t *testing.T) {
	r := New(state.NewDocument("bb1"), "bb1", time.Minute)
	require.NoError(t, r.RegisterAgent("reviewer", "Reviewer", AgentInternal, "bb1", "bb1"))
	require.NoError(t, r.RegisterAgent("external-1", "", AgentExternal, "", "bb1"))
	require.NoError(t, r.RegisterAgent("remote-agent", "", AgentInternal, "e1", "e1"))

	local := r.LocalAgents("bb1")
	assert.Equal(t, []string{"bb1", "reviewer"}, local)
}

func TestListAgentsSortedByID(t *testing.T) {
	r := New(state.NewDocument("bb1"), "bb1", time.Minute)
	require.NoError(t, r.RegisterAgent("zeta", "", AgentExternal, "", "bb1"))
	require.NoError(t, r.RegisterAgent("alpha", "", AgentExternal, "", "bb1"))

	agents := r.ListAgents()
	require.Len(t, agents, 2)
	assert.Equal(t, "alpha", agents[0].AgentID)
	assert.Equal(t, "zeta", agents[1].AgentID)
}

func TestMessageCleanupPreservesUnreadForSelf(t *testing.T) {
	doc := state.NewDocument("bb1")
	r := New(doc, "bb1", time.Minute)
	messages := doc.GetMap(state.MapMessages)

	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	require.NoError(t, messages.SetFields("m1", map[string]any{
		"from_agent": "e1",
		"timestamp":  old,
	}, doc.Tick()))

	deleted := r.RunMessageCleanup("bb1")
	assert.Equal(t, 0, deleted)
	assert.True(t, messages.Has("m1"))
}

func TestMessageCleanupDropsOldReadMessages(t *testing.T) {
	doc := state.NewDocument("bb1")
	r := New(doc, "bb1", time.Minute)
	messages := doc.GetMap(state.MapMessages)

	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	require.NoError(t, messages.SetFields("m1", map[string]any{
		"from_agent":    "e1",
		"timestamp":     old,
		"readBy_agents": []any{"bb1"},
	}, doc.Tick()))

	deleted := r.RunMessageCleanup("bb1")
	assert.Equal(t, 1, deleted)
	assert.False(t, messages.Has("m1"))
}

func TestBuildStatusReportsStaleNodeOffline(t *testing.T) {
	doc := state.NewDocument("bb1")
	r := New(doc, "bb1", time.Millisecond)

	require.NoError(t, doc.GetMap(state.MapNodes).SetFields("bb1", map[string]any{"tier": "backbone"}, doc.Tick()))
	require.NoError(t, r.SetOnline("v1"))
	time.Sleep(5 * time.Millisecond)

	report := r.BuildStatus("bb1")
	require.Len(t, report.Nodes, 1)
	assert.Equal(t, "offline", report.Nodes[0].Status)
}
