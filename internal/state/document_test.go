package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRDTMapFieldLevelMutation(t *testing.T) {
	doc := NewDocument("bb1")
	pulse := doc.GetMap(MapPulse)

	c1 := doc.Tick()
	require.NoError(t, pulse.SetFields("bb1", map[string]any{"status": "online", "lastSeen": 100}, c1))

	c2 := doc.Tick()
	require.NoError(t, pulse.SetFields("bb1", map[string]any{"lastSeen": 200}, c2))

	v, ok := pulse.Get("bb1")
	require.True(t, ok)
	assert.Equal(t, "online", v["status"])
	assert.EqualValues(t, 200, v["lastSeen"])
}

func TestCRDTMapLastWriterWinsIgnoresStaleField(t *testing.T) {
	doc := NewDocument("bb1")
	m := doc.GetMap(MapTasks)

	newer := HLC{WallMS: 2000, NodeID: "bb1"}
	older := HLC{WallMS: 1000, NodeID: "bb1"}

	require.NoError(t, m.SetFields("t1", map[string]any{"status": "completed"}, newer))
	require.NoError(t, m.SetFields("t1", map[string]any{"status": "in_progress"}, older))

	v, ok := m.Get("t1")
	require.True(t, ok)
	assert.Equal(t, "completed", v["status"])
}

func TestDeleteIsTombstoneNotRemoval(t *testing.T) {
	doc := NewDocument("bb1")
	m := doc.GetMap(MapNodes)
	c := doc.Tick()
	require.NoError(t, m.SetFields("e1", map[string]any{"tier": "edge"}, c))

	m.Delete("e1", doc.Tick())
	_, ok := m.Get("e1")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
}

func TestApplyRemoteUpdateRejectsMalformed(t *testing.T) {
	doc := NewDocument("bb1")
	err := doc.ApplyRemoteUpdate(Update{})
	assert.Error(t, err)
}

func TestObserveFiresOnMutation(t *testing.T) {
	doc := NewDocument("bb1")
	m := doc.GetMap(MapMessages)

	var seen []string
	m.Observe(func(key string) { seen = append(seen, key) })

	require.NoError(t, m.SetFields("m1", map[string]any{"content": "hi"}, doc.Tick()))
	m.Delete("m1", doc.Tick())

	assert.Equal(t, []string{"m1", "m1"}, seen)
}

func TestEncodeSnapshotRoundTripEquivalence(t *testing.T) {
	doc := NewDocument("bb1")
	tasks := doc.GetMap(MapTasks)
	require.NoError(t, tasks.SetFields("t1", map[string]any{"title": "hello", "status": "pending"}, doc.Tick()))
	require.NoError(t, tasks.SetFields("t2", map[string]any{"title": "world", "status": "pending"}, doc.Tick()))
	tasks.Delete("t2", doc.Tick())

	snap, err := doc.EncodeSnapshot()
	require.NoError(t, err)

	restored := NewDocument("bb1")
	require.NoError(t, restored.LoadSnapshotBytes(snap))

	assert.True(t, Equivalent(doc, restored))
}

func TestCompactDropsTombstones(t *testing.T) {
	doc := NewDocument("bb1")
	tasks := doc.GetMap(MapTasks)
	require.NoError(t, tasks.SetFields("t1", map[string]any{"title": "hello"}, doc.Tick()))
	tasks.Delete("t1", doc.Tick())

	compacted, err := doc.Compact()
	require.NoError(t, err)

	restored := NewDocument("bb1")
	require.NoError(t, restored.LoadSnapshotBytes(compacted))
	assert.Equal(t, 0, restored.GetMap(MapTasks).Len())

	// the tombstone itself should also be gone — resurrecting the key with
	// an older clock than the original write must be possible post-compact,
	// proving no residual tombstone remains.
	require.NoError(t, restored.GetMap(MapTasks).SetFields("t1", map[string]any{"title": "reborn"}, HLC{WallMS: 1, NodeID: "bb1"}))
	v, ok := restored.GetMap(MapTasks).Get("t1")
	require.True(t, ok)
	assert.Equal(t, "reborn", v["title"])
}

func TestApplyAllRoundTrip(t *testing.T) {
	src := NewDocument("bb1")
	require.NoError(t, src.GetMap(MapAgents).SetFields("a1", map[string]any{"type": "internal", "gateway": "bb1"}, src.Tick()))

	dst := NewDocument("e1")
	require.NoError(t, ApplyAll(src, dst))

	assert.True(t, Equivalent(src, dst))
}
