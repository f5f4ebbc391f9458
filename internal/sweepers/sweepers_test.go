package sweepers

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/likesjx/ansible/internal/config"
	"github.com/likesjx/ansible/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinatorRoundTrip(t *testing.T) {
	doc := state.NewDocument("bb1")
	assert.Equal(t, "", CurrentCoordinator(doc))
	assert.False(t, IsCoordinator(doc, "bb1"))

	require.NoError(t, SetCoordinator(doc, "bb1", false))
	assert.True(t, IsCoordinator(doc, "bb1"))
	assert.False(t, IsCoordinator(doc, "bb2"))
}

func TestSetCoordinatorRequiresConfirmToChangeAwayFromExisting(t *testing.T) {
	doc := state.NewDocument("bb1")
	require.NoError(t, SetCoordinator(doc, "bb1", false))

	err := SetCoordinator(doc, "bb2", false)
	require.Error(t, err)
	assert.Equal(t, "bb1", CurrentCoordinator(doc))

	require.NoError(t, SetCoordinator(doc, "bb2", true))
	assert.Equal(t, "bb2", CurrentCoordinator(doc))
}

func putClosedTask(t *testing.T, doc *state.Document, id, status string, closedAt int64) {
	t.Helper()
	err := doc.GetMap(state.MapTasks).SetFields(id, map[string]any{
		"id":        id,
		"status":    status,
		"updatedAt": closedAt,
	}, doc.Tick())
	require.NoError(t, err)
}

func TestRetentionPrunesOldClosedTasksOnlyWhenCoordinatorAndBackbone(t *testing.T) {
	doc := state.NewDocument("bb1")
	require.NoError(t, SetCoordinator(doc, "bb1", false))

	now := time.Now()
	old := now.Add(-8 * 24 * time.Hour).UnixMilli()
	recent := now.Add(-1 * time.Hour).UnixMilli()

	putClosedTask(t, doc, "t-old", "completed", old)
	putClosedTask(t, doc, "t-recent", "completed", recent)
	putClosedTask(t, doc, "t-open", "pending", old)

	edgeSweeper := NewRetentionSweeper(doc, "bb1", config.TierEdge)
	assert.Equal(t, 0, edgeSweeper.Tick(now), "edge tier must never prune")

	nonCoordSweeper := NewRetentionSweeper(doc, "bb2", config.TierBackbone)
	assert.Equal(t, 0, nonCoordSweeper.Tick(now), "non-coordinator must never prune")

	sweeper := NewRetentionSweeper(doc, "bb1", config.TierBackbone)
	pruned := sweeper.Tick(now)
	assert.Equal(t, 1, pruned)

	tasks := doc.GetMap(state.MapTasks)
	assert.False(t, tasks.Has("t-old"))
	assert.True(t, tasks.Has("t-recent"))
	assert.True(t, tasks.Has("t-open"))
}

func TestRetentionSecondTickSameWindowIsNoop(t *testing.T) {
	doc := state.NewDocument("bb1")
	require.NoError(t, SetCoordinator(doc, "bb1", false))
	now := time.Now()
	putClosedTask(t, doc, "t-old", "completed", now.Add(-8*24*time.Hour).UnixMilli())

	sweeper := NewRetentionSweeper(doc, "bb1", config.TierBackbone)
	assert.Equal(t, 1, sweeper.Tick(now))

	putClosedTask(t, doc, "t-old2", "completed", now.Add(-8*24*time.Hour).UnixMilli())
	assert.Equal(t, 0, sweeper.Tick(now.Add(time.Minute)), "prune cadence not yet elapsed")
}

func putSLATask(t *testing.T, doc *state.Document, id, status string, acceptByAt int64, createdBy string) {
	t.Helper()
	err := doc.GetMap(state.MapTasks).SetFields(id, map[string]any{
		"id":              id,
		"title":           "task " + id,
		"status":          status,
		"createdBy_agent": createdBy,
		"metadata": map[string]any{
			"ansible": map[string]any{
				"sla": map[string]any{
					"acceptByAt": acceptByAt,
				},
			},
		},
	}, doc.Tick())
	require.NoError(t, err)
}

func TestSLASweepAntiStormRespectsMessageBudget(t *testing.T) {
	doc := state.NewDocument("bb1")
	require.NoError(t, SetCoordinator(doc, "bb1", false))

	now := time.Now()
	pastDue := now.Add(-time.Minute).UnixMilli()
	for i := 0; i < 50; i++ {
		putSLATask(t, doc, taskIDFor(i), "pending", pastDue, "agent-"+taskIDFor(i))
	}

	sweeper := NewSLASweeper(doc, "bb1", false, 3, nil)
	result := sweeper.Tick(now)

	assert.Equal(t, 50, result.BreachCount)
	assert.Equal(t, 50, result.EscalationsWritten)

	notified, budgetExhausted := 0, 0
	for _, b := range result.Breaches {
		switch b.Reason {
		case ReasonNotified:
			notified++
		case ReasonMessageBudgetExhausted:
			budgetExhausted++
		}
	}
	assert.Equal(t, 3, notified)
	assert.Equal(t, 47, budgetExhausted)

	tasks := doc.GetMap(state.MapTasks)
	for i := 0; i < 50; i++ {
		v, ok := tasks.Get(taskIDFor(i))
		require.True(t, ok)
		sla, ok := decodeSLA(v)
		require.True(t, ok)
		assert.NotZero(t, sla.Escalations["acceptAt"], "task %d must be marked escalated regardless of notify outcome", i)
	}

	second := sweeper.Tick(now.Add(time.Minute))
	assert.Equal(t, 0, second.BreachCount, "already-escalated breaches must never re-notify")
}

func TestSLASweepOnlyRunsAsCoordinator(t *testing.T) {
	doc := state.NewDocument("bb1")
	putSLATask(t, doc, "t1", "pending", time.Now().Add(-time.Minute).UnixMilli(), "agent-1")

	sweeper := NewSLASweeper(doc, "bb2", false, 10, nil)
	result := sweeper.Tick(time.Now())
	assert.Equal(t, 0, result.BreachCount)
}

func TestSLADryRunDoesNotMutate(t *testing.T) {
	doc := state.NewDocument("bb1")
	require.NoError(t, SetCoordinator(doc, "bb1", false))
	putSLATask(t, doc, "t1", "pending", time.Now().Add(-time.Minute).UnixMilli(), "agent-1")

	sweeper := NewSLASweeper(doc, "bb1", false, 10, nil)
	result := sweeper.DryRun(time.Now())
	assert.Equal(t, 1, result.BreachCount)
	assert.True(t, result.DryRun)

	v, _ := doc.GetMap(state.MapTasks).Get("t1")
	sla, ok := decodeSLA(v)
	require.True(t, ok)
	assert.Nil(t, sla.Escalations)
}

func TestSLANotificationFallsBackToFYIAgentsWhenNoAssignees(t *testing.T) {
	doc := state.NewDocument("bb1")
	require.NoError(t, SetCoordinator(doc, "bb1", false))
	putSLATask(t, doc, "t1", "pending", time.Now().Add(-time.Minute).UnixMilli(), "")

	sweeper := NewSLASweeper(doc, "bb1", false, 10, []string{"fyi-agent"})
	result := sweeper.Tick(time.Now())
	require.Len(t, result.Breaches, 1)
	assert.Equal(t, ReasonNotified, result.Breaches[0].Reason)

	msgs := doc.GetMap(state.MapMessages)
	found := false
	for _, id := range msgs.Keys() {
		v, _ := msgs.Get(id)
		if to, ok := v["to_agents"].([]any); ok && len(to) == 1 && to[0] == "fyi-agent" {
			found = true
		}
	}
	assert.True(t, found)
}

func taskIDFor(i int) string {
	const letters = "0123456789abcdefghijklmnopqrstuvwxyz"
	return "t-" + string(letters[i/36]) + string(letters[i%36])
}

func TestLockReaperRemovesOnlyStaleLocks(t *testing.T) {
	root := t.TempDir()
	sessDir := filepath.Join(root, "agent-1", "sessions")
	require.NoError(t, os.MkdirAll(sessDir, 0o755))

	staleLock := filepath.Join(sessDir, "stale.jsonl.lock")
	freshLock := filepath.Join(sessDir, "fresh.jsonl.lock")
	require.NoError(t, os.WriteFile(staleLock, []byte("pid=4242"), 0o644))
	require.NoError(t, os.WriteFile(freshLock, []byte("pid=9999"), 0o644))

	old := time.Now().Add(-10 * time.Minute)
	require.NoError(t, os.Chtimes(staleLock, old, old))

	reaper := NewLockReaper(root, 5*time.Minute)
	summary := reaper.Run()

	assert.Equal(t, 2, summary.Found)
	assert.Equal(t, 1, summary.Removed)
	assert.Equal(t, 1, summary.Kept)
	assert.Equal(t, 0, summary.Errors)

	_, err := os.Stat(staleLock)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(freshLock)
	assert.NoError(t, err)
}

func TestLockReaperIgnoresNonLockFiles(t *testing.T) {
	root := t.TempDir()
	sessDir := filepath.Join(root, "agent-1", "sessions")
	require.NoError(t, os.MkdirAll(sessDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sessDir, "session.jsonl"), []byte("{}"), 0o644))

	reaper := NewLockReaper(root, time.Second)
	summary := reaper.Run()
	assert.Equal(t, 0, summary.Found)
}

func TestExtractPIDPrefersAssignmentPattern(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "lock")
	require.NoError(t, os.WriteFile(path, []byte("started at 2024 pid=555 host=x"), 0o644))
	assert.Equal(t, "555", extractPID(path))
}

func TestExtractPIDFallsBackToFirstDigits(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "lock")
	require.NoError(t, os.WriteFile(path, []byte("host started at 99 no pid field here"), 0o644))
	assert.Equal(t, "99", extractPID(path))
}
