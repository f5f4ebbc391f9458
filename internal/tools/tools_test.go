package tools

import (
	"strings"
	"testing"
	"time"

	"github.com/likesjx/ansible/internal/admission"
	"github.com/likesjx/ansible/internal/presence"
	"github.com/likesjx/ansible/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTools(t *testing.T) *Tools {
	t.Helper()
	doc := state.NewDocument("bb1")
	adm := admission.New(doc)
	require.NoError(t, adm.Bootstrap("bb1", admission.TierBackbone, []string{"admin"}))
	reg := presence.New(doc, "bb1", 300*time.Second)
	return New(doc, adm, reg, nil, "bb1")
}

func TestSendMessageAndReadMessagesRoundTrip(t *testing.T) {
	tools := newTestTools(t)

	msgID, err := tools.SendMessage("alice", SendMessageRequest{Content: "hello", To: []string{"bob"}})
	require.NoError(t, err)
	assert.NotEmpty(t, msgID)

	unread := tools.ReadMessages("bob", ReadMessagesRequest{})
	require.Len(t, unread, 1)
	assert.Equal(t, "hello", unread[0].Content)

	n, err := tools.MarkRead("bob", MarkReadRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	unread = tools.ReadMessages("bob", ReadMessagesRequest{})
	assert.Empty(t, unread)

	all := tools.ReadMessages("bob", ReadMessagesRequest{All: true})
	assert.Len(t, all, 1)
}

func TestSendMessageBroadcastReachesAnyReader(t *testing.T) {
	tools := newTestTools(t)
	_, err := tools.SendMessage("alice", SendMessageRequest{Content: "broadcast"})
	require.NoError(t, err)

	unread := tools.ReadMessages("bob", ReadMessagesRequest{})
	require.Len(t, unread, 1)
}

func TestSendMessageRejectsOversizedContent(t *testing.T) {
	tools := newTestTools(t)
	_, err := tools.SendMessage("alice", SendMessageRequest{Content: strings.Repeat("a", maxMessageLen+1)})
	require.Error(t, err)
}

func TestDeleteMessagesRequiresAdminAndConfirmation(t *testing.T) {
	tools := newTestTools(t)
	_, _ = tools.SendMessage("alice", SendMessageRequest{Content: "x"})

	_, err := tools.DeleteMessages("bb1", DeleteMessagesRequest{
		All: true, Confirm: "wrong", Reason: "cleaning up old test messages",
	})
	require.Error(t, err)

	_, err = tools.DeleteMessages("bb1", DeleteMessagesRequest{
		All: true, Confirm: deleteMessagesConfirmPhrase, Reason: "short",
	})
	require.Error(t, err)

	doc := state.NewDocument("bb2")
	adm := admission.New(doc)
	require.NoError(t, adm.Bootstrap("bb2", admission.TierBackbone, nil))
	nonAdminTools := New(doc, adm, presence.New(doc, "bb2", 300*time.Second), nil, "bb2")
	_, _ = nonAdminTools.SendMessage("alice", SendMessageRequest{Content: "x"})
	_, err = nonAdminTools.DeleteMessages("bb2", DeleteMessagesRequest{
		All: true, Confirm: deleteMessagesConfirmPhrase, Reason: "cleaning up old test messages",
	})
	require.Error(t, err)

	deleted, err := tools.DeleteMessages("bb1", DeleteMessagesRequest{
		All: true, Confirm: deleteMessagesConfirmPhrase, Reason: "cleaning up old test messages",
	})
	require.NoError(t, err)
	assert.Len(t, deleted, 1)
}

func TestDeleteMessagesDryRunDoesNotMutate(t *testing.T) {
	tools := newTestTools(t)
	_, _ = tools.SendMessage("alice", SendMessageRequest{Content: "x"})

	matched, err := tools.DeleteMessages("bb1", DeleteMessagesRequest{
		All: true, Confirm: deleteMessagesConfirmPhrase, Reason: "cleaning up old test messages", DryRun: true,
	})
	require.NoError(t, err)
	assert.Len(t, matched, 1)

	unread := tools.ReadMessages("bob", ReadMessagesRequest{All: true})
	assert.Len(t, unread, 1)
}

func TestDelegateTaskExplicitAssignment(t *testing.T) {
	tools := newTestTools(t)
	taskID, err := tools.DelegateTask("alice", DelegateTaskRequest{
		Title: "do the thing", Description: "details", AssignedTo: "bob",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, taskID)
}

func TestDelegateTaskRejectsUnresolvableAssignment(t *testing.T) {
	tools := newTestTools(t)
	_, err := tools.DelegateTask("alice", DelegateTaskRequest{Title: "t", Description: "d"})
	require.Error(t, err)
}

func TestDelegateTaskResolvesBySkill(t *testing.T) {
	tools := newTestTools(t)
	require.NoError(t, tools.doc.GetMap(state.MapContext).SetFields("bob", map[string]any{
		"skills": []any{"go"},
	}, tools.doc.Tick()))

	taskID, err := tools.DelegateTask("alice", DelegateTaskRequest{
		Title: "t", Description: "d", SkillRequired: "go",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, taskID)
}

func TestClaimUpdateCompleteTaskLifecycle(t *testing.T) {
	tools := newTestTools(t)
	taskID, err := tools.DelegateTask("alice", DelegateTaskRequest{
		Title: "t", Description: "d", AssignedTo: "bob",
	})
	require.NoError(t, err)

	_, err = tools.ClaimTask(taskID[:8], "bob")
	require.NoError(t, err)

	_, err = tools.ClaimTask(taskID, "carol")
	require.Error(t, err, "already-claimed task cannot be re-claimed via pending check")

	err = tools.UpdateTask("carol", UpdateTaskRequest{TaskID: taskID, Status: "in_progress"})
	require.Error(t, err, "only the claimer may update")

	err = tools.UpdateTask("bob", UpdateTaskRequest{TaskID: taskID, Status: "in_progress"})
	require.NoError(t, err)

	err = tools.CompleteTask("bob", CompleteTaskRequest{TaskID: taskID, Result: "done"})
	require.NoError(t, err)

	v, ok := tools.doc.GetMap(state.MapTasks).Get(taskID)
	require.True(t, ok)
	assert.Equal(t, "completed", v["status"])
}

func TestClaimTaskAmbiguousPrefix(t *testing.T) {
	tools := newTestTools(t)
	tasks := tools.doc.GetMap(state.MapTasks)
	require.NoError(t, tasks.SetFields("shared-1", map[string]any{"title": "t1", "status": "pending"}, tools.doc.Tick()))
	require.NoError(t, tasks.SetFields("shared-2", map[string]any{"title": "t2", "status": "pending"}, tools.doc.Tick()))

	_, err := tools.ClaimTask("shared-", "bob")
	require.Error(t, err)
}

func TestRegisterAndListAgents(t *testing.T) {
	tools := newTestTools(t)
	require.NoError(t, tools.RegisterAgent(RegisterAgentRequest{AgentID: "bob", Type: "internal", Gateway: "bb1"}))
	require.NoError(t, tools.RegisterAgent(RegisterAgentRequest{AgentID: "carol", Type: "external"}))

	agents := tools.ListAgents()
	assert.Len(t, agents, 2)
}

func TestStatusReportsSelfAndPendingTasks(t *testing.T) {
	tools := newTestTools(t)
	_, err := tools.DelegateTask("alice", DelegateTaskRequest{Title: "t", Description: "d", AssignedTo: "bob"})
	require.NoError(t, err)

	report := tools.Status()
	assert.Equal(t, "bb1", report.MyID)
	assert.Len(t, report.PendingTasks, 1)
}

func TestCoordinationRoundTrip(t *testing.T) {
	tools := newTestTools(t)
	require.NoError(t, tools.SetCoordination(SetCoordinationRequest{Coordinator: "bb1"}))
	require.NoError(t, tools.SetRetention(SetRetentionRequest{ClosedTaskRetentionDays: 3, PruneEveryHours: 12}))

	view := tools.GetCoordination()
	assert.Equal(t, "bb1", view.Coordinator)
	assert.Equal(t, int64(3), view.ClosedTaskRetentionDays)
	assert.Equal(t, int64(12), view.PruneEveryHours)
}

func TestSetRetentionRejectsOutOfRangeValues(t *testing.T) {
	tools := newTestTools(t)
	require.Error(t, tools.SetRetention(SetRetentionRequest{ClosedTaskRetentionDays: 0, PruneEveryHours: 12}))
	require.Error(t, tools.SetRetention(SetRetentionRequest{ClosedTaskRetentionDays: 10, PruneEveryHours: 200}))
}

func TestDelegationPolicySetGetAck(t *testing.T) {
	tools := newTestTools(t)
	require.NoError(t, tools.SetCoordination(SetCoordinationRequest{Coordinator: "bb1"}))

	err := tools.SetDelegationPolicy("bb1", SetDelegationPolicyRequest{
		PolicyMarkdown: "# policy", Version: 1,
	})
	require.NoError(t, err)

	policy := tools.GetDelegationPolicy()
	assert.Equal(t, int64(1), policy.Version)
	assert.NotEmpty(t, policy.Checksum)

	require.NoError(t, tools.AckDelegationPolicy("bob", AckDelegationPolicyRequest{Version: 1}))
	require.Error(t, tools.AckDelegationPolicy("bob", AckDelegationPolicyRequest{Version: 2}))
}

func TestSetDelegationPolicyRequiresCoordinator(t *testing.T) {
	tools := newTestTools(t)
	err := tools.SetDelegationPolicy("bb1", SetDelegationPolicyRequest{PolicyMarkdown: "# policy", Version: 1})
	require.Error(t, err)
}
