package tools

import (
	"time"

	"github.com/likesjx/ansible/internal/ansibleerr"
	"github.com/likesjx/ansible/internal/id"
	"github.com/likesjx/ansible/internal/state"
)

// DelegateTaskRequest is the input to DelegateTask.
type DelegateTaskRequest struct {
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	Context       string         `json:"context,omitempty"`
	AssignedTo    string         `json:"assignedTo,omitempty"`
	Requires      []string       `json:"requires,omitempty"`
	SkillRequired string         `json:"skillRequired,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// DelegateTask writes a pending task. The assignment resolves to concrete
// agents: an explicit AssignedTo takes precedence; otherwise agents are
// matched by skillRequired against context[agent].skills.
func (t *Tools) DelegateTask(fromAgent string, req DelegateTaskRequest) (string, error) {
	if err := requireNonEmpty("title", req.Title); err != nil {
		return "", err
	}
	if err := validateLen("title", req.Title, maxTitleLen); err != nil {
		return "", err
	}
	if err := validateLen("description", req.Description, maxDescriptionLen); err != nil {
		return "", err
	}
	if err := validateLen("context", req.Context, maxContextLen); err != nil {
		return "", err
	}

	assignees := t.resolveAssignees(req)
	if len(assignees) == 0 {
		return "", ansibleerr.New(ansibleerr.InvalidParams, "no agent could be assigned (no assignedTo and no skill match)")
	}

	now := time.Now().UnixMilli()
	taskID := id.Generate()
	fields := map[string]any{
		"id":               taskID,
		"title":            req.Title,
		"description":      req.Description,
		"status":           "pending",
		"createdBy_agent":  fromAgent,
		"createdAt":        now,
		"updatedAt":        now,
		"assignedTo_agents": anySlice(assignees),
	}
	if req.Context != "" {
		fields["context"] = req.Context
	}
	if req.SkillRequired != "" {
		fields["skillRequired"] = req.SkillRequired
	}
	if len(req.Requires) > 0 {
		fields["requires"] = anySlice(req.Requires)
	}
	if req.Metadata != nil {
		fields["metadata"] = req.Metadata
	}

	if err := t.doc.GetMap(state.MapTasks).SetFields(taskID, fields, t.doc.Tick()); err != nil {
		return "", ansibleerr.Wrap(ansibleerr.InvalidState, err, "write task")
	}
	t.requestReconcile("delegate_task")
	return taskID, nil
}

func (t *Tools) resolveAssignees(req DelegateTaskRequest) []string {
	if req.AssignedTo != "" {
		return []string{req.AssignedTo}
	}
	if req.SkillRequired == "" {
		return nil
	}
	contextMap := t.doc.GetMap(state.MapContext)
	var out []string
	for _, agentID := range contextMap.Keys() {
		v, ok := contextMap.Get(agentID)
		if !ok {
			continue
		}
		skills, _ := v["skills"].([]any)
		for _, s := range skills {
			if str, _ := s.(string); str == req.SkillRequired {
				out = append(out, agentID)
				break
			}
		}
	}
	return out
}

// ClaimTask transitions a pending task to claimed by agentID. Rejects a
// task that is not pending. taskIDOrPrefix may be a full id or an
// unambiguous prefix.
func (t *Tools) ClaimTask(taskIDOrPrefix, agentID string) (string, error) {
	tasks := t.doc.GetMap(state.MapTasks)
	taskID, err := resolveKey(tasks, taskIDOrPrefix)
	if err != nil {
		return "", err
	}
	v, _ := tasks.Get(taskID)
	if status, _ := v["status"].(string); status != "pending" {
		return "", ansibleerr.New(ansibleerr.InvalidState, "task %s is not pending (status=%s)", taskID, status)
	}

	now := time.Now().UnixMilli()
	fields := map[string]any{
		"status":          "claimed",
		"claimedBy_agent": agentID,
		"claimedAt":       now,
		"updatedAt":       now,
	}
	if err := tasks.SetFields(taskID, fields, t.doc.Tick()); err != nil {
		return "", ansibleerr.Wrap(ansibleerr.InvalidState, err, "claim task")
	}
	t.requestReconcile("claim_task")
	return taskID, nil
}

// UpdateTaskRequest is the input to UpdateTask.
type UpdateTaskRequest struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
	Result string `json:"result,omitempty"`
	Notify bool   `json:"notify,omitempty"`
}

// UpdateTask transitions a claimed task to in_progress or failed. Only the
// current claimer may update it.
func (t *Tools) UpdateTask(callerAgent string, req UpdateTaskRequest) error {
	if req.Status != "in_progress" && req.Status != "failed" {
		return ansibleerr.New(ansibleerr.InvalidParams, "status must be in_progress or failed")
	}
	if err := validateLen("result", req.Result, maxResultLen); err != nil {
		return err
	}

	tasks := t.doc.GetMap(state.MapTasks)
	taskID, err := resolveKey(tasks, req.TaskID)
	if err != nil {
		return err
	}
	v, _ := tasks.Get(taskID)
	claimedBy, _ := v["claimedBy_agent"].(string)
	if claimedBy != callerAgent {
		return ansibleerr.New(ansibleerr.NotAuthorized, "only the claimer may update task %s", taskID)
	}

	now := time.Now().UnixMilli()
	fields := map[string]any{"status": req.Status, "updatedAt": now}
	if req.Note != "" {
		fields["note"] = req.Note
	}
	if req.Result != "" {
		fields["result"] = req.Result
	}
	if req.Status == "failed" {
		fields["failedAt"] = now
	}
	if err := tasks.SetFields(taskID, fields, t.doc.Tick()); err != nil {
		return ansibleerr.Wrap(ansibleerr.InvalidState, err, "update task")
	}

	if req.Notify {
		createdBy, _ := v["createdBy_agent"].(string)
		if createdBy != "" {
			_, _ = t.SendMessage(callerAgent, SendMessageRequest{
				Content: "task " + taskID + " updated: " + req.Status,
				To:      []string{createdBy},
			})
		}
	}
	t.requestReconcile("update_task")
	return nil
}

// CompleteTaskRequest is the input to CompleteTask.
type CompleteTaskRequest struct {
	TaskID string `json:"taskId"`
	Result string `json:"result,omitempty"`
}

// CompleteTask marks a claimed task completed. Only the current claimer may
// complete it; the creator is always notified.
func (t *Tools) CompleteTask(callerAgent string, req CompleteTaskRequest) error {
	if err := validateLen("result", req.Result, maxResultLen); err != nil {
		return err
	}

	tasks := t.doc.GetMap(state.MapTasks)
	taskID, err := resolveKey(tasks, req.TaskID)
	if err != nil {
		return err
	}
	v, _ := tasks.Get(taskID)
	claimedBy, _ := v["claimedBy_agent"].(string)
	if claimedBy != callerAgent {
		return ansibleerr.New(ansibleerr.NotAuthorized, "only the claimer may complete task %s", taskID)
	}

	now := time.Now().UnixMilli()
	fields := map[string]any{"status": "completed", "completedAt": now, "updatedAt": now}
	if req.Result != "" {
		fields["result"] = req.Result
	}
	if err := tasks.SetFields(taskID, fields, t.doc.Tick()); err != nil {
		return ansibleerr.Wrap(ansibleerr.InvalidState, err, "complete task")
	}

	createdBy, _ := v["createdBy_agent"].(string)
	if createdBy != "" {
		text := "task " + taskID + " completed"
		if req.Result != "" {
			text += ": " + req.Result
		}
		_, _ = t.SendMessage(callerAgent, SendMessageRequest{Content: text, To: []string{createdBy}})
	}
	t.requestReconcile("complete_task")
	return nil
}

func anySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
