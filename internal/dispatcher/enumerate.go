package dispatcher

import (
	"sort"

	"github.com/likesjx/ansible/internal/state"
)

// WorkItem is one pending (item, target) pair ready to dispatch.
type WorkItem struct {
	Kind      Kind
	ItemID    string
	Target    string
	FromAgent string
	FromNode  string
	Content   string
	// Order is the field work items sort on: timestamp for messages,
	// createdAt for tasks.
	Order int64
}

// skipFn reports whether the given item key should be skipped because a
// retry timer or in-flight dispatch already owns it.
type skipFn func(key string) bool

// EnumeratePending returns every pending message and task work item for
// the given local agent set, ordered per dispatch group: messages by
// ascending timestamp (tie-broken by id), then tasks by ascending
// createdAt (tie-broken by id).
func EnumeratePending(doc *state.Document, localAgents []string, skip skipFn) []WorkItem {
	items := enumerateMessages(doc, localAgents, skip)
	items = append(items, enumerateTasks(doc, localAgents, skip)...)
	return items
}

func enumerateMessages(doc *state.Document, localAgents []string, skip skipFn) []WorkItem {
	messages := doc.GetMap(state.MapMessages)

	var out []WorkItem
	for _, id := range messages.Keys() {
		v, ok := messages.Get(id)
		if !ok {
			continue
		}
		fromAgent, _ := v["from_agent"].(string)
		if fromAgent == "" {
			continue // dead state, no routing origin
		}
		toAgents, hasTo := v["to_agents"].([]any)

		for _, target := range localAgents {
			if fromAgent == target {
				continue
			}
			if hasTo && len(toAgents) > 0 && !containsString(toAgents, target) {
				continue
			}
			if isDelivered(v, target) {
				continue
			}
			if attemptsFor(v, target) >= MaxAttempts {
				continue
			}
			key := ItemKey(KindMessage, id, target)
			if skip != nil && skip(key) {
				continue
			}

			content, _ := v["content"].(string)
			fromNode, _ := v["from_node"].(string)
			out = append(out, WorkItem{
				Kind: KindMessage, ItemID: id, Target: target,
				FromAgent: fromAgent, FromNode: fromNode, Content: content,
				Order: asInt64(v["timestamp"]),
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ItemID < out[j].ItemID
	})
	return out
}

func enumerateTasks(doc *state.Document, localAgents []string, skip skipFn) []WorkItem {
	tasks := doc.GetMap(state.MapTasks)
	contextMap := doc.GetMap(state.MapContext)

	var out []WorkItem
	for _, id := range tasks.Keys() {
		v, ok := tasks.Get(id)
		if !ok {
			continue
		}
		assignees := taskAssignees(v)
		if len(assignees) == 0 {
			continue
		}
		status, _ := v["status"].(string)
		if status != "pending" && status != "claimed" && status != "in_progress" {
			continue
		}
		createdByAgent, _ := v["createdBy_agent"].(string)
		claimedByAgent, _ := v["claimedBy_agent"].(string)
		skillRequired, _ := v["skillRequired"].(string)

		for _, target := range localAgents {
			if createdByAgent == target {
				continue
			}
			if !containsStringSlice(assignees, target) {
				continue
			}
			if status == "claimed" && claimedByAgent != "" && claimedByAgent != target {
				continue
			}
			if skillRequired != "" && !agentHasSkill(contextMap, target, skillRequired) {
				continue
			}
			if isDelivered(v, target) {
				continue
			}
			if attemptsFor(v, target) >= MaxAttempts {
				continue
			}
			key := ItemKey(KindTask, id, target)
			if skip != nil && skip(key) {
				continue
			}

			desc, _ := v["description"].(string)
			out = append(out, WorkItem{
				Kind: KindTask, ItemID: id, Target: target,
				FromAgent: createdByAgent, Content: desc,
				Order: asInt64(v["createdAt"]),
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ItemID < out[j].ItemID
	})
	return out
}

func taskAssignees(v map[string]any) []string {
	var out []string
	if single, ok := v["assignedTo_agent"].(string); ok && single != "" {
		out = append(out, single)
	}
	if many, ok := v["assignedTo_agents"].([]any); ok {
		for _, a := range many {
			if s, ok := a.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func agentHasSkill(contextMap *state.CRDTMap, agentID, skill string) bool {
	v, ok := contextMap.Get(agentID)
	if !ok {
		return false
	}
	skills, ok := v["skills"].([]any)
	if !ok {
		return false
	}
	for _, s := range skills {
		if str, ok := s.(string); ok && str == skill {
			return true
		}
	}
	return false
}

func containsString(haystack []any, needle string) bool {
	for _, v := range haystack {
		if s, ok := v.(string); ok && s == needle {
			return true
		}
	}
	return false
}

func containsStringSlice(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	default:
		return 0
	}
}
