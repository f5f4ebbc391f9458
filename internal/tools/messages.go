package tools

import (
	"sort"
	"time"

	"github.com/likesjx/ansible/internal/ansibleerr"
	"github.com/likesjx/ansible/internal/id"
	"github.com/likesjx/ansible/internal/state"
)

// SendMessageRequest is the input to SendMessage.
type SendMessageRequest struct {
	Content  string         `json:"content"`
	To       []string       `json:"to,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SendMessage writes a message addressed to To, or broadcasts it if To is
// empty.
func (t *Tools) SendMessage(fromAgent string, req SendMessageRequest) (string, error) {
	if err := requireNonEmpty("content", req.Content); err != nil {
		return "", err
	}
	if err := validateLen("content", req.Content, maxMessageLen); err != nil {
		return "", err
	}

	now := time.Now().UnixMilli()
	messageID := id.Generate()
	to := make([]any, 0, len(req.To))
	for _, a := range req.To {
		to = append(to, a)
	}

	fields := map[string]any{
		"id":         messageID,
		"from_agent": fromAgent,
		"from_node":  t.selfNodeID,
		"content":    req.Content,
		"timestamp":  now,
		"updatedAt":  now,
	}
	if len(to) > 0 {
		fields["to_agents"] = to
	}
	if req.Metadata != nil {
		fields["metadata"] = req.Metadata
	}

	if err := t.doc.GetMap(state.MapMessages).SetFields(messageID, fields, t.doc.Tick()); err != nil {
		return "", ansibleerr.Wrap(ansibleerr.InvalidState, err, "write message")
	}
	t.requestReconcile("send_message")
	return messageID, nil
}

// MessageView is the tool-facing shape of one message.
type MessageView struct {
	ID        string   `json:"id"`
	FromAgent string   `json:"fromAgent"`
	To        []string `json:"to,omitempty"`
	Content   string   `json:"content"`
	Timestamp int64    `json:"timestamp"`
}

// ReadMessagesRequest is the input to ReadMessages.
type ReadMessagesRequest struct {
	All   bool   `json:"all,omitempty"`
	From  string `json:"from,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// ReadMessages returns messages visible to selfAgent, newest-first. By
// default only unread-for-self messages addressed to self or broadcast are
// returned; All includes read messages too.
func (t *Tools) ReadMessages(selfAgent string, req ReadMessagesRequest) []MessageView {
	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}

	messages := t.doc.GetMap(state.MapMessages)
	var out []MessageView
	for _, msgID := range messages.Keys() {
		v, ok := messages.Get(msgID)
		if !ok {
			continue
		}
		if req.From != "" {
			if from, _ := v["from_agent"].(string); from != req.From {
				continue
			}
		}
		if !req.All {
			if !addressedTo(v, selfAgent) || isReadBy(v, selfAgent) {
				continue
			}
		} else if !addressedTo(v, selfAgent) {
			continue
		}
		out = append(out, messageView(msgID, v))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// MarkReadRequest is the input to MarkRead.
type MarkReadRequest struct {
	MessageIDs []string `json:"messageIds,omitempty"`
}

// MarkRead marks the given messages (or, if MessageIDs is empty, every
// currently-unread message addressed to selfAgent) as read by selfAgent.
func (t *Tools) MarkRead(selfAgent string, req MarkReadRequest) (int, error) {
	messages := t.doc.GetMap(state.MapMessages)
	ids := req.MessageIDs
	if len(ids) == 0 {
		for _, msgID := range messages.Keys() {
			v, ok := messages.Get(msgID)
			if ok && addressedTo(v, selfAgent) && !isReadBy(v, selfAgent) {
				ids = append(ids, msgID)
			}
		}
	}

	marked := 0
	clock := t.doc.Tick()
	for _, msgID := range ids {
		v, ok := messages.Get(msgID)
		if !ok {
			continue
		}
		if isReadBy(v, selfAgent) {
			continue
		}
		readBy := readByAgentsOf(v)
		readBy = append(readBy, selfAgent)
		if err := messages.SetFields(msgID, map[string]any{"readBy_agents": readBy}, clock); err != nil {
			return marked, ansibleerr.Wrap(ansibleerr.InvalidState, err, "mark read")
		}
		marked++
	}
	return marked, nil
}

// DeleteMessagesRequest is the input to DeleteMessages. At least one
// selector must be set.
type DeleteMessagesRequest struct {
	IDs            []string `json:"ids,omitempty"`
	All            bool     `json:"all,omitempty"`
	From           string   `json:"from,omitempty"`
	ConversationID string   `json:"conversationId,omitempty"`
	BeforeTS       int64    `json:"beforeTs,omitempty"`
	Confirm        string   `json:"confirm"`
	Reason         string   `json:"reason"`
	DryRun         bool     `json:"dryRun,omitempty"`
}

const deleteMessagesConfirmPhrase = "DELETE MESSAGES"

// DeleteMessages permanently removes matching messages. Requires an admin
// capability on the caller's node, the literal confirmation phrase, a
// reason of at least 15 characters, and at least one selector.
func (t *Tools) DeleteMessages(callerNodeID string, req DeleteMessagesRequest) ([]string, error) {
	if !hasCapability(t.admission.NodeCapabilities(callerNodeID), "admin") {
		return nil, ansibleerr.New(ansibleerr.NotAuthorized, "delete_messages requires admin capability")
	}
	if req.Confirm != deleteMessagesConfirmPhrase {
		return nil, ansibleerr.New(ansibleerr.InvalidParams, "confirm must equal %q", deleteMessagesConfirmPhrase)
	}
	if len(req.Reason) < minDeleteReason {
		return nil, ansibleerr.New(ansibleerr.InvalidParams, "reason must be at least %d characters", minDeleteReason)
	}
	if len(req.IDs) == 0 && !req.All && req.From == "" && req.ConversationID == "" && req.BeforeTS == 0 {
		return nil, ansibleerr.New(ansibleerr.InvalidParams, "at least one selector is required")
	}

	messages := t.doc.GetMap(state.MapMessages)
	idSet := map[string]struct{}{}
	for _, id := range req.IDs {
		idSet[id] = struct{}{}
	}

	var matched []string
	for _, msgID := range messages.Keys() {
		v, ok := messages.Get(msgID)
		if !ok {
			continue
		}
		if _, inSet := idSet[msgID]; len(req.IDs) > 0 && !inSet {
			continue
		}
		if req.From != "" {
			if from, _ := v["from_agent"].(string); from != req.From {
				continue
			}
		}
		if req.ConversationID != "" {
			if conv, _ := v["conversationId"].(string); conv != req.ConversationID {
				continue
			}
		}
		if req.BeforeTS != 0 {
			ts := asInt64(v["timestamp"])
			if ts >= req.BeforeTS {
				continue
			}
		}
		matched = append(matched, msgID)
	}

	if req.DryRun {
		return matched, nil
	}

	clock := t.doc.Tick()
	for _, msgID := range matched {
		messages.Delete(msgID, clock)
	}
	return matched, nil
}

func messageView(id string, v map[string]any) MessageView {
	view := MessageView{ID: id}
	view.FromAgent, _ = v["from_agent"].(string)
	view.Content, _ = v["content"].(string)
	view.Timestamp = asInt64(v["timestamp"])
	if to, ok := v["to_agents"].([]any); ok {
		for _, a := range to {
			if s, ok := a.(string); ok {
				view.To = append(view.To, s)
			}
		}
	}
	return view
}

func addressedTo(v map[string]any, nodeID string) bool {
	to, ok := v["to_agents"].([]any)
	if !ok || len(to) == 0 {
		return true
	}
	for _, a := range to {
		if s, _ := a.(string); s == nodeID {
			return true
		}
	}
	return false
}

func isReadBy(v map[string]any, agent string) bool {
	for _, a := range readByAgentsOf(v) {
		if a == agent {
			return true
		}
	}
	return false
}

func readByAgentsOf(v map[string]any) []string {
	raw, _ := v["readBy_agents"].([]any)
	out := make([]string, 0, len(raw))
	for _, a := range raw {
		if s, ok := a.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func hasCapability(caps []string, want string) bool {
	for _, c := range caps {
		if c == want {
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
