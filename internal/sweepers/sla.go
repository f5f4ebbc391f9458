package sweepers

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/likesjx/ansible/internal/id"
	"github.com/likesjx/ansible/internal/metrics"
	"github.com/likesjx/ansible/internal/state"
)

// Breach kinds.
const (
	BreachAccept   = "accept"
	BreachProgress = "progress"
	BreachComplete = "complete"
)

// Escalation outcome reasons.
const (
	ReasonRecordOnly             = "record_only"
	ReasonNotified               = "notified"
	ReasonNoTargets              = "no_targets"
	ReasonMessageBudgetExhausted = "message_budget_exhausted"
)

// slaInfo mirrors metadata.ansible.sla on a task.
type slaInfo struct {
	AcceptByAt   int64                        `json:"acceptByAt,omitempty"`
	ProgressByAt int64                        `json:"progressByAt,omitempty"`
	CompleteByAt int64                        `json:"completeByAt,omitempty"`
	Escalations  map[string]int64             `json:"escalations,omitempty"`
	Outcomes     map[string]escalationOutcome `json:"escalationOutcomes,omitempty"`
}

type escalationOutcome struct {
	Reason string `json:"reason"`
	At     int64  `json:"at"`
}

type taskMetadata struct {
	Ansible *ansibleMetadata `json:"ansible,omitempty"`
}

type ansibleMetadata struct {
	SLA *slaInfo `json:"sla,omitempty"`
}

// Breach describes one detected SLA violation.
type Breach struct {
	TaskID string
	Kind   string
	Reason string
}

// SweepResult is the tool-facing summary of a sweep pass.
type SweepResult struct {
	DryRun             bool
	Scanned            int
	Breaches           []Breach
	BreachCount        int
	EscalationsWritten int
}

// SLASweeper detects and escalates SLA breaches on assigned tasks. Only
// acts when this host is the coordinator.
type SLASweeper struct {
	doc                 *state.Document
	selfNodeID          string
	recordOnly          bool
	maxMessagesPerSweep int
	fyiAgents           []string
}

// NewSLASweeper creates an SLASweeper for selfNodeID.
func NewSLASweeper(doc *state.Document, selfNodeID string, recordOnly bool, maxMessagesPerSweep int, fyiAgents []string) *SLASweeper {
	return &SLASweeper{
		doc: doc, selfNodeID: selfNodeID, recordOnly: recordOnly,
		maxMessagesPerSweep: maxMessagesPerSweep, fyiAgents: fyiAgents,
	}
}

// Tick runs a real (non-dry-run) sweep, gated on coordinator role.
func (s *SLASweeper) Tick(now time.Time) SweepResult {
	if !IsCoordinator(s.doc, s.selfNodeID) {
		return SweepResult{}
	}
	metrics.SweepRunsTotal.WithLabelValues("sla").Inc()
	result := s.sweep(now, false)
	metrics.SweepItemsTotal.WithLabelValues("sla", "escalated").Add(float64(result.EscalationsWritten))
	return result
}

// DryRun counts breaches without mutating any state. Gated on coordinator
// role like Tick, since it reports what the next real tick would do.
func (s *SLASweeper) DryRun(now time.Time) SweepResult {
	if !IsCoordinator(s.doc, s.selfNodeID) {
		return SweepResult{}
	}
	return s.sweep(now, true)
}

func (s *SLASweeper) sweep(now time.Time, dryRun bool) SweepResult {
	tasks := s.doc.GetMap(state.MapTasks)
	nowMS := now.UnixMilli()
	result := SweepResult{DryRun: dryRun}

	messagesSent := 0
	clock := s.doc.Tick()

	for _, taskID := range tasks.Keys() {
		result.Scanned++
		v, ok := tasks.Get(taskID)
		if !ok {
			continue
		}
		sla, ok := decodeSLA(v)
		if !ok {
			continue
		}
		status, _ := v["status"].(string)

		kind := breachKind(status, sla, nowMS)
		if kind == "" {
			continue
		}

		result.BreachCount++

		var reason string
		switch {
		case s.recordOnly:
			reason = ReasonRecordOnly
		case messagesSent >= s.maxMessagesPerSweep:
			reason = ReasonMessageBudgetExhausted
		default:
			targets := notificationTargets(v, s.fyiAgents)
			if len(targets) == 0 {
				reason = ReasonNoTargets
			} else {
				reason = ReasonNotified
			}
		}

		result.Breaches = append(result.Breaches, Breach{TaskID: taskID, Kind: kind, Reason: reason})

		if dryRun {
			continue
		}

		if reason == ReasonNotified {
			targets := notificationTargets(v, s.fyiAgents)
			text := escalationMessageText(taskID, kind, v)
			for _, target := range targets {
				if err := s.emitEscalation(target, text); err != nil {
					slog.Warn("sweepers: sla escalation message failed", "task_id", taskID, "target", target, "error", err)
					continue
				}
			}
			messagesSent++
		}

		if sla.Escalations == nil {
			sla.Escalations = map[string]int64{}
		}
		if sla.Outcomes == nil {
			sla.Outcomes = map[string]escalationOutcome{}
		}
		sla.Escalations[kind+"At"] = nowMS
		sla.Outcomes[kind] = escalationOutcome{Reason: reason, At: nowMS}
		result.EscalationsWritten++

		if err := writeSLA(tasks, taskID, sla, clock); err != nil {
			slog.Warn("sweepers: write sla escalation failed", "task_id", taskID, "error", err)
		}
	}

	return result
}

func decodeSLA(v map[string]any) (*slaInfo, bool) {
	raw, ok := v["metadata"]
	if !ok {
		return nil, false
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var md taskMetadata
	if err := json.Unmarshal(b, &md); err != nil {
		return nil, false
	}
	if md.Ansible == nil || md.Ansible.SLA == nil {
		return nil, false
	}
	return md.Ansible.SLA, true
}

func writeSLA(tasks *state.CRDTMap, taskID string, sla *slaInfo, clock state.HLC) error {
	record, _ := tasks.Get(taskID)
	var md taskMetadata
	if raw, ok := record["metadata"]; ok {
		if b, err := json.Marshal(raw); err == nil {
			_ = json.Unmarshal(b, &md)
		}
	}
	if md.Ansible == nil {
		md.Ansible = &ansibleMetadata{}
	}
	md.Ansible.SLA = sla
	return tasks.SetFields(taskID, map[string]any{"metadata": md}, clock)
}

// breachKind returns the breach kind due (if any) that has not already been
// escalated, per the three breach predicates.
func breachKind(status string, sla *slaInfo, nowMS int64) string {
	alreadyEscalated := func(k string) bool {
		_, ok := sla.Escalations[k+"At"]
		return ok
	}
	switch {
	case status == "pending" && sla.AcceptByAt != 0 && nowMS > sla.AcceptByAt && !alreadyEscalated(BreachAccept):
		return BreachAccept
	case (status == "claimed" || status == "in_progress") && sla.ProgressByAt != 0 && nowMS > sla.ProgressByAt && !alreadyEscalated(BreachProgress):
		return BreachProgress
	case (status == "claimed" || status == "in_progress") && sla.CompleteByAt != 0 && nowMS > sla.CompleteByAt && !alreadyEscalated(BreachComplete):
		return BreachComplete
	}
	return ""
}

func notificationTargets(v map[string]any, fyiAgents []string) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(agent string) {
		if agent == "" {
			return
		}
		if _, ok := seen[agent]; ok {
			return
		}
		seen[agent] = struct{}{}
		out = append(out, agent)
	}
	createdBy, _ := v["createdBy_agent"].(string)
	claimedBy, _ := v["claimedBy_agent"].(string)
	add(createdBy)
	add(claimedBy)
	if len(out) == 0 {
		for _, a := range fyiAgents {
			add(a)
		}
	}
	return out
}

func escalationMessageText(taskID, kind string, v map[string]any) string {
	title, _ := v["title"].(string)
	return "SLA " + kind + " breach on task " + taskID + ": " + title
}

func (s *SLASweeper) emitEscalation(target, text string) error {
	now := time.Now().UnixMilli()
	messageID := id.Generate()
	fields := map[string]any{
		"id":         messageID,
		"from_agent": s.selfNodeID,
		"from_node":  s.selfNodeID,
		"to_agents":  []any{target},
		"content":    text,
		"timestamp":  now,
		"updatedAt":  now,
	}
	return s.doc.GetMap(state.MapMessages).SetFields(messageID, fields, s.doc.Tick())
}
