package tools

import (
	"github.com/likesjx/ansible/internal/ansibleerr"
	"github.com/likesjx/ansible/internal/state"
	"github.com/likesjx/ansible/internal/sweepers"
)

// CoordinationView is the tool-facing read of coordination state.
type CoordinationView struct {
	Coordinator             string `json:"coordinator"`
	SweepEverySeconds       int64  `json:"sweepEverySeconds,omitempty"`
	ClosedTaskRetentionDays int64  `json:"closedTaskRetentionDays,omitempty"`
	PruneEveryHours         int64  `json:"pruneEveryHours,omitempty"`
}

const (
	coordKeySweepEverySeconds = "sweepEverySeconds"
)

// GetCoordination reports the current coordinator and retention settings.
func (t *Tools) GetCoordination() CoordinationView {
	doc := t.doc
	view := CoordinationView{Coordinator: sweepers.CurrentCoordinator(doc)}
	view.SweepEverySeconds = coordinationIntField(t, coordKeySweepEverySeconds)
	view.ClosedTaskRetentionDays = coordinationIntField(t, "retentionClosedTaskSeconds") / 86400
	view.PruneEveryHours = coordinationIntField(t, "retentionPruneEverySeconds") / 3600
	return view
}

func coordinationIntField(t *Tools, key string) int64 {
	v, ok := t.doc.GetMap(state.MapCoordination).GetField(key, "value")
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	default:
		return 0
	}
}

// SetCoordinationPreferenceRequest is the input to SetCoordinationPreference.
type SetCoordinationPreferenceRequest struct {
	PreferredCoordinator string `json:"preferredCoordinator"`
}

// SetCoordinationPreference records this node's preferred coordinator as
// advisory context, without changing the active coordinator.
func (t *Tools) SetCoordinationPreference(callerNodeID string, req SetCoordinationPreferenceRequest) error {
	if req.PreferredCoordinator == "" {
		return ansibleerr.New(ansibleerr.InvalidParams, "preferredCoordinator is required")
	}
	return t.doc.GetMap(state.MapCoordination).SetFields("preferredCoordinator."+callerNodeID, map[string]any{
		"value": req.PreferredCoordinator,
	}, t.doc.Tick())
}

// SetCoordinationRequest is the input to SetCoordination.
type SetCoordinationRequest struct {
	Coordinator       string `json:"coordinator"`
	SweepEverySeconds int64  `json:"sweepEverySeconds,omitempty"`
	ConfirmLastResort bool   `json:"confirmLastResort,omitempty"`
}

// SetCoordination changes the active coordinator and, optionally, the
// sweep cadence. Changing away from an existing coordinator requires
// ConfirmLastResort.
func (t *Tools) SetCoordination(req SetCoordinationRequest) error {
	if err := sweepers.SetCoordinator(t.doc, req.Coordinator, req.ConfirmLastResort); err != nil {
		return err
	}
	if req.SweepEverySeconds > 0 {
		if err := t.doc.GetMap(state.MapCoordination).SetFields(coordKeySweepEverySeconds, map[string]any{
			"value": req.SweepEverySeconds,
		}, t.doc.Tick()); err != nil {
			return ansibleerr.Wrap(ansibleerr.InvalidState, err, "write sweepEverySeconds")
		}
	}
	return nil
}

// SetRetentionRequest is the input to SetRetention.
type SetRetentionRequest struct {
	ClosedTaskRetentionDays int64 `json:"closedTaskRetentionDays"`
	PruneEveryHours         int64 `json:"pruneEveryHours"`
}

// SetRetention configures the closed-task retention window and prune
// cadence. ClosedTaskRetentionDays must be in [1,90]; PruneEveryHours in
// [1,168].
func (t *Tools) SetRetention(req SetRetentionRequest) error {
	if req.ClosedTaskRetentionDays < 1 || req.ClosedTaskRetentionDays > 90 {
		return ansibleerr.New(ansibleerr.InvalidParams, "closedTaskRetentionDays must be in [1,90]")
	}
	if req.PruneEveryHours < 1 || req.PruneEveryHours > 168 {
		return ansibleerr.New(ansibleerr.InvalidParams, "pruneEveryHours must be in [1,168]")
	}
	coordination := t.doc.GetMap(state.MapCoordination)
	clock := t.doc.Tick()
	if err := coordination.SetFields("retentionClosedTaskSeconds", map[string]any{
		"value": req.ClosedTaskRetentionDays * 86400,
	}, clock); err != nil {
		return ansibleerr.Wrap(ansibleerr.InvalidState, err, "write retention window")
	}
	if err := coordination.SetFields("retentionPruneEverySeconds", map[string]any{
		"value": req.PruneEveryHours * 3600,
	}, clock); err != nil {
		return ansibleerr.Wrap(ansibleerr.InvalidState, err, "write prune cadence")
	}
	return nil
}
