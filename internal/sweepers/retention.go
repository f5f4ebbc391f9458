package sweepers

import (
	"context"
	"log/slog"
	"time"

	"github.com/likesjx/ansible/internal/config"
	"github.com/likesjx/ansible/internal/metrics"
	"github.com/likesjx/ansible/internal/state"
)

const (
	defaultRetentionClosedTaskSeconds = 7 * 24 * 3600
	defaultRetentionPruneEverySeconds = 24 * 3600
	retentionCheckInterval            = 5 * time.Minute

	coordKeyRetentionClosedTaskSeconds = "retentionClosedTaskSeconds"
	coordKeyRetentionPruneEverySeconds = "retentionPruneEverySeconds"
	coordKeyRetentionLastPruneAt       = "retentionLastPruneAt"
)

// RetentionSweeper prunes closed tasks older than a configured cutoff. It
// only acts when this host is both the coordinator and a backbone node.
type RetentionSweeper struct {
	doc        *state.Document
	selfNodeID string
	tier       config.Tier
}

// NewRetentionSweeper creates a RetentionSweeper for selfNodeID.
func NewRetentionSweeper(doc *state.Document, selfNodeID string, tier config.Tier) *RetentionSweeper {
	return &RetentionSweeper{doc: doc, selfNodeID: selfNodeID, tier: tier}
}

// Tick re-reads the coordinator field and, if due, prunes closed tasks
// older than the configured retention window. It is a no-op on a non-
// coordinator or non-backbone host, or when the prune isn't yet due.
func (s *RetentionSweeper) Tick(now time.Time) int {
	if s.tier != config.TierBackbone || !IsCoordinator(s.doc, s.selfNodeID) {
		return 0
	}

	everySeconds := coordinationInt(s.doc, coordKeyRetentionPruneEverySeconds, defaultRetentionPruneEverySeconds)
	lastPruneAt := coordinationInt(s.doc, coordKeyRetentionLastPruneAt, 0)
	nowMS := now.UnixMilli()
	if lastPruneAt != 0 && nowMS-lastPruneAt < everySeconds*1000 {
		return 0
	}

	retentionSeconds := coordinationInt(s.doc, coordKeyRetentionClosedTaskSeconds, defaultRetentionClosedTaskSeconds)
	cutoff := nowMS - retentionSeconds*1000

	metrics.SweepRunsTotal.WithLabelValues("retention").Inc()
	pruned := s.pruneClosedTasks(cutoff)

	if err := s.doc.GetMap(state.MapCoordination).SetFields(coordKeyRetentionLastPruneAt, map[string]any{
		"value": nowMS,
	}, s.doc.Tick()); err != nil {
		slog.Warn("sweepers: write retentionLastPruneAt failed", "error", err)
	}

	if pruned > 0 {
		slog.Info("sweepers: retention prune complete", "pruned", pruned)
	}
	return pruned
}

func (s *RetentionSweeper) pruneClosedTasks(cutoff int64) int {
	tasks := s.doc.GetMap(state.MapTasks)
	pruned := 0
	clock := s.doc.Tick()
	for _, id := range tasks.Keys() {
		v, ok := tasks.Get(id)
		if !ok {
			continue
		}
		status, _ := v["status"].(string)
		if status != "completed" && status != "failed" {
			continue
		}
		closedAt := closedAtFor(v)
		if closedAt >= cutoff {
			continue
		}
		tasks.Delete(id, clock)
		pruned++
	}
	metrics.SweepItemsTotal.WithLabelValues("retention", "pruned").Add(float64(pruned))
	return pruned
}

func closedAtFor(v map[string]any) int64 {
	if at := asInt64Field(v["completedAt"]); at != 0 {
		return at
	}
	if at := asInt64Field(v["updatedAt"]); at != 0 {
		return at
	}
	return asInt64Field(v["createdAt"])
}

func asInt64Field(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	default:
		return 0
	}
}

// RunLoop drives Tick on retentionCheckInterval until ctx is cancelled.
func (s *RetentionSweeper) RunLoop(ctx context.Context) {
	ticker := time.NewTicker(retentionCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(time.Now())
		}
	}
}
