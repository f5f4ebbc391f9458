package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/likesjx/ansible/internal/state"
)

// Beat refreshes pulse[self].lastSeen. Because CRDTMap.SetFields merges at
// field granularity, repeated heartbeats mutate the lastSeen field in place
// instead of replacing the whole pulse record.
func (r *Registry) Beat() error {
	return r.doc.GetMap(state.MapPulse).SetFields(r.nodeID, map[string]any{
		"lastSeen": nowMS(),
	}, r.doc.Tick())
}

// SetOnline marks this node online and stamps a version, called once at
// startup before the first periodic Beat.
func (r *Registry) SetOnline(version string) error {
	fields := map[string]any{
		"status":   "online",
		"lastSeen": nowMS(),
	}
	if version != "" {
		fields["version"] = version
	}
	return r.doc.GetMap(state.MapPulse).SetFields(r.nodeID, fields, r.doc.Tick())
}

// SetOffline marks this node offline, called on graceful shutdown.
func (r *Registry) SetOffline() error {
	return r.doc.GetMap(state.MapPulse).SetFields(r.nodeID, map[string]any{
		"status":   "offline",
		"lastSeen": nowMS(),
	}, r.doc.Tick())
}

// Run drives the periodic heartbeat until ctx is cancelled. It sets the
// node online immediately, then beats every HeartbeatInterval, and sets the
// node offline before returning.
func (r *Registry) Run(ctx context.Context, version string) {
	if err := r.SetOnline(version); err != nil {
		slog.Warn("presence: set online failed", "error", err)
	}
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := r.SetOffline(); err != nil {
				slog.Warn("presence: set offline failed", "error", err)
			}
			return
		case <-ticker.C:
			if err := r.Beat(); err != nil {
				slog.Warn("presence: heartbeat failed", "error", err)
			}
		}
	}
}

// pulseField reads a pulse field tolerant of both the current sub-map
// shape and the legacy plain-record shape produced by earlier writers.
func (r *Registry) pulseField(nodeID, field string) (any, bool) {
	return r.doc.GetMap(state.MapPulse).GetField(nodeID, field)
}

// lastSeen returns the recorded lastSeen for nodeID in milliseconds, or
// zero if unknown.
func (r *Registry) lastSeen(nodeID string) int64 {
	v, ok := r.pulseField(nodeID, "lastSeen")
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

// storedStatus returns the recorded status for nodeID, defaulting to
// "offline" when unknown.
func (r *Registry) storedStatus(nodeID string) string {
	v, ok := r.pulseField(nodeID, "status")
	if !ok {
		return "offline"
	}
	s, _ := v.(string)
	if s == "" {
		return "offline"
	}
	return s
}

// IsStale reports whether nodeID's pulse is older than staleAfter.
func (r *Registry) IsStale(nodeID string) bool {
	last := r.lastSeen(nodeID)
	if last == 0 {
		return true
	}
	return nowMS()-last > r.staleAfter.Milliseconds()
}

// EffectiveStatus returns the status a caller should report for nodeID: the
// stored status, downgraded to "offline" if the pulse is stale regardless
// of what was actually recorded.
func (r *Registry) EffectiveStatus(nodeID string) string {
	if r.IsStale(nodeID) {
		return "offline"
	}
	return r.storedStatus(nodeID)
}
