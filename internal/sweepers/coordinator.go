// Package sweepers implements the coordinator-only periodic jobs: closed-
// task retention pruning, SLA breach detection, and the per-host stale-lock
// reaper. The retention and SLA jobs re-read the soft coordinator role on
// every tick so role transitions are safe under eventual consistency; the
// lock reaper runs on every host and does not consult the role.
package sweepers

import (
	"github.com/likesjx/ansible/internal/ansibleerr"
	"github.com/likesjx/ansible/internal/state"
)

const coordinationKeyCoordinator = "coordinator"

// IsCoordinator reports whether selfNodeID is the current coordinator
// recorded in the coordination map.
func IsCoordinator(doc *state.Document, selfNodeID string) bool {
	v, ok := doc.GetMap(state.MapCoordination).GetField(coordinationKeyCoordinator, "value")
	if !ok {
		return false
	}
	s, _ := v.(string)
	return s != "" && s == selfNodeID
}

// CurrentCoordinator returns the recorded coordinator, or "" if unset.
func CurrentCoordinator(doc *state.Document) string {
	v, ok := doc.GetMap(state.MapCoordination).GetField(coordinationKeyCoordinator, "value")
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// SetCoordinator changes the coordinator. Changing away from an existing
// non-empty value requires confirmLastResort, since a coordinator flip can
// momentarily double-run leader jobs before it propagates.
func SetCoordinator(doc *state.Document, newCoordinator string, confirmLastResort bool) error {
	if newCoordinator == "" {
		return ansibleerr.New(ansibleerr.InvalidParams, "coordinator must be non-empty")
	}
	current := CurrentCoordinator(doc)
	if current != "" && current != newCoordinator && !confirmLastResort {
		return ansibleerr.New(ansibleerr.InvalidParams, "changing coordinator away from %q requires confirmLastResort", current)
	}
	return doc.GetMap(state.MapCoordination).SetFields(coordinationKeyCoordinator, map[string]any{
		"value": newCoordinator,
	}, doc.Tick())
}

func coordinationString(doc *state.Document, key string) (string, bool) {
	v, ok := doc.GetMap(state.MapCoordination).GetField(key, "value")
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

func coordinationInt(doc *state.Document, key string, def int64) int64 {
	v, ok := doc.GetMap(state.MapCoordination).GetField(key, "value")
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	default:
		return def
	}
}
