package presence

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/likesjx/ansible/internal/state"
)

type messageEntry struct {
	id        string
	timestamp int64
	unread    bool
}

// RunMessageCleanup scans messages and deletes those older than 24h or
// beyond the newest-N cap, while always preserving messages unread for
// selfNodeID. A message is preserved only because IT is unread for this
// host, never because some other node hasn't read it.
func (r *Registry) RunMessageCleanup(selfNodeID string) int {
	messages := r.doc.GetMap(state.MapMessages)

	var entries []messageEntry
	messages.Range(func(key string, v map[string]any) {
		entries = append(entries, messageEntry{
			id:        key,
			timestamp: asInt64(v["timestamp"]),
			unread:    isUnreadFor(v, selfNodeID),
		})
	})

	sort.Slice(entries, func(i, j int) bool { return entries[i].timestamp > entries[j].timestamp })

	cutoff := time.Now().Add(-messageRetention).UnixMilli()
	deleted := 0
	clock := r.doc.Tick()
	for i, e := range entries {
		if e.unread {
			continue
		}
		beyondCap := i >= messageKeepNewest
		old := e.timestamp < cutoff
		if beyondCap || old {
			messages.Delete(e.id, clock)
			deleted++
		}
	}
	if deleted > 0 {
		slog.Debug("presence: message cleanup", "deleted", deleted, "node_id", selfNodeID)
	}
	return deleted
}

// RunCleanupLoop drives RunMessageCleanup on CleanupInterval until ctx is
// cancelled.
func (r *Registry) RunCleanupLoop(ctx context.Context, selfNodeID string) {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunMessageCleanup(selfNodeID)
		}
	}
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
