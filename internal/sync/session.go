package sync

import (
	"context"
	"log/slog"

	"github.com/coder/websocket"
	"github.com/likesjx/ansible/internal/metrics"
	"github.com/likesjx/ansible/internal/state"
)

// runReader drains frames from conn until it closes or ctx is cancelled.
// Update frames are applied to doc (a corrupt update is dropped with a
// warning, never applied) and, if relay is
// non-nil, rebroadcast to every other peer in the room (the backbone's
// brokering role; edge passes relay=nil).
//
// onSyncDone is invoked (at most once per call) the first time a
// FrameSyncDone frame arrives, surfacing the "sync complete" boundary
// to upper layers.
func runReader(
	ctx context.Context,
	conn *websocket.Conn,
	doc *state.Document,
	fromNodeID string,
	relay func(ctx context.Context, originator string, f Frame),
	onSyncDone func(),
) error {
	syncDoneFired := false
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageBinary {
			continue
		}
		metrics.SyncBytesTotal.WithLabelValues("in").Add(float64(len(data)))

		f, err := decodeFrame(data)
		if err != nil {
			slog.Warn("sync: dropping malformed frame", "peer", fromNodeID, "error", err)
			continue
		}

		switch f.Type {
		case FrameUpdate:
			if f.Update == nil {
				slog.Warn("sync: update frame missing payload", "peer", fromNodeID)
				continue
			}
			if err := doc.ApplyRemoteUpdate(*f.Update); err != nil {
				slog.Warn("sync: dropping invalid update", "peer", fromNodeID, "error", err)
				continue
			}
			if relay != nil {
				relay(ctx, fromNodeID, f)
			}
		case FrameSyncDone:
			if !syncDoneFired && onSyncDone != nil {
				syncDoneFired = true
				onSyncDone()
			}
		case FramePing:
			// liveness only, no action required.
		default:
			slog.Debug("sync: ignoring frame", "peer", fromNodeID, "type", f.Type)
		}
	}
}

// sendFullState streams every live record in doc to conn as Update frames,
// followed by a FrameSyncDone terminator. Used when a peer first joins so
// it receives the full backlog rather than only subsequent deltas.
func sendFullState(ctx context.Context, conn *websocket.Conn, doc *state.Document, room string) error {
	for _, name := range []state.MapName{
		state.MapNodes, state.MapPendingInvites, state.MapAuthTickets, state.MapTasks,
		state.MapMessages, state.MapContext, state.MapPulse, state.MapAgents, state.MapCoordination,
	} {
		m := doc.GetMap(name)
		for _, key := range m.Keys() {
			v, ok := m.Get(key)
			if !ok {
				continue
			}
			f := Frame{
				Type: FrameUpdate,
				Room: room,
				Update: &state.Update{
					Map:    name,
					Key:    key,
					Fields: v,
					Clock:  doc.Tick(),
				},
			}
			b, err := encodeFrame(f)
			if err != nil {
				return err
			}
			if err := conn.Write(ctx, websocket.MessageBinary, b); err != nil {
				return err
			}
		}
	}
	done, err := encodeFrame(Frame{Type: FrameSyncDone, Room: room})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageBinary, done)
}
