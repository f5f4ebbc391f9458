package sync

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/likesjx/ansible/internal/metrics"
)

// peerConn is one connected peer's websocket session, tracked by the
// Broker so updates can be broadcast to every other connected peer in the
// room.
type peerConn struct {
	nodeID string
	conn   *websocket.Conn
	mu     sync.Mutex // serializes writes, same idiom as leapmux's workermgr.Conn
}

func (p *peerConn) send(ctx context.Context, f Frame) error {
	b, err := encodeFrame(f)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.conn.Write(ctx, websocket.MessageBinary, b); err != nil {
		return err
	}
	metrics.SyncBytesTotal.WithLabelValues("out").Add(float64(len(b)))
	return nil
}

// Broker brokers Update frames between every peer connected to a single
// logical room. It is the backbone's in-memory fan-out: whatever one
// peer writes is forwarded, verbatim, to every other connected peer.
type Broker struct {
	room string

	mu    sync.RWMutex
	peers map[string]*peerConn // nodeID -> conn
}

// NewBroker creates a broker for the given room name.
func NewBroker(room string) *Broker {
	return &Broker{room: room, peers: make(map[string]*peerConn)}
}

// Join registers a peer connection in the room. Replaces any existing
// connection for the same node id (a reconnect supersedes the old session).
func (b *Broker) Join(nodeID string, conn *websocket.Conn) *peerConn {
	p := &peerConn{nodeID: nodeID, conn: conn}
	b.mu.Lock()
	_, existed := b.peers[nodeID]
	b.peers[nodeID] = p
	b.mu.Unlock()
	if !existed {
		metrics.SyncConnectionsActive.Inc()
	}
	return p
}

// Leave removes a peer connection, but only if it is still the
// currently-registered connection for that node id (prevents a stale
// disconnect's cleanup from evicting a newer reconnect).
func (b *Broker) Leave(nodeID string, conn *peerConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.peers[nodeID] == conn {
		delete(b.peers, nodeID)
		metrics.SyncConnectionsActive.Dec()
	}
}

// Broadcast forwards a frame to every connected peer except originator.
func (b *Broker) Broadcast(ctx context.Context, originator string, f Frame) {
	b.mu.RLock()
	targets := make([]*peerConn, 0, len(b.peers))
	for nodeID, p := range b.peers {
		if nodeID != originator {
			targets = append(targets, p)
		}
	}
	b.mu.RUnlock()

	for _, p := range targets {
		if err := p.send(ctx, f); err != nil {
			slog.Warn("sync: broadcast to peer failed", "peer", p.nodeID, "error", err)
		}
	}
}

// PeerCount returns the number of connected peers, for status/diagnostics.
func (b *Broker) PeerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.peers)
}
