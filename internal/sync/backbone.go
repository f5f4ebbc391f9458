package sync

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/likesjx/ansible/internal/state"
)

// Backbone accepts peer connections and brokers Update frames for a single
// room, and additionally behaves as a client toward any configured peer
// URLs that aren't itself.
type Backbone struct {
	doc        *state.Document
	room       string
	nodeID     string
	listenHost string
	listenPort int

	broker *Broker
	edge   *Edge // reused for backbone-to-backbone outbound dials

	onSyncHandlers   []func(ok bool, peer string)
	onDocReadyOnce   sync.Once
	onDocReadyFns    []func()
	mu               sync.Mutex

	server *http.Server
}

// NewBackbone creates a Backbone serving doc for room on listenHost:listenPort.
func NewBackbone(doc *state.Document, room, nodeID, listenHost string, listenPort int) *Backbone {
	b := &Backbone{
		doc:        doc,
		room:       room,
		nodeID:     nodeID,
		listenHost: listenHost,
		listenPort: listenPort,
		broker:     NewBroker(room),
	}
	b.edge = newEdgeInternal(doc, room, nodeID)
	return b
}

// OnSync registers a handler fired once at startup with peer="local" (the
// backbone is authoritative over its own listener), and again for every
// outbound peer sync boundary if backbonePeers are configured.
func (b *Backbone) OnSync(handler func(ok bool, peer string)) {
	b.mu.Lock()
	b.onSyncHandlers = append(b.onSyncHandlers, handler)
	b.mu.Unlock()
	b.edge.OnSync(handler)
}

// OnDocReady registers a handler fired exactly once, immediately after the
// listener is up.
func (b *Backbone) OnDocReady(handler func()) {
	b.mu.Lock()
	b.onDocReadyFns = append(b.onDocReadyFns, handler)
	b.mu.Unlock()
}

func (b *Backbone) fireSync(ok bool, peer string) {
	b.mu.Lock()
	handlers := append([]func(ok bool, peer string){}, b.onSyncHandlers...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(ok, peer)
	}
}

func (b *Backbone) fireDocReady() {
	b.onDocReadyOnce.Do(func() {
		b.mu.Lock()
		handlers := append([]func(){}, b.onDocReadyFns...)
		b.mu.Unlock()
		for _, h := range handlers {
			h()
		}
	})
}

// ListenAndServe starts the websocket listener and blocks until ctx is
// cancelled. Outbound connections to configured backbonePeers (excluding
// self) are started concurrently via the embedded Edge.
func (b *Backbone) ListenAndServe(ctx context.Context, peerURLs []string) error {
	mux := http.NewServeMux()
	mux.Handle("/sync", b.wsHandler())

	addr := fmt.Sprintf("%s:%d", b.listenHost, b.listenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("sync: listen on %s: %w", addr, err)
	}

	b.server = &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- b.server.Serve(ln) }()

	b.fireDocReady()
	b.fireSync(true, "local")

	outbound := make([]string, 0, len(peerURLs))
	for _, u := range peerURLs {
		if IsSelfURL(u, b.listenHost, b.listenPort, b.nodeID) {
			slog.Debug("sync: skipping self-loop peer url", "url", u)
			continue
		}
		outbound = append(outbound, u)
	}
	if len(outbound) > 0 {
		go b.edge.ConnectAll(ctx, outbound)
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (b *Backbone) wsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{"ansible.sync.v1"},
		})
		if err != nil {
			slog.Debug("sync: accept failed", "error", err)
			return
		}
		defer func() { _ = conn.CloseNow() }()

		ctx := r.Context()
		handshakeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		typ, data, err := conn.Read(handshakeCtx)
		if err != nil || typ != websocket.MessageBinary {
			_ = conn.Close(websocket.StatusPolicyViolation, "expected hello frame")
			return
		}
		hello, err := decodeFrame(data)
		if err != nil || hello.Type != FrameHello || hello.NodeID == "" {
			_ = conn.Close(websocket.StatusPolicyViolation, "invalid hello frame")
			return
		}

		ack, _ := encodeFrame(Frame{Type: FrameHelloAck, NodeID: b.nodeID, Room: b.room})
		if err := conn.Write(handshakeCtx, websocket.MessageBinary, ack); err != nil {
			return
		}
		if err := sendFullState(handshakeCtx, conn, b.doc, b.room); err != nil {
			slog.Warn("sync: initial full-state send failed", "peer", hello.NodeID, "error", err)
			return
		}

		p := b.broker.Join(hello.NodeID, conn)
		defer b.broker.Leave(hello.NodeID, p)

		slog.Info("sync: peer joined", "peer", hello.NodeID, "room", b.room)

		err = runReader(ctx, conn, b.doc, hello.NodeID, b.broker.Broadcast, nil)
		slog.Info("sync: peer left", "peer", hello.NodeID, "error", err)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	})
}

// Broadcast sends a locally originated state.Update to every connected
// inbound peer and to every outbound backbone peer. Callers typically invoke
// it from a state.Document update observer.
func (b *Backbone) Broadcast(ctx context.Context, u state.Update) {
	b.broker.Broadcast(ctx, b.nodeID, Frame{Type: FrameUpdate, Room: b.room, Update: &u})
	b.edge.Broadcast(ctx, u)
}

// PeerCount reports the number of connected inbound peers.
func (b *Backbone) PeerCount() int { return b.broker.PeerCount() }
