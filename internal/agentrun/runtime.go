package agentrun

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/likesjx/ansible/internal/dispatcher"
)

// Runtime implements dispatcher.Runtime by driving one long-lived
// subprocess per session key. Each dispatch writes one line of JSON to
// the process's stdin and reads NDJSON reply lines from stdout until one
// arrives marked final.
type Runtime struct {
	pool         *pool
	turnDeadline time.Duration
}

// New builds a Runtime that spawns command (with args, in workingDir) on
// demand, one process per session key. turnDeadline bounds how long a
// single dispatch waits for a reply line before treating it as failed.
func New(command string, args []string, workingDir string, turnDeadline time.Duration) *Runtime {
	return &Runtime{pool: newPool(command, args, workingDir), turnDeadline: turnDeadline}
}

// Shutdown stops every live agent subprocess. Call on host shutdown.
func (r *Runtime) Shutdown() {
	r.pool.Shutdown()
}

// Format wraps body with a header line identifying the sender and kind,
// matching the plain-text envelope convention used across the channel
// transports this runtime feeds.
func (r *Runtime) Format(headers map[string]string, body string) string {
	header := ""
	for _, k := range []string{"from", "node", "kind", "ts"} {
		if v, ok := headers[k]; ok && v != "" {
			header += fmt.Sprintf("[%s=%s]", k, v)
		}
	}
	if header == "" {
		return body
	}
	return header + "\n" + body
}

// sessionContext is the runtimeContext value handed back from
// BuildInboundContext and threaded through to DispatchReply.
type sessionContext struct {
	sessionKey string
	input      turnInput
}

// BuildInboundContext normalizes a dispatcher envelope into a turn input.
// The session key is derived the same way the dispatcher derives it, so
// it is already correct by the time RecordInboundSession sees it.
func (r *Runtime) BuildInboundContext(_ context.Context, env dispatcher.Envelope) (any, error) {
	sessionKey := dispatcher.SessionKey(env.Target, env.Kind, env.ItemID)
	return sessionContext{
		sessionKey: sessionKey,
		input: turnInput{
			SessionKey: sessionKey,
			FromAgent:  env.FromAgent,
			FromNode:   env.FromNode,
			Kind:       string(env.Kind),
			Body:       env.Content,
		},
	}, nil
}

// RecordInboundSession is a best-effort consistency check: the session
// key the dispatcher computed independently must match the one this
// runtime derived in BuildInboundContext.
func (r *Runtime) RecordInboundSession(sessionKey string, runtimeContext any) error {
	sc, ok := runtimeContext.(sessionContext)
	if !ok {
		return fmt.Errorf("agentrun: unexpected runtime context type %T", runtimeContext)
	}
	if sc.sessionKey != sessionKey {
		return fmt.Errorf("agentrun: session key mismatch: runtime=%s dispatcher=%s", sc.sessionKey, sessionKey)
	}
	return nil
}

// DispatchReply sends the turn to the session's subprocess and streams
// reply lines to deliver until one arrives marked final.
func (r *Runtime) DispatchReply(ctx context.Context, runtimeContext any, deliver dispatcher.DeliverFunc, onError func(error)) error {
	sc, ok := runtimeContext.(sessionContext)
	if !ok {
		err := fmt.Errorf("agentrun: unexpected runtime context type %T", runtimeContext)
		onError(err)
		return err
	}

	proc, err := r.pool.getOrSpawn(ctx, sc.input.SessionKey)
	if err != nil {
		onError(err)
		return err
	}
	if err := proc.send(sc.input); err != nil {
		onError(err)
		return err
	}

	for {
		out, err := proc.nextLine(ctx, r.turnDeadline)
		if err != nil {
			onError(err)
			return err
		}
		if derr := deliver(dispatcher.ReplyPayload{Text: out.Text, Final: out.Final}); derr != nil {
			slog.Warn("agentrun: deliver callback error", "session_key", sc.input.SessionKey, "error", derr)
		}
		if out.Final {
			return nil
		}
	}
}
