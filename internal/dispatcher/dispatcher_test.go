package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/likesjx/ansible/internal/presence"
	"github.com/likesjx/ansible/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRuntime struct {
	mu          sync.Mutex
	calls       []Envelope
	failUntil   int
	attemptsSeen map[string]int
	replyText   string
}

func newFakeRuntime(reply string) *fakeRuntime {
	return &fakeRuntime{attemptsSeen: map[string]int{}, replyText: reply}
}

func (f *fakeRuntime) Format(headers map[string]string, body string) string { return body }

func (f *fakeRuntime) BuildInboundContext(ctx context.Context, env Envelope) (any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, env)
	f.mu.Unlock()
	return env, nil
}

func (f *fakeRuntime) RecordInboundSession(sessionKey string, runtimeContext any) error { return nil }

func (f *fakeRuntime) DispatchReply(ctx context.Context, runtimeContext any, deliver DeliverFunc, onError func(error)) error {
	env := runtimeContext.(Envelope)
	f.mu.Lock()
	f.attemptsSeen[env.ItemID]++
	attempt := f.attemptsSeen[env.ItemID]
	f.mu.Unlock()

	if attempt <= f.failUntil {
		onError(errors.New("transient failure"))
		return nil
	}
	return deliver(ReplyPayload{Text: f.replyText, Final: true})
}

func (f *fakeRuntime) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestMessageRoundTripDeliversExactlyOnce(t *testing.T) {
	doc := state.NewDocument("bb1")
	reg := presence.New(doc, "e1", time.Minute)

	require.NoError(t, doc.GetMap(state.MapMessages).SetFields("m1", map[string]any{
		"id": "m1", "from_agent": "bb1", "to_agents": []any{"e1"},
		"content": "ping", "timestamp": int64(1),
	}, doc.Tick()))

	rt := newFakeRuntime("pong")
	d := New(doc, reg, "e1", rt)
	d.reconcile(context.Background())

	assert.Equal(t, 1, rt.callCount())

	v, ok := doc.GetMap(state.MapMessages).Get("m1")
	require.True(t, ok)
	assert.True(t, isDelivered(v, "e1"))

	var replyCount int
	doc.GetMap(state.MapMessages).Range(func(key string, v map[string]any) {
		if from, _ := v["from_agent"].(string); from == "e1" {
			replyCount++
			assert.Equal(t, "pong", v["content"])
		}
	})
	assert.Equal(t, 1, replyCount)

	// Re-running reconcile must not re-dispatch or duplicate the reply.
	d.reconcile(context.Background())
	assert.Equal(t, 1, rt.callCount())
}

func TestBacklogDispatchedInTimestampOrder(t *testing.T) {
	doc := state.NewDocument("bb1")
	reg := presence.New(doc, "e1", time.Minute)

	for i, ts := range []int64{5, 1, 3, 2, 4} {
		id := itoaTest(i)
		require.NoError(t, doc.GetMap(state.MapMessages).SetFields(id, map[string]any{
			"id": id, "from_agent": "bb1", "to_agents": []any{"e1"},
			"content": "x", "timestamp": ts,
		}, doc.Tick()))
	}

	rt := newFakeRuntime("ack")
	d := New(doc, reg, "e1", rt)
	d.reconcile(context.Background())

	require.Len(t, rt.calls, 5)
	var order []int64
	for _, c := range rt.calls {
		order = append(order, c.Timestamp)
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, order)
}

func TestRetryOnTransientFailureThenDelivers(t *testing.T) {
	doc := state.NewDocument("bb1")
	reg := presence.New(doc, "e1", time.Minute)

	require.NoError(t, doc.GetMap(state.MapMessages).SetFields("m1", map[string]any{
		"id": "m1", "from_agent": "bb1", "to_agents": []any{"e1"},
		"content": "ping", "timestamp": int64(1),
	}, doc.Tick()))

	rt := newFakeRuntime("pong")
	rt.failUntil = 3
	d := New(doc, reg, "e1", rt)

	d.reconcile(context.Background())
	v, _ := doc.GetMap(state.MapMessages).Get("m1")
	assert.Equal(t, 1, attemptsFor(v, "e1"))
	assert.False(t, isDelivered(v, "e1"))

	for i := 0; i < 3; i++ {
		// Stand in for the retry timer firing: a pending timer makes
		// reconcile skip the item until it has elapsed.
		d.stopTimers()
		d.reconcile(context.Background())
	}

	v, _ = doc.GetMap(state.MapMessages).Get("m1")
	assert.Equal(t, 4, attemptsFor(v, "e1"))
	assert.True(t, isDelivered(v, "e1"))
}

func TestEnumerateSkipsSelfOriginatedMessage(t *testing.T) {
	doc := state.NewDocument("bb1")
	require.NoError(t, doc.GetMap(state.MapMessages).SetFields("m1", map[string]any{
		"id": "m1", "from_agent": "e1", "content": "x", "timestamp": int64(1),
	}, doc.Tick()))

	items := EnumeratePending(doc, []string{"e1"}, nil)
	assert.Empty(t, items)
}

func TestEnumerateSkipsTaskRequiringMissingSkill(t *testing.T) {
	doc := state.NewDocument("bb1")
	require.NoError(t, doc.GetMap(state.MapTasks).SetFields("t1", map[string]any{
		"id": "t1", "status": "pending", "assignedTo_agent": "e1",
		"skillRequired": "go", "createdAt": int64(1), "createdBy_agent": "bb1",
	}, doc.Tick()))

	items := EnumeratePending(doc, []string{"e1"}, nil)
	assert.Empty(t, items)

	require.NoError(t, doc.GetMap(state.MapContext).SetFields("e1", map[string]any{
		"skills": []any{"go"},
	}, doc.Tick()))

	items = EnumeratePending(doc, []string{"e1"}, nil)
	require.Len(t, items, 1)
	assert.Equal(t, "t1", items[0].ItemID)
}

func TestComputeBackoffBounds(t *testing.T) {
	// attempts=1: raw=2000ms, ±20% jitter gives [1600ms, 2400ms].
	for i := 0; i < 50; i++ {
		d := ComputeBackoff(1)
		assert.GreaterOrEqual(t, d, 1600*time.Millisecond)
		assert.LessOrEqual(t, d, 2400*time.Millisecond)
	}
	// attempts=20: raw saturates at the 300s ceiling; jitter is clamped
	// back down to the ceiling rather than allowed to exceed it.
	for i := 0; i < 50; i++ {
		d := ComputeBackoff(20)
		assert.LessOrEqual(t, d, 300*time.Second)
		assert.GreaterOrEqual(t, d, 240*time.Second)
	}
}

func TestSessionKeyFormula(t *testing.T) {
	assert.Equal(t, "agent:e1:ansible:msg:m1", SessionKey("e1", KindMessage, "m1"))
}

func itoaTest(i int) string {
	digits := "0123456789"
	if i < 10 {
		return "id-" + string(digits[i])
	}
	return "id-x"
}
