package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentbridge/internal/domain/task"
)

func newTestRegistry(cancel func(string) bool) *Registry {
	return New(Config{ResultTTL: time.Hour, Cancel: cancel}, nil)
}

func TestRegisterCompleteLifecycle(t *testing.T) {
	r := newTestRegistry(nil)
	tk := &task.Task{TaskID: "t1", Prompt: "hi"}
	require.NoError(t, r.Register(tk, "did:key:owner"))

	_, owner, ok := r.GetPending("t1")
	require.True(t, ok)
	require.Equal(t, "did:key:owner", owner)

	_, fresh := r.GetCompletedIfFresh("t1")
	require.False(t, fresh)

	result := &task.Result{TaskID: "t1", Status: task.StatusCompleted, Output: "done"}
	r.Complete("t1", result)

	_, _, pending := r.GetPending("t1")
	require.False(t, pending)

	got, fresh := r.GetCompletedIfFresh("t1")
	require.True(t, fresh)
	require.Equal(t, "done", got.Output)
}

func TestRegisterDuplicateRejected(t *testing.T) {
	r := newTestRegistry(nil)
	tk := &task.Task{TaskID: "dup", Prompt: "hi"}
	require.NoError(t, r.Register(tk, "owner"))
	require.Error(t, r.Register(tk, "owner"))
}

func TestListenerReceivesResultOnComplete(t *testing.T) {
	r := newTestRegistry(nil)
	tk := &task.Task{TaskID: "t2", Prompt: "hi"}
	require.NoError(t, r.Register(tk, "owner"))

	ch, cancel := r.AddListener("t2")
	defer cancel()

	result := &task.Result{TaskID: "t2", Status: task.StatusCompleted}
	r.Complete("t2", result)

	select {
	case got := <-ch:
		require.Equal(t, "t2", got.TaskID)
	case <-time.After(time.Second):
		t.Fatal("listener did not receive result")
	}
}

func TestListenerCancelIsRobustToRace(t *testing.T) {
	r := newTestRegistry(nil)
	tk := &task.Task{TaskID: "t3", Prompt: "hi"}
	require.NoError(t, r.Register(tk, "owner"))

	_, cancel := r.AddListener("t3")
	r.Complete("t3", &task.Result{TaskID: "t3", Status: task.StatusCompleted})

	require.NotPanics(t, cancel)
}

func TestCancelRemovesPendingOnSuccess(t *testing.T) {
	r := newTestRegistry(func(id string) bool { return id == "t4" })
	tk := &task.Task{TaskID: "t4", Prompt: "hi"}
	require.NoError(t, r.Register(tk, "owner"))

	require.True(t, r.Cancel("t4"))
	_, _, ok := r.GetPending("t4")
	require.False(t, ok)
}

type recordingPush struct {
	mu      sync.Mutex
	results []*task.Result
}

func (p *recordingPush) Push(result *task.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, result)
}

func TestPushChannelInvokedOnComplete(t *testing.T) {
	r := newTestRegistry(nil)
	tk := &task.Task{TaskID: "push-1", Prompt: "hi"}
	require.NoError(t, r.Register(tk, "owner"))

	push := &recordingPush{}
	r.SetPushChannel("push-1", push)
	r.Complete("push-1", &task.Result{TaskID: "push-1", Status: task.StatusCompleted})

	push.mu.Lock()
	defer push.mu.Unlock()
	require.Len(t, push.results, 1)
	require.Equal(t, "push-1", push.results[0].TaskID)
}

func TestPushChannelRegisteredAfterCompletionStillDelivers(t *testing.T) {
	r := newTestRegistry(nil)
	tk := &task.Task{TaskID: "push-2", Prompt: "hi"}
	require.NoError(t, r.Register(tk, "owner"))
	r.Complete("push-2", &task.Result{TaskID: "push-2", Status: task.StatusCompleted})

	push := &recordingPush{}
	r.SetPushChannel("push-2", push)

	push.mu.Lock()
	defer push.mu.Unlock()
	require.Len(t, push.results, 1)
}

func TestCompleteIsNoOpWhenNotPending(t *testing.T) {
	r := newTestRegistry(nil)
	tk := &task.Task{TaskID: "once", Prompt: "hi"}
	require.NoError(t, r.Register(tk, "owner"))

	first := &task.Result{TaskID: "once", Status: task.StatusCompleted, Output: "first"}
	r.Complete("once", first)
	r.Complete("once", &task.Result{TaskID: "once", Status: task.StatusFailed, Output: "second"})

	got, fresh := r.GetCompletedIfFresh("once")
	require.True(t, fresh)
	require.Equal(t, "first", got.Output)
}

func TestGetOwnerAcrossStates(t *testing.T) {
	r := newTestRegistry(nil)
	tk := &task.Task{TaskID: "owned", Prompt: "hi"}
	require.NoError(t, r.Register(tk, "did:key:me"))

	owner, ok := r.GetOwner("owned")
	require.True(t, ok)
	require.Equal(t, "did:key:me", owner)

	r.Complete("owned", &task.Result{TaskID: "owned", Status: task.StatusCompleted})
	owner, ok = r.GetOwner("owned")
	require.True(t, ok)
	require.Equal(t, "did:key:me", owner)

	_, ok = r.GetOwner("never-registered")
	require.False(t, ok)
}

func TestSweepEvictsExpired(t *testing.T) {
	r := newTestRegistry(nil)
	r.nowFn = func() time.Time { return time.Unix(1000, 0) }
	tk := &task.Task{TaskID: "t5", Prompt: "hi"}
	require.NoError(t, r.Register(tk, "owner"))
	r.Complete("t5", &task.Result{TaskID: "t5", Status: task.StatusCompleted})

	r.nowFn = func() time.Time { return time.Unix(1000, 0).Add(2 * time.Hour) }
	n := r.Sweep()
	require.Equal(t, 1, n)
	_, fresh := r.GetCompletedIfFresh("t5")
	require.False(t, fresh)
}
