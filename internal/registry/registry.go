// Package registry implements the task registry: pending/
// completed/absent state, ownership, one-shot listeners for ?wait=true,
// and a push-channel slot for WebSocket delivery.
package registry

import (
	"context"
	"sync"
	"time"

	"agentbridge/internal/domain/task"
	"agentbridge/internal/shared/apperrors"
	"agentbridge/internal/shared/logging"
)

// PushChannel is the asynchronous delivery sink registered per task,
// implemented by the WebSocket handler.
type PushChannel interface {
	Push(result *task.Result)
}

type pendingEntry struct {
	task  *task.Task
	owner string
}

type completedEntry struct {
	result *task.Result
	owner  string
	expiry time.Time
}

// Registry holds the three disjoint state maps plus listeners and push
// channels.
type Registry struct {
	mu sync.Mutex

	pending   map[string]*pendingEntry
	completed map[string]*completedEntry
	listeners map[string][]chan *task.Result
	pushChans map[string]PushChannel

	resultTTL time.Duration
	log       logging.Logger
	cancelFn  func(taskID string) bool
	nowFn     func() time.Time
}

// Config controls registry construction.
type Config struct {
	ResultTTL time.Duration
	// Cancel is invoked by Cancel to signal the executor; it returns
	// whether a running child was found for taskID.
	Cancel func(taskID string) bool
}

// New constructs an empty Registry.
func New(cfg Config, log logging.Logger) *Registry {
	ttl := cfg.ResultTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Registry{
		pending:   make(map[string]*pendingEntry),
		completed: make(map[string]*completedEntry),
		listeners: make(map[string][]chan *task.Result),
		pushChans: make(map[string]PushChannel),
		resultTTL: ttl,
		log:       logging.OrNop(log),
		cancelFn:  cfg.Cancel,
		nowFn:     time.Now,
	}
}

// Register inserts t as pending, owned by owner. Returns a conflict error
// if task_id is already pending or completed-and-fresh.
func (r *Registry) Register(t *task.Task, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[t.TaskID]; ok {
		return apperrors.Wrap(apperrors.ErrConflict, "task_id already pending")
	}
	if ce, ok := r.completed[t.TaskID]; ok && ce.expiry.After(r.nowFn()) {
		return apperrors.Wrap(apperrors.ErrConflict, "task_id already completed")
	}

	r.pending[t.TaskID] = &pendingEntry{task: t, owner: owner}
	return nil
}

// Complete transitions taskID from pending to completed, draining
// listeners in registration order and then invoking the push channel if
// one is registered. It is a no-op if taskID is not currently pending —
// callers (the executor flow) must invoke it exactly once.
func (r *Registry) Complete(taskID string, result *task.Result) {
	r.mu.Lock()
	pe, ok := r.pending[taskID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.pending, taskID)
	r.completed[taskID] = &completedEntry{result: result, owner: pe.owner, expiry: r.nowFn().Add(r.resultTTL)}

	listeners := r.listeners[taskID]
	delete(r.listeners, taskID)
	push := r.pushChans[taskID]
	delete(r.pushChans, taskID)
	r.mu.Unlock()

	for _, ch := range listeners {
		if ch == nil {
			continue
		}
		ch <- result
		close(ch)
	}
	if push != nil {
		push.Push(result)
	}
}

// GetPending returns the task descriptor and owner for a pending task_id.
func (r *Registry) GetPending(taskID string) (*task.Task, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pe, ok := r.pending[taskID]
	if !ok {
		return nil, "", false
	}
	return pe.task, pe.owner, true
}

// GetCompletedIfFresh returns the result for taskID if it is completed and
// has not yet expired.
func (r *Registry) GetCompletedIfFresh(taskID string) (*task.Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ce, ok := r.completed[taskID]
	if !ok || !ce.expiry.After(r.nowFn()) {
		return nil, false
	}
	return ce.result, true
}

// GetOwner returns the owner identity for taskID, whether pending or
// completed-and-fresh.
func (r *Registry) GetOwner(taskID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pe, ok := r.pending[taskID]; ok {
		return pe.owner, true
	}
	if ce, ok := r.completed[taskID]; ok && ce.expiry.After(r.nowFn()) {
		return ce.owner, true
	}
	return "", false
}

// AddListener registers a one-shot channel that receives the result the
// moment taskID completes. If taskID is already completed-and-fresh, the
// channel is fed immediately and closed. The returned cancel func removes
// the listener on a ?wait=true timeout; it is safe to call even after
// delivery; drop semantics are robust to a completion racing a timeout.
func (r *Registry) AddListener(taskID string) (<-chan *task.Result, func()) {
	ch := make(chan *task.Result, 1)

	r.mu.Lock()
	if ce, ok := r.completed[taskID]; ok && ce.expiry.After(r.nowFn()) {
		r.mu.Unlock()
		ch <- ce.result
		close(ch)
		return ch, func() {}
	}
	r.listeners[taskID] = append(r.listeners[taskID], ch)
	idx := len(r.listeners[taskID]) - 1
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		ls := r.listeners[taskID]
		if idx < len(ls) && ls[idx] == ch {
			ls[idx] = nil
		}
	}
	return ch, cancel
}

// SetPushChannel registers pc to receive taskID's result on completion. If
// the task already completed (registration racing a fast execution), the
// result is pushed immediately instead, so the caller never misses it.
func (r *Registry) SetPushChannel(taskID string, pc PushChannel) {
	r.mu.Lock()
	if _, stillPending := r.pending[taskID]; stillPending {
		r.pushChans[taskID] = pc
		r.mu.Unlock()
		return
	}
	ce, done := r.completed[taskID]
	r.mu.Unlock()
	if done && ce.expiry.After(r.nowFn()) {
		pc.Push(ce.result)
	}
}

// Cancel signals the executor to terminate taskID's subprocess and, if a
// running child was found, removes the pending entry and owner.
func (r *Registry) Cancel(taskID string) bool {
	if r.cancelFn == nil {
		return false
	}
	found := r.cancelFn(taskID)
	if !found {
		return false
	}
	r.mu.Lock()
	delete(r.pending, taskID)
	r.mu.Unlock()
	return true
}

// Sweep evicts completed entries whose expiry has passed. Returns the
// number evicted.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.nowFn()
	n := 0
	for id, ce := range r.completed {
		if !ce.expiry.After(now) {
			delete(r.completed, id)
			n++
		}
	}
	return n
}

// PendingCount returns the number of tasks currently in flight, used by
// the shutdown coordinator to decide when the drain is complete.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// PendingIDs returns a snapshot of currently pending task ids.
func (r *Registry) PendingIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	return ids
}

// Run periodically sweeps expired completions until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := r.Sweep(); n > 0 {
				r.log.Debug("registry: swept %d expired result(s)", n)
			}
		}
	}
}
