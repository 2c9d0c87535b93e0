package http

import (
	"context"
	"time"

	"agentbridge/internal/auth"
	"agentbridge/internal/domain/escrow"
	"agentbridge/internal/domain/identity"
	"agentbridge/internal/domain/task"
	"agentbridge/internal/escrowclient"
	"agentbridge/internal/executor"
	"agentbridge/internal/metrics"
	"agentbridge/internal/ratelimit"
	"agentbridge/internal/registry"
	"agentbridge/internal/shared/apperrors"
	"agentbridge/internal/shared/logging"
	"agentbridge/internal/shutdown"
	"agentbridge/internal/trust"
)

// EscrowClient is the subset of escrowclient.Client the service depends
// on; satisfied by *escrowclient.Client, and left nil when escrow is not
// configured.
type EscrowClient interface {
	Validate(ctx context.Context, escrowID string, now time.Time) (*escrow.ValidationResult, error)
	ConfirmDelivery(ctx context.Context, escrowID string, outputHash [32]byte) error
}

// FreeTierInfo summarizes a free-tier caller's quota, surfaced in the
// POST /task 202 response.
type FreeTierInfo struct {
	Tier       string `json:"tier"`
	Remaining  int    `json:"remaining"`
	DailyLimit int    `json:"dailyLimit"`
}

// Service implements the shared task-lifecycle orchestration used by the
// REST handler, the JSON-RPC message/send method, the WebSocket handler,
// and the sandbox path.
type Service struct {
	Registry  *registry.Registry
	Executor  *executor.Executor
	Trust     *trust.Store
	RateLimit *ratelimit.Limiter
	Escrow    EscrowClient
	Shutdown  *shutdown.Coordinator
	Metrics   *metrics.Registry
	Log       logging.Logger
}

// gate applies the trust/rate-limit check for identity methods that carry
// a daily quota (DID and free-tier); static-token and receipt-authenticated
// callers bypass it entirely.
func (s *Service) gate(owner string, stage auth.Stage, ip string) (*FreeTierInfo, error) {
	if stage != auth.StageDID && stage != auth.StageFreeTier {
		return nil, nil
	}
	tier := s.Trust.Tier(owner)
	limit := tier.DailyLimit()
	allowed, reason := s.RateLimit.CanProceed(owner, ip, limit)
	if !allowed {
		s.Metrics.RecordRateLimited("identity")
		return nil, apperrors.Wrap(apperrors.ErrRateLimited, reason)
	}
	s.RateLimit.Record(owner, ip)

	info := &FreeTierInfo{
		Tier:       string(tier),
		Remaining:  s.RateLimit.Remaining(owner, limit),
		DailyLimit: limit,
	}
	return info, nil
}

// validateEscrow applies the pre-execution escrow check when t carries an
// escrow_id and escrow is configured; a nil Escrow means the path is
// disabled and every task proceeds unchecked.
func (s *Service) validateEscrow(ctx context.Context, t *task.Task) error {
	if t.EscrowID == "" || s.Escrow == nil {
		return nil
	}
	result, err := s.Escrow.Validate(ctx, t.EscrowID, time.Now())
	if err != nil {
		return apperrors.Wrap(apperrors.ErrUnavailable, "escrow validation failed: "+err.Error())
	}
	if !result.Valid {
		return apperrors.Wrap(apperrors.ErrPaymentRequired, result.Error)
	}
	return nil
}

// Submit validates, gates, registers, and asynchronously executes t on
// behalf of owner/stage, returning the free-tier info (if applicable) for
// the 202 response. Execution itself runs in a background goroutine; the
// caller (REST ?wait=true, JSON-RPC message/send, which always waits)
// observes completion via registry.AddListener.
func (s *Service) Submit(ctx context.Context, t *task.Task, owner string, stage auth.Stage, ip string) (*FreeTierInfo, error) {
	if !s.Shutdown.AcceptingTasks() {
		return nil, apperrors.Wrap(apperrors.ErrUnavailable, "server is draining, not accepting new tasks")
	}
	if err := task.Validate(t, time.Now()); err != nil {
		return nil, err
	}
	if t.ClientIdentity == "" {
		t.ClientIdentity = owner
	}

	freeTier, err := s.gate(owner, stage, ip)
	if err != nil {
		return nil, err
	}

	if err := s.validateEscrow(ctx, t); err != nil {
		return nil, err
	}

	if err := s.Registry.Register(t, owner); err != nil {
		return nil, err
	}

	s.runAsync(t)
	return freeTier, nil
}

// runAsync executes t to completion off the calling goroutine, completes
// the registry entry exactly once, and performs the post-completion
// side-effects in a fixed order:
// execute -> complete -> drain listeners -> push WS -> confirm -> trust.
func (s *Service) runAsync(t *task.Task) {
	go func() {
		ctx := context.Background()
		result, err := s.Executor.Execute(ctx, t)
		if err != nil {
			result = &task.Result{TaskID: t.TaskID, Status: task.StatusFailed, Error: err.Error()}
		}

		s.Registry.Complete(t.TaskID, result)
		s.Metrics.RecordTask(string(result.Status), result.DurationMs)

		if result.Status == task.StatusCompleted && t.EscrowID != "" && s.Escrow != nil {
			outputHash := escrowclient.KeccakOutput(result.Output)
			if err := s.Escrow.ConfirmDelivery(ctx, t.EscrowID, outputHash); err != nil {
				logging.OrNop(s.Log).Warn("escrow confirm-delivery failed for task %s: %v", t.TaskID, err)
			}
		}

		owner := t.ClientIdentity
		if owner == "" {
			owner = identity.Anonymous
		}
		if result.Status == task.StatusCompleted {
			s.Trust.RecordCompletion(owner)
		} else {
			s.Trust.RecordFailure(owner)
		}
	}()
}

// AwaitResult blocks until taskID completes or timeout elapses, returning
// (result, true) on completion or (nil, false) on sync-timeout. The
// listener is deregistered on timeout so a late completion does not leak.
func (s *Service) AwaitResult(taskID string, timeout time.Duration) (*task.Result, bool) {
	ch, cancel := s.Registry.AddListener(taskID)
	select {
	case result := <-ch:
		return result, true
	case <-time.After(timeout):
		cancel()
		return nil, false
	}
}
