package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"agentbridge/internal/domain/identity"
	"agentbridge/internal/domain/task"
	"agentbridge/internal/shared/apperrors"
)

// sandboxMaxPromptLen / sandboxMaxOutputLen cap the unauthenticated trial
// path distinctly from the executor's own workspace sandbox.
const (
	sandboxMaxPromptLen = 500
	sandboxMaxOutputLen = 500
	sandboxTimeout      = 60 * time.Second
	sandboxRatePerHour  = 3
)

type sandboxRequest struct {
	Prompt string `json:"prompt"`
}

type sandboxResponse struct {
	Output     string `json:"output"`
	Status     string `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	Mock       bool   `json:"mock,omitempty"`
}

// handleSandbox implements POST /sandbox: no
// authentication, a fixed per-IP hourly throttle, a short prompt cap, a
// fixed 60 s execution timeout, and a synthetic anonymous identity routed
// straight through the executor (bypassing the registry entirely, since
// trial runs are never polled or cancelled).
func (d *Deps) handleSandbox(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !d.sandboxLimiter.allow(ip) {
		d.Metrics.RecordRateLimited("sandbox")
		writeError(w, apperrors.Wrap(apperrors.ErrRateLimited, "sandbox trial limit reached, try again later"))
		return
	}

	var req sandboxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.NewValidation(apperrors.FieldError{Field: "body", Message: "invalid JSON"}))
		return
	}
	if len(req.Prompt) == 0 || len(req.Prompt) > sandboxMaxPromptLen {
		writeError(w, apperrors.NewValidation(apperrors.FieldError{
			Field: "prompt", Message: "length must be 1..500 chars",
		}))
		return
	}

	t := &task.Task{
		Type:           task.TypePrompt,
		Prompt:         req.Prompt,
		TimeoutS:       int(sandboxTimeout.Seconds()),
		ClientIdentity: identity.Anonymous,
	}
	if err := task.Validate(t, time.Now()); err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), sandboxTimeout)
	defer cancel()

	result, err := d.Service.Executor.Execute(ctx, t)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrUnavailable, "sandbox execution failed"))
		return
	}

	output := result.Output
	if len(output) > sandboxMaxOutputLen {
		output = output[:sandboxMaxOutputLen]
	}
	writeJSON(w, http.StatusOK, sandboxResponse{
		Output:     output,
		Status:     string(result.Status),
		DurationMs: result.DurationMs,
		Mock:       result.Mock,
	})
}
