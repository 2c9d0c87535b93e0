package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"agentbridge/internal/auth"
	"agentbridge/internal/domain/identity"
	"agentbridge/internal/domain/task"
	"agentbridge/internal/shared/apperrors"
)

// defaultSyncTimeout bounds ?wait=true when RouterConfig.SyncTimeout is
// unset.
const defaultSyncTimeout = 55 * time.Second

// authenticate runs the four-stage pipeline against r and writes a mapped
// error response on failure, returning ok=false so the caller can return
// immediately. When require_auth is disabled, a caller presenting no
// valid credentials is admitted as the anonymous identity instead of
// being rejected.
func (d *Deps) authenticate(w http.ResponseWriter, r *http.Request) (identity.Identity, auth.Stage, bool) {
	result, err := d.Auth.AuthenticateHTTP(r)
	if err != nil {
		if !d.Config.RequireAuth && errors.Is(err, apperrors.ErrUnauthorized) {
			return identity.Identity{ID: identity.Anonymous, Tier: identity.TierFree}, auth.StageAnonymous, true
		}
		writeError(w, err)
		return identity.Identity{}, "", false
	}
	return result.Identity, result.Stage, true
}

// syncTimeout returns the configured ?wait=true budget.
func (d *Deps) syncTimeout() time.Duration {
	if d.Config.SyncTimeout > 0 {
		return d.Config.SyncTimeout
	}
	return defaultSyncTimeout
}

// handleCreateTask implements POST /task.
func (d *Deps) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	ident, stage, ok := d.authenticate(w, r)
	if !ok {
		return
	}

	var t task.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, apperrors.NewValidation(apperrors.FieldError{Field: "body", Message: "invalid JSON"}))
		return
	}

	freeTier, err := d.Service.Submit(r.Context(), &t, ident.ID, stage, clientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		if result, done := d.Service.AwaitResult(t.TaskID, d.syncTimeout()); done {
			writeJSON(w, http.StatusOK, result)
			return
		}
		// sync-timeout: fall through to the normal 202 response below.
	}

	w.Header().Set("Location", "/task/"+t.TaskID)
	w.Header().Set("Retry-After", "5")
	resp := map[string]any{
		"accepted":      true,
		"taskId":        t.TaskID,
		"estimatedTime": t.TimeoutS,
	}
	if freeTier != nil {
		resp["freeTier"] = freeTier
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// ownerMatches reports whether authIdentity or an x-client-did assertion
// entitles the caller to act on a task owned by owner.
func ownerMatches(authIdentity, headerDID, owner string) bool {
	if authIdentity == owner {
		return true
	}
	return headerDID != "" && headerDID == owner
}

// handleGetTask implements GET /task/{id}.
func (d *Deps) handleGetTask(w http.ResponseWriter, r *http.Request) {
	ident, _, ok := d.authenticate(w, r)
	if !ok {
		return
	}
	taskID := r.PathValue("id")

	if t, owner, pending := d.Service.Registry.GetPending(taskID); pending {
		if !ownerMatches(ident.ID, r.Header.Get("x-client-did"), owner) {
			writeError(w, apperrors.Wrap(apperrors.ErrForbidden, "not the task owner"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "running", "taskId": t.TaskID})
		return
	}

	owner, hasOwner := d.Service.Registry.GetOwner(taskID)
	result, fresh := d.Service.Registry.GetCompletedIfFresh(taskID)
	if !fresh {
		writeError(w, apperrors.Wrap(apperrors.ErrNotFound, fmt.Sprintf("task %s not found", taskID)))
		return
	}
	if hasOwner && !ownerMatches(ident.ID, r.Header.Get("x-client-did"), owner) {
		writeError(w, apperrors.Wrap(apperrors.ErrForbidden, "not the task owner"))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleCancelTask implements DELETE /task/{id}.
func (d *Deps) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	ident, _, ok := d.authenticate(w, r)
	if !ok {
		return
	}
	taskID := r.PathValue("id")

	_, owner, pending := d.Service.Registry.GetPending(taskID)
	if !pending {
		writeError(w, apperrors.Wrap(apperrors.ErrNotFound, fmt.Sprintf("task %s not found", taskID)))
		return
	}
	if !ownerMatches(ident.ID, r.Header.Get("x-client-did"), owner) {
		writeError(w, apperrors.Wrap(apperrors.ErrForbidden, "only the owner may cancel"))
		return
	}
	if !d.Service.Registry.Cancel(taskID) {
		writeError(w, apperrors.Wrap(apperrors.ErrNotFound, fmt.Sprintf("task %s not found", taskID)))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}
