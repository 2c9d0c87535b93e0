package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"agentbridge/internal/domain/identity"
	"agentbridge/internal/shared/apperrors"
	"agentbridge/internal/trust"
)

// trustUpstreamTimeout bounds the parallel network-view call.
const trustUpstreamTimeout = 3 * time.Second

var trustUpstreamClient = &http.Client{Timeout: trustUpstreamTimeout}

type localTrustView struct {
	Tier         string     `json:"tier"`
	Completed    int        `json:"completed"`
	Failed       int        `json:"failed"`
	LastActivity *time.Time `json:"lastActivity,omitempty"`
	Known        bool       `json:"known"`
}

// handleTrust implements GET /trust/{did}: the local view is
// read synchronously off the trust store, and the network view is a
// best-effort parallel call to the configured upstream that yields null on
// timeout or a non-2xx response.
func (d *Deps) handleTrust(w http.ResponseWriter, r *http.Request) {
	did := r.PathValue("did")
	if !identity.IsDID(did) {
		writeError(w, apperrors.NewValidation(apperrors.FieldError{Field: "did", Message: "not a syntactically valid DID"}))
		return
	}

	// Snapshot only: a read must not create a profile, or unauthenticated
	// queries could churn the LRU.
	local := localTrustView{Tier: string(trust.TierNew)}
	if profile, tier, known := d.Trust.Snapshot(did); known {
		local = localTrustView{
			Tier:         string(tier),
			Completed:    profile.Completed,
			Failed:       profile.Failed,
			LastActivity: &profile.LastActivity,
			Known:        true,
		}
	}

	network := d.fetchNetworkTrust(r, did)

	writeJSON(w, http.StatusOK, map[string]any{
		"did":     did,
		"local":   local,
		"network": network,
	})
}

// fetchNetworkTrust calls the configured upstream node for did's network
// reputation view, returning nil on any failure (unconfigured upstream,
// timeout, or non-2xx).
func (d *Deps) fetchNetworkTrust(r *http.Request, did string) any {
	if d.Config.NodeURL == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(r.Context(), trustUpstreamTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.Config.NodeURL+"/trust/"+did, nil)
	if err != nil {
		return nil
	}
	resp, err := trustUpstreamClient.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil
	}

	var payload any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil
	}
	return payload
}
