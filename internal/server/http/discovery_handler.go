package http

import (
	"io"
	"net/http"
	"strings"
	"time"

	"agentbridge/internal/shared/apperrors"
)

// discoveryTimeout bounds every upstream call made on behalf of a caller.
const discoveryTimeout = 5 * time.Second

var discoveryClient = &http.Client{Timeout: discoveryTimeout}

// handleDiscoveryProxy forwards GET /discovery/agents, GET
// /discovery/agents/{did}, and POST /discovery/search to the configured
// upstream P2P node, unauthenticated. Upstream 404 maps to
// 404, any other non-2xx maps to 502, and a network-level failure (dial
// refused, timeout, DNS) maps to 503.
func (d *Deps) handleDiscoveryProxy(w http.ResponseWriter, r *http.Request) {
	if d.Config.NodeURL == "" {
		writeError(w, apperrors.Wrap(apperrors.ErrUnavailable, "discovery upstream not configured"))
		return
	}

	upstreamURL := strings.TrimRight(d.Config.NodeURL, "/") + r.URL.Path
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, r.Body)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrUnavailable, "discovery request build failed"))
		return
	}
	req.Header.Set("Content-Type", r.Header.Get("Content-Type"))

	resp, err := discoveryClient.Do(req)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrUnavailable, "discovery upstream unreachable"))
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		writeError(w, apperrors.Wrap(apperrors.ErrNotFound, "not found upstream"))
		return
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": map[string]any{
				"code":    "BAD_GATEWAY",
				"message": "discovery upstream returned an error",
			},
		})
		return
	}

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, resp.Body)
}
