package http

import "net/http"

// handleCapability serves the capability card at all three well-known
// aliases.
func (d *Deps) handleCapability(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.Capability)
}

// handleLLMsTxt serves the plain-text machine-readable reference.
func (d *Deps) handleLLMsTxt(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(d.LLMsTxt))
}

// handleHealth answers the liveness probe.
func (d *Deps) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "agent": d.AgentName})
}
