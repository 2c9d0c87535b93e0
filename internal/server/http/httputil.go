// Package http implements the bridge's wire surface: REST task
// lifecycle, the JSON-RPC 2.0 envelope, WebSocket push delivery, the
// discovery and trust reverse proxies, the sandbox trial path, and health
// and capability discoverability.
package http

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"agentbridge/internal/shared/apperrors"
)

// writeJSON marshals v and writes it with status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the wire shape of every non-2xx JSON response.
type errorBody struct {
	Error struct {
		Code    apperrors.Code         `json:"code"`
		Message string                 `json:"message"`
		Fields  []apperrors.FieldError `json:"fields,omitempty"`
		Help    *helpBlock             `json:"help,omitempty"`
	} `json:"error"`
}

// helpBlock accompanies 401/429 responses.
type helpBlock struct {
	Message        string   `json:"message"`
	CapabilityCard string   `json:"capabilityCard"`
	AcceptedAuth   []string `json:"acceptedAuth,omitempty"`
}

var acceptedAuthMethods = []string{
	"Authorization: Bearer <token>",
	"x-api-key: <token>",
	"Authorization: DID <did>:<unix_ts>:<base64url_sig>",
	"Authorization: FreeTier <identifier>",
}

// writeError maps err to its HTTP surface and writes the structured body,
// attaching a help block to 401/429 responses.
func writeError(w http.ResponseWriter, err error) {
	mapped := apperrors.Map(err)
	var body errorBody
	body.Error.Code = mapped.Code
	body.Error.Message = mapped.Message
	body.Error.Fields = mapped.Fields
	if mapped.Status == http.StatusUnauthorized || mapped.Status == http.StatusTooManyRequests {
		body.Error.Help = &helpBlock{
			Message:        mapped.Message,
			CapabilityCard: "/.well-known/agent.json",
			AcceptedAuth:   acceptedAuthMethods,
		}
	}
	writeJSON(w, mapped.Status, body)
}

// clientIP extracts the caller's address, honoring X-Forwarded-For from a
// single trusted reverse proxy in front of the bridge.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
