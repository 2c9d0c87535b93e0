package http

import (
	"net/http"
	"time"
)

// NewRouter builds the bridge's complete HTTP surface: REST task lifecycle,
// the JSON-RPC envelope, WebSocket push delivery, the discovery/trust
// reverse proxies, the sandbox trial path, and health/capability
// discoverability, wrapped in the cross-cutting middleware chain.
func NewRouter(d *Deps) http.Handler {
	d.sandboxLimiter = newFixedWindowLimiter(sandboxRatePerHour, time.Hour)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", d.handleHealth)
	mux.Handle("GET /metrics", d.Metrics.Handler())
	mux.HandleFunc("GET /llms.txt", d.handleLLMsTxt)
	mux.HandleFunc("GET /.well-known/agent.json", d.handleCapability)
	mux.HandleFunc("GET /.well-known/agent-card.json", d.handleCapability)
	mux.HandleFunc("GET /.well-known/a2a.json", d.handleCapability)

	mux.HandleFunc("POST /task", d.handleCreateTask)
	mux.HandleFunc("GET /task/{id}", d.handleGetTask)
	mux.HandleFunc("DELETE /task/{id}", d.handleCancelTask)

	mux.HandleFunc("POST /{$}", d.handleRPC)
	mux.HandleFunc("POST /a2a", d.handleRPC)

	mux.HandleFunc("GET /ws", d.handleWebSocket)

	mux.HandleFunc("GET /discovery/agents", d.handleDiscoveryProxy)
	mux.HandleFunc("GET /discovery/agents/{did}", d.handleDiscoveryProxy)
	mux.HandleFunc("POST /discovery/search", d.handleDiscoveryProxy)

	mux.HandleFunc("GET /trust/{did}", d.handleTrust)

	mux.HandleFunc("POST /sandbox", d.handleSandbox)

	var handler http.Handler = mux
	handler = compressMiddleware(handler)
	handler = globalRateLimitMiddleware(d.Config.RateLimitOn, d.Config.GlobalRateMax, d.Config.GlobalRateWin, d.Metrics)(handler)
	handler = bodyLimitMiddleware(d.Config.BodyLimit)(handler)
	handler = corsMiddleware(d.Config.CORSOrigins)(handler)
	handler = loggingMiddleware(d.Log)(handler)
	handler = metricsMiddleware(d.Metrics)(handler)
	handler = securityHeadersMiddleware(handler)
	return handler
}
