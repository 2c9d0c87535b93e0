package http

import (
	"time"

	"agentbridge/internal/auth"
	"agentbridge/internal/capability"
	"agentbridge/internal/metrics"
	"agentbridge/internal/shared/logging"
	"agentbridge/internal/trust"
)

// RouterConfig carries the wire-layer settings that are not already
// folded into Service or Auth.
type RouterConfig struct {
	RequireAuth    bool
	CORSOrigins    []string
	AllowedOrigins []string // WebSocket handshake origin allowlist
	WSAuthToken    string
	BodyLimit      int64
	SyncTimeout    time.Duration
	NodeURL        string // discovery/trust upstream
	GlobalRateMax  int
	GlobalRateWin  time.Duration
	RateLimitOn    bool
}

// Deps bundles everything NewRouter needs to build the bridge's full HTTP
// surface.
type Deps struct {
	Auth       *auth.Authenticator
	Service    *Service
	Trust      *trust.Store
	Capability *capability.Document
	LLMsTxt    string
	AgentName  string
	Config     RouterConfig
	Metrics    *metrics.Registry
	Log        logging.Logger

	// sandboxLimiter throttles POST /sandbox per IP; lazily built by
	// NewRouter so each router instance carries its own window state.
	sandboxLimiter *fixedWindowLimiter
}
