package http

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"agentbridge/internal/auth"
	"agentbridge/internal/domain/identity"
	"agentbridge/internal/domain/task"
)

// maxWSConnections caps concurrent WebSocket clients.
const maxWSConnections = 100

// maxWSPayloadBytes caps a single inbound frame.
const maxWSPayloadBytes = 1 << 20

// wsMessageRateLimit is the default per-connection inbound-message budget.
const wsMessageRateLimit = 10

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wsConnCounter tracks the live connection count; it is package-level so
// every *Deps sharing one process enforces one global cap.
var wsConnCounter struct {
	mu    sync.Mutex
	count int
}

func wsTryAcquire() bool {
	wsConnCounter.mu.Lock()
	defer wsConnCounter.mu.Unlock()
	if wsConnCounter.count >= maxWSConnections {
		return false
	}
	wsConnCounter.count++
	return true
}

func wsRelease() {
	wsConnCounter.mu.Lock()
	defer wsConnCounter.mu.Unlock()
	wsConnCounter.count--
}

type wsInbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type wsOutbound struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// wsPush implements registry.PushChannel, forwarding a completed task's
// result to its owning connection as a single write, serialized through
// the connection's writeMu: one mutex-guarded writer per socket.
type wsPush struct {
	conn    *websocket.Conn
	writeMu *sync.Mutex
}

func (p *wsPush) Push(result *task.Result) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.WriteJSON(wsOutbound{Type: "result", Payload: result})
}

// handleWebSocket upgrades and serves one WebSocket connection.
// The handshake is authenticated against the same pipeline as
// every other surface (token match; origin allowlist when configured),
// then each inbound frame is rate-limited and dispatched.
func (d *Deps) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	result, err := d.handshakeAuth(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if len(d.Config.AllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if !originAllowed(origin, d.Config.AllowedOrigins) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
	}

	if !wsTryAcquire() {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	defer wsRelease()

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxWSPayloadBytes)

	var writeMu sync.Mutex
	limiter := newFixedWindowLimiter(wsMessageRateLimit, time.Minute)
	connKey := result.Identity.ID

	for {
		var msg wsInbound
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		if !limiter.allow(connKey) {
			writeMu.Lock()
			_ = conn.WriteJSON(wsOutbound{Type: "error", Code: "rate_limited", Message: "too many messages"})
			writeMu.Unlock()
			continue
		}

		switch msg.Type {
		case "task":
			d.handleWSTask(r, &msg, result, &wsConn{conn: conn, mu: &writeMu})
		default:
			writeMu.Lock()
			_ = conn.WriteJSON(wsOutbound{Type: "error", Code: "bad_type", Message: "unrecognized message type"})
			writeMu.Unlock()
		}
	}
}

// wsConn bundles a connection with its single writer mutex, avoiding
// interleaved frames between the push channel and the request-driven
// reply path.
type wsConn struct {
	conn *websocket.Conn
	mu   *sync.Mutex
}

func (c *wsConn) writeJSON(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteJSON(v)
}

// handleWSTask decodes a {type:"task", payload} frame, submits it through
// the shared Service, and pushes the result back once execution
// completes, registering the connection as the task's push channel so
// the result still arrives if the owning WebSocket call returns first.
func (d *Deps) handleWSTask(r *http.Request, msg *wsInbound, authResult *auth.Result, c *wsConn) {
	var t task.Task
	if err := json.Unmarshal(msg.Payload, &t); err != nil {
		c.writeJSON(wsOutbound{Type: "error", Code: "bad_payload", Message: "invalid task payload"})
		return
	}

	if _, err := d.Service.Submit(r.Context(), &t, authResult.Identity.ID, authResult.Stage, clientIP(r)); err != nil {
		c.writeJSON(wsOutbound{Type: "error", Code: "submit_failed", Message: err.Error()})
		return
	}

	d.Service.Registry.SetPushChannel(t.TaskID, &wsPush{conn: c.conn, writeMu: c.mu})
}

// handshakeAuth runs the auth pipeline against the handshake headers,
// falling back to the raw WSAuthToken match whenever the pipeline rejects
// the headers, for deployments that only enable WebSocket access.
func (d *Deps) handshakeAuth(r *http.Request) (*auth.Result, error) {
	result, err := d.Auth.AuthenticateHandshake(r.URL.Path, r.Header)
	if err == nil {
		return result, nil
	}
	if d.Config.WSAuthToken != "" {
		token := r.Header.Get("Authorization")
		if token == "Bearer "+d.Config.WSAuthToken {
			return &auth.Result{Identity: identity.Identity{ID: identity.Anonymous}, Stage: auth.StageStaticToken}, nil
		}
	}
	return nil, err
}

func originAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == origin || a == "*" {
			return true
		}
	}
	return false
}
