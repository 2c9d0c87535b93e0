package http

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentbridge/internal/auth"
	"agentbridge/internal/capability"
	"agentbridge/internal/executor"
	"agentbridge/internal/ratelimit"
	"agentbridge/internal/registry"
	"agentbridge/internal/shared/config"
	"agentbridge/internal/shutdown"
	"agentbridge/internal/trust"
)

func newTestDeps(t *testing.T) *Deps {
	t.Helper()

	exec, err := executor.New(executor.Config{
		Command:         "definitely-not-a-real-binary",
		AllowedCommands: []string{"definitely-not-a-real-binary"},
		WorkspaceRoot:   t.TempDir(),
		MaxTimeoutS:     60,
	}, nil)
	require.NoError(t, err)

	reg := registry.New(registry.Config{ResultTTL: time.Hour}, nil)
	coord := shutdown.New(reg, 30*time.Second, nil)

	svc := &Service{
		Registry:  reg,
		Executor:  exec,
		Trust:     trust.NewStore(t.TempDir()+"/trust.json", nil),
		RateLimit: ratelimit.NewLimiter(ratelimit.NewStore(t.TempDir()+"/ratelimit.json", nil)),
		Shutdown:  coord,
	}

	authenticator := auth.New(auth.Config{StaticToken: "test-token"})

	cfg := &config.Config{AppName: "agentbridge"}
	doc, err := capability.Build(cfg, time.Unix(0, 0))
	require.NoError(t, err)

	return &Deps{
		Auth:       authenticator,
		Service:    svc,
		Trust:      svc.Trust,
		Capability: doc,
		LLMsTxt:    "# agentbridge\n",
		AgentName:  "agentbridge",
		Config:     RouterConfig{RequireAuth: true, SyncTimeout: 2 * time.Second},
	}
}

func TestHealthEndpoint(t *testing.T) {
	d := newTestDeps(t)
	router := NewRouter(d)

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}

func TestLLMsTxtServedAsPlainText(t *testing.T) {
	d := newTestDeps(t)
	router := NewRouter(d)

	req := httptest.NewRequest("GET", "/llms.txt", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	require.True(t, strings.HasPrefix(rec.Body.String(), "# agentbridge"))
}

func TestCapabilityWellKnownAliases(t *testing.T) {
	d := newTestDeps(t)
	router := NewRouter(d)

	var bodies []string
	for _, path := range []string{
		"/.well-known/agent.json",
		"/.well-known/agent-card.json",
		"/.well-known/a2a.json",
	} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, 200, rec.Code, path)
		bodies = append(bodies, rec.Body.String())
	}
	// The historical aliases must serve the identical document.
	require.Equal(t, bodies[0], bodies[1])
	require.Equal(t, bodies[0], bodies[2])
}

func TestCreateTaskRequiresAuth(t *testing.T) {
	d := newTestDeps(t)
	router := NewRouter(d)

	body := `{"prompt":"hello there"}`
	req := httptest.NewRequest("POST", "/task", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, 401, rec.Code)
}

func TestCreateTaskMockModeSynchronous(t *testing.T) {
	d := newTestDeps(t)
	router := NewRouter(d)

	body := `{"prompt":"hello there"}`
	req := httptest.NewRequest("POST", "/task?wait=true", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var result map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, "completed", result["status"])
	require.Equal(t, true, result["mock"])
}

func TestCreateTaskAsyncThenPoll(t *testing.T) {
	d := newTestDeps(t)
	router := NewRouter(d)

	body := `{"task_id":"poll-me-1","prompt":"hello there"}`
	req := httptest.NewRequest("POST", "/task", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, 202, rec.Code)

	require.Eventually(t, func() bool {
		getReq := httptest.NewRequest("GET", "/task/poll-me-1", nil)
		getReq.Header.Set("Authorization", "Bearer test-token")
		getRec := httptest.NewRecorder()
		router.ServeHTTP(getRec, getReq)
		if getRec.Code != 200 {
			return false
		}
		var result map[string]any
		_ = json.Unmarshal(getRec.Body.Bytes(), &result)
		return result["status"] == "completed"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestJSONRPCUnknownMethod(t *testing.T) {
	d := newTestDeps(t)
	router := NewRouter(d)

	body := `{"jsonrpc":"2.0","id":1,"method":"no/such","params":{}}`
	req := httptest.NewRequest("POST", "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var resp rpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, rpcMethodNotFound, resp.Error.Code)
}

func TestJSONRPCAgentDescribe(t *testing.T) {
	d := newTestDeps(t)
	router := NewRouter(d)

	body := `{"jsonrpc":"2.0","id":"a","method":"agent/describe","params":{}}`
	req := httptest.NewRequest("POST", "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var resp rpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Nil(t, resp.Error)
	require.NotNil(t, resp.Result)
}

func TestSandboxRejectsOverlongPrompt(t *testing.T) {
	d := newTestDeps(t)
	router := NewRouter(d)

	long := make([]byte, 501)
	for i := range long {
		long[i] = 'a'
	}
	body := `{"prompt":"` + string(long) + `"}`
	req := httptest.NewRequest("POST", "/sandbox", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, 400, rec.Code)
}

func TestSandboxMockRun(t *testing.T) {
	d := newTestDeps(t)
	router := NewRouter(d)

	body := `{"prompt":"hi there"}`
	req := httptest.NewRequest("POST", "/sandbox", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
}

func TestSandboxThrottledPerIP(t *testing.T) {
	d := newTestDeps(t)
	router := NewRouter(d)

	var last int
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest("POST", "/sandbox", strings.NewReader(`{"prompt":"trial run"}`))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		last = rec.Code
	}
	require.Equal(t, 429, last)
}

func TestTrustEndpointValidatesDID(t *testing.T) {
	d := newTestDeps(t)
	router := NewRouter(d)

	req := httptest.NewRequest("GET", "/trust/not-a-did", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, 400, rec.Code)

	req2 := httptest.NewRequest("GET", "/trust/did:key:abc123", nil)
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)
	require.Equal(t, 200, rec2.Code)
}
