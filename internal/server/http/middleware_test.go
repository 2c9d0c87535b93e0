package http

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentbridge/internal/shared/apperrors"
)

func TestSecurityHeadersAlwaysApplied(t *testing.T) {
	d := newTestDeps(t)
	router := NewRouter(d)

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestCORSReflectsAllowedOrigin(t *testing.T) {
	d := newTestDeps(t)
	d.Config.CORSOrigins = []string{"https://app.example.com"}
	router := NewRouter(d)

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req2 := httptest.NewRequest("GET", "/health", nil)
	req2.Header.Set("Origin", "https://evil.example.com")
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)
	require.Empty(t, rec2.Header().Get("Access-Control-Allow-Origin"))
}

func TestBodyLimitRejectsOversizedBody(t *testing.T) {
	d := newTestDeps(t)
	d.Config.BodyLimit = 64
	router := NewRouter(d)

	req := httptest.NewRequest("POST", "/task", strings.NewReader(strings.Repeat("a", 256)))
	req.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, 400, rec.Code)
}

func TestGlobalRateLimitSparesHealth(t *testing.T) {
	d := newTestDeps(t)
	d.Config.RateLimitOn = true
	d.Config.GlobalRateMax = 2
	d.Config.GlobalRateWin = time.Minute
	router := NewRouter(d)

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/health", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, 200, rec.Code, "health request %d", i)
	}

	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/llms.txt", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		last = rec.Code
	}
	require.Equal(t, 429, last)
}

func TestCompressMiddlewareGzipsWhenAccepted(t *testing.T) {
	d := newTestDeps(t)
	router := NewRouter(d)

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	gr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	defer gr.Close()
	decoded, err := io.ReadAll(gr)
	require.NoError(t, err)
	require.Contains(t, string(decoded), `"status":"ok"`)
}

func TestClientIPHonorsForwardedFor(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	req.RemoteAddr = "10.0.0.1:4444"
	require.Equal(t, "10.0.0.1", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	require.Equal(t, "203.0.113.7", clientIP(req))
}

func TestWriteErrorAttachesHelpOn401(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, apperrors.Wrap(apperrors.ErrUnauthorized, "no valid credentials presented"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, apperrors.CodeUnauthorized, body.Error.Code)
	require.NotNil(t, body.Error.Help)
	require.Equal(t, "/.well-known/agent.json", body.Error.Help.CapabilityCard)
	require.NotEmpty(t, body.Error.Help.AcceptedAuth)
}

func TestWriteErrorHidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, io.ErrUnexpectedEOF)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "EOF")
}
