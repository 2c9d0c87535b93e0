package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentbridge/internal/domain/escrow"
	"agentbridge/internal/escrowclient"
)

func postTask(t *testing.T, router http.Handler, authHeader, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/task", strings.NewReader(body))
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestFreeTierQuotaExhaustion(t *testing.T) {
	d := newTestDeps(t)
	router := NewRouter(d)

	// A new-tier identity gets 10 tasks per UTC day; the identity counter
	// trips before the fixed per-IP cap of 20.
	for i := 0; i < 10; i++ {
		rec := postTask(t, router, "FreeTier quota-user", fmt.Sprintf(`{"prompt":"task number %d"}`, i))
		require.Equal(t, 202, rec.Code, "submission %d", i)

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Contains(t, body, "freeTier")
	}

	rec := postTask(t, router, "FreeTier quota-user", `{"prompt":"one too many"}`)
	require.Equal(t, 429, rec.Code)
	require.Contains(t, rec.Body.String(), "RATE_LIMITED")
	require.Contains(t, rec.Body.String(), "DID daily limit")
}

func TestFreeTierResponseReportsRemaining(t *testing.T) {
	d := newTestDeps(t)
	router := NewRouter(d)

	rec := postTask(t, router, "FreeTier counting-user", `{"prompt":"first"}`)
	require.Equal(t, 202, rec.Code)

	var body struct {
		FreeTier FreeTierInfo `json:"freeTier"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "new", body.FreeTier.Tier)
	require.Equal(t, 10, body.FreeTier.DailyLimit)
	require.Equal(t, 9, body.FreeTier.Remaining)
}

func TestStaticTokenBypassesQuota(t *testing.T) {
	d := newTestDeps(t)
	router := NewRouter(d)

	for i := 0; i < 15; i++ {
		rec := postTask(t, router, "Bearer test-token", `{"prompt":"unmetered"}`)
		require.Equal(t, 202, rec.Code, "submission %d", i)
		require.NotContains(t, rec.Body.String(), "freeTier")
	}
}

func TestDrainingRefusesNewTasks(t *testing.T) {
	d := newTestDeps(t)
	router := NewRouter(d)

	metrics := d.Service.Shutdown.BeginDrain()
	require.False(t, metrics.TimedOut)
	require.False(t, d.Service.Shutdown.AcceptingTasks())

	rec := postTask(t, router, "Bearer test-token", `{"prompt":"too late"}`)
	require.Equal(t, 503, rec.Code)
}

func TestOwnershipEnforcedOnPoll(t *testing.T) {
	d := newTestDeps(t)
	router := NewRouter(d)

	rec := postTask(t, router, "FreeTier alice", `{"task_id":"owned-1","prompt":"hello"}`)
	require.Equal(t, 202, rec.Code)

	// Wait for the mock execution to land so the entry is completed.
	require.Eventually(t, func() bool {
		_, fresh := d.Service.Registry.GetCompletedIfFresh("owned-1")
		return fresh
	}, 2*time.Second, 10*time.Millisecond)

	req := httptest.NewRequest("GET", "/task/owned-1", nil)
	req.Header.Set("Authorization", "FreeTier bob")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, 403, w.Code)

	// An x-client-did assertion matching the owner is accepted.
	req2 := httptest.NewRequest("GET", "/task/owned-1", nil)
	req2.Header.Set("Authorization", "FreeTier bob")
	req2.Header.Set("x-client-did", "alice")
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, req2)
	require.Equal(t, 200, w2.Code)
}

func TestAnonymousAdmittedWhenAuthOptional(t *testing.T) {
	d := newTestDeps(t)
	d.Config.RequireAuth = false
	router := NewRouter(d)

	rec := postTask(t, router, "", `{"prompt":"no credentials at all"}`)
	require.Equal(t, 202, rec.Code)
}

type fakeEscrow struct {
	mu        sync.Mutex
	result    escrow.ValidationResult
	confirmed []string
	hashes    [][32]byte
}

func (f *fakeEscrow) Validate(ctx context.Context, escrowID string, now time.Time) (*escrow.ValidationResult, error) {
	r := f.result
	return &r, nil
}

func (f *fakeEscrow) ConfirmDelivery(ctx context.Context, escrowID string, outputHash [32]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed = append(f.confirmed, escrowID)
	f.hashes = append(f.hashes, outputHash)
	return nil
}

func TestEscrowValidatedAndConfirmedOnCompletion(t *testing.T) {
	d := newTestDeps(t)
	fe := &fakeEscrow{result: escrow.ValidationResult{Valid: true}}
	d.Service.Escrow = fe
	router := NewRouter(d)

	req := httptest.NewRequest("POST", "/task?wait=true", strings.NewReader(`{"task_id":"escrowed-1","prompt":"do the work","escrow_id":"42"}`))
	req.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)

	var result map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, "completed", result["status"])

	// confirmDelivery runs after the completion is published; allow it a
	// moment, then check it fired exactly once with the output's keccak.
	require.Eventually(t, func() bool {
		fe.mu.Lock()
		defer fe.mu.Unlock()
		return len(fe.confirmed) == 1
	}, 2*time.Second, 10*time.Millisecond)

	fe.mu.Lock()
	defer fe.mu.Unlock()
	require.Equal(t, []string{"42"}, fe.confirmed)
	require.Equal(t, escrowclient.KeccakOutput(result["output"].(string)), fe.hashes[0])
}

func TestEscrowInvalidRejectsWith402(t *testing.T) {
	d := newTestDeps(t)
	d.Service.Escrow = &fakeEscrow{result: escrow.ValidationResult{Valid: false, Error: "escrow is not funded"}}
	router := NewRouter(d)

	rec := postTask(t, router, "Bearer test-token", `{"prompt":"pay first","escrow_id":"7"}`)
	require.Equal(t, 402, rec.Code)
	require.Contains(t, rec.Body.String(), "PAYMENT_REQUIRED")

	_, _, pending := d.Service.Registry.GetPending("7")
	require.False(t, pending)
}

func TestTrustRecordedOncePerCompletedTask(t *testing.T) {
	d := newTestDeps(t)
	router := NewRouter(d)

	req := httptest.NewRequest("POST", "/task?wait=true", strings.NewReader(`{"prompt":"count me"}`))
	req.Header.Set("Authorization", "FreeTier tracked-user")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)

	require.Eventually(t, func() bool {
		p, _, ok := d.Service.Trust.Snapshot("tracked-user")
		return ok && p.Completed == 1
	}, 2*time.Second, 10*time.Millisecond)
}
