package bootstrap

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"agentbridge/internal/shared/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.WorkspaceDir = t.TempDir()
	cfg.StateDir = t.TempDir()
	cfg.AllowedCommands = []string{"definitely-not-a-real-binary"}
	cfg.APIToken = "test-token"
	return cfg
}

func TestBuildWiresRouter(t *testing.T) {
	f, err := Build(testConfig(t))
	require.NoError(t, err)
	require.NotNil(t, f.Router)
	require.True(t, f.Executor.IsMock())
	require.True(t, f.Shutdown.AcceptingTasks())

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	f.Router.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestResolvePayToDerivesFromWalletKey(t *testing.T) {
	const keyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	key, err := crypto.HexToECDSA(keyHex)
	require.NoError(t, err)
	want := crypto.PubkeyToAddress(key.PublicKey).Hex()

	cfg := testConfig(t)
	cfg.Escrow = &config.EscrowConfig{WalletPrivateKey: "0x" + keyHex}
	cfg.X402 = &config.X402Config{Network: "base-sepolia"}

	require.NoError(t, resolvePayTo(cfg))
	require.Equal(t, want, cfg.X402.PayTo)
	require.True(t, strings.HasPrefix(cfg.X402.PayTo, "0x"))
}

func TestResolvePayToFailsWithoutWalletKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.X402 = &config.X402Config{Network: "base-sepolia"}
	require.Error(t, resolvePayTo(cfg))
}

func TestResolvePayToKeepsExplicitAddress(t *testing.T) {
	cfg := testConfig(t)
	cfg.X402 = &config.X402Config{PayTo: "0x2222222222222222222222222222222222222222"}
	require.NoError(t, resolvePayTo(cfg))
	require.Equal(t, "0x2222222222222222222222222222222222222222", cfg.X402.PayTo)
}
