package capability

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentbridge/internal/shared/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Capability: config.Capability{
			Name:        "agentbridge",
			Description: "test bridge",
			Version:     "0.1.0",
			Skills:      []string{"code-review"},
		},
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	cfg := baseConfig()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	d1, err := Build(cfg, now)
	require.NoError(t, err)
	d2, err := Build(cfg, now)
	require.NoError(t, err)

	j1, err := json.Marshal(d1)
	require.NoError(t, err)
	j2, err := json.Marshal(d2)
	require.NoError(t, err)
	require.Equal(t, string(j1), string(j2))
}

func TestBuildMetadataSortedKeys(t *testing.T) {
	cfg := baseConfig()
	cfg.Capability.Metadata = map[string]string{"zeta": "1", "alpha": "2"}
	doc, err := Build(cfg, time.Now())
	require.NoError(t, err)

	data, err := json.Marshal(doc.Metadata)
	require.NoError(t, err)
	require.Regexp(t, `"alpha".*"zeta"`, string(data))
}

func TestBuildOverlayFromCardFile(t *testing.T) {
	cfg := baseConfig()
	dir := t.TempDir()
	path := filepath.Join(dir, "card.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":"bridge-1","documentationUrl":"https://example.com/docs"}`), 0o600))
	cfg.Capability.CardPath = path

	doc, err := Build(cfg, time.Now())
	require.NoError(t, err)
	require.Equal(t, "bridge-1", doc.ID)
	require.Equal(t, "https://example.com/docs", doc.DocumentationURL)
}

func TestBuildOverlayFromYAMLCardFile(t *testing.T) {
	cfg := baseConfig()
	dir := t.TempDir()
	path := filepath.Join(dir, "card.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
id: bridge-2
documentationUrl: https://example.com/yaml-docs
freeTier:
  enabled: true
  dailyLimit: 25
`), 0o600))
	cfg.Capability.CardPath = path

	doc, err := Build(cfg, time.Now())
	require.NoError(t, err)
	require.Equal(t, "bridge-2", doc.ID)
	require.Equal(t, "https://example.com/yaml-docs", doc.DocumentationURL)
	require.Equal(t, 25, doc.FreeTier.DailyLimit)
}

func TestBuildRejectsOversizedCardFile(t *testing.T) {
	cfg := baseConfig()
	dir := t.TempDir()
	path := filepath.Join(dir, "card.json")
	big := make([]byte, MaxCardFileBytes+1)
	require.NoError(t, os.WriteFile(path, big, 0o600))
	cfg.Capability.CardPath = path

	_, err := Build(cfg, time.Now())
	require.Error(t, err)
}

func TestBuildAdvertisesConfiguredAuthMethods(t *testing.T) {
	cfg := baseConfig()
	doc, err := Build(cfg, time.Now())
	require.NoError(t, err)
	require.Contains(t, doc.Authentication, "did")
	require.Contains(t, doc.Authentication, "free-tier")
	require.NotContains(t, doc.Authentication, "bearer")
	require.NotContains(t, doc.Authentication, "x-payment")

	cfg.APIToken = "tok"
	cfg.X402 = &config.X402Config{PayTo: "0xabc"}
	doc, err = Build(cfg, time.Now())
	require.NoError(t, err)
	require.Contains(t, doc.Authentication, "bearer")
	require.Contains(t, doc.Authentication, "x-api-key")
	require.Contains(t, doc.Authentication, "x-payment")
}

func TestRenderLLMsTxt(t *testing.T) {
	doc := &Document{Name: "agentbridge", Description: "A broker bridge"}
	out, err := RenderLLMsTxt(doc, "https://bridge.example.com/")
	require.NoError(t, err)
	require.Contains(t, out, "# agentbridge")
	require.Contains(t, out, "> A broker bridge")
	require.Contains(t, out, "https://bridge.example.com/task")
	require.NotContains(t, out, "https://bridge.example.com//task")
}
