// Package capability builds the self-description document served at the
// bridge's well-known paths and its companion
// machine-readable llms.txt reference.
package capability

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"agentbridge/internal/shared/config"
)

// ProtocolVersion is the A2A protocol version this bridge implements.
const ProtocolVersion = "0.2.1"

// MaxCardFileBytes caps the optional rich capability-card JSON file.
const MaxCardFileBytes = 1 << 20

// Payment describes the bridge's pricing, always present.
type Payment struct {
	PricePerTask string `json:"pricePerTask,omitempty"`
}

// Metadata carries the always-present updatedAt timestamp plus any
// operator-supplied key/value pairs, serialized in sorted key order so the
// document is deterministic for a given configuration snapshot.
type Metadata struct {
	UpdatedAt string
	Extra     map[string]string
}

// MarshalJSON emits updatedAt first, then extra keys sorted
// lexicographically.
func (m Metadata) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	fmt.Fprintf(&buf, "%q:%q", "updatedAt", m.UpdatedAt)
	keys := make([]string, 0, len(m.Extra))
	for k := range m.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf.WriteByte(',')
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(m.Extra[k])
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// FreeTierInfo advertises the anonymous tier's limits.
type FreeTierInfo struct {
	Enabled    bool `json:"enabled" yaml:"enabled"`
	DailyLimit int  `json:"dailyLimit,omitempty" yaml:"dailyLimit"`
}

// TrustInfo advertises the reputation tier schedule.
type TrustInfo struct {
	Tiers []string `json:"tiers,omitempty" yaml:"tiers"`
}

// Document is the full capability card. Fields are declared
// in the always-present-first order so json.Marshal's struct-order output
// stays stable across builds.
type Document struct {
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	Version         string    `json:"version"`
	Skills          []string  `json:"skills"`
	Payment         Payment   `json:"payment"`
	Metadata        Metadata  `json:"metadata"`
	ProtocolVersion string    `json:"protocolVersion"`

	ID                 string          `json:"id,omitempty"`
	URL                string          `json:"url,omitempty"`
	Provider           string          `json:"provider,omitempty"`
	Capabilities       map[string]bool `json:"capabilities,omitempty"`
	Authentication     []string        `json:"authentication,omitempty"`
	FreeTier           *FreeTierInfo   `json:"freeTier,omitempty"`
	Trust              *TrustInfo      `json:"trust,omitempty"`
	DefaultInputModes  []string        `json:"defaultInputModes,omitempty"`
	DefaultOutputModes []string        `json:"defaultOutputModes,omitempty"`
	DocumentationURL   string          `json:"documentationUrl,omitempty"`
	TermsOfServiceURL  string          `json:"termsOfServiceUrl,omitempty"`
	PrivacyPolicyURL   string          `json:"privacyPolicyUrl,omitempty"`
	A2A                map[string]any  `json:"a2a,omitempty"`
}

// overlay is the shape of the optional rich capability-card file (JSON or
// YAML, by extension): any subset of Document's optional fields.
type overlay struct {
	ID                 string            `json:"id" yaml:"id"`
	URL                string            `json:"url" yaml:"url"`
	Provider           string            `json:"provider" yaml:"provider"`
	Capabilities       map[string]bool   `json:"capabilities" yaml:"capabilities"`
	Authentication     []string          `json:"authentication" yaml:"authentication"`
	FreeTier           *FreeTierInfo     `json:"freeTier" yaml:"freeTier"`
	Trust              *TrustInfo        `json:"trust" yaml:"trust"`
	DefaultInputModes  []string          `json:"defaultInputModes" yaml:"defaultInputModes"`
	DefaultOutputModes []string          `json:"defaultOutputModes" yaml:"defaultOutputModes"`
	DocumentationURL   string            `json:"documentationUrl" yaml:"documentationUrl"`
	TermsOfServiceURL  string            `json:"termsOfServiceUrl" yaml:"termsOfServiceUrl"`
	PrivacyPolicyURL   string            `json:"privacyPolicyUrl" yaml:"privacyPolicyUrl"`
	A2A                map[string]any    `json:"a2a" yaml:"a2a"`
	Metadata           map[string]string `json:"metadata" yaml:"metadata"`
}

// Build constructs the capability document for cfg as of now. If
// cfg.Capability.CardPath names a file, it is read (subject to
// MaxCardFileBytes) and merged in for the optional fields.
func Build(cfg *config.Config, now time.Time) (*Document, error) {
	c := cfg.Capability
	doc := &Document{
		Name:            c.Name,
		Description:     c.Description,
		Version:         c.Version,
		Skills:          c.Skills,
		ProtocolVersion: ProtocolVersion,
	}
	doc.Payment.PricePerTask = c.PricePerTask
	doc.Metadata = Metadata{UpdatedAt: now.UTC().Format(time.RFC3339), Extra: c.Metadata}

	var auths []string
	if cfg.APIToken != "" {
		auths = append(auths, "bearer", "x-api-key")
	}
	auths = append(auths, "did")
	auths = append(auths, "free-tier")
	if cfg.X402 != nil {
		auths = append(auths, "x-payment")
	}
	doc.Authentication = auths

	if cfg.Escrow != nil {
		doc.Capabilities = map[string]bool{"escrow": true}
	}
	doc.FreeTier = &FreeTierInfo{Enabled: true, DailyLimit: 10}

	if c.CardPath == "" {
		return doc, nil
	}

	info, err := os.Stat(c.CardPath)
	if err != nil {
		return nil, fmt.Errorf("capability: stat card file: %w", err)
	}
	if info.Size() > MaxCardFileBytes {
		return nil, fmt.Errorf("capability: card file %s exceeds %d bytes", c.CardPath, MaxCardFileBytes)
	}
	data, err := os.ReadFile(c.CardPath)
	if err != nil {
		return nil, fmt.Errorf("capability: read card file: %w", err)
	}
	var ov overlay
	switch strings.ToLower(filepath.Ext(c.CardPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &ov)
	default:
		err = json.Unmarshal(data, &ov)
	}
	if err != nil {
		return nil, fmt.Errorf("capability: parse card file: %w", err)
	}
	applyOverlay(doc, ov)
	return doc, nil
}

func applyOverlay(doc *Document, ov overlay) {
	if ov.ID != "" {
		doc.ID = ov.ID
	}
	if ov.URL != "" {
		doc.URL = ov.URL
	}
	if ov.Provider != "" {
		doc.Provider = ov.Provider
	}
	if ov.Capabilities != nil {
		doc.Capabilities = ov.Capabilities
	}
	if ov.Authentication != nil {
		doc.Authentication = ov.Authentication
	}
	if ov.FreeTier != nil {
		doc.FreeTier = ov.FreeTier
	}
	if ov.Trust != nil {
		doc.Trust = ov.Trust
	}
	if ov.DefaultInputModes != nil {
		doc.DefaultInputModes = ov.DefaultInputModes
	}
	if ov.DefaultOutputModes != nil {
		doc.DefaultOutputModes = ov.DefaultOutputModes
	}
	if ov.DocumentationURL != "" {
		doc.DocumentationURL = ov.DocumentationURL
	}
	if ov.TermsOfServiceURL != "" {
		doc.TermsOfServiceURL = ov.TermsOfServiceURL
	}
	if ov.PrivacyPolicyURL != "" {
		doc.PrivacyPolicyURL = ov.PrivacyPolicyURL
	}
	if ov.A2A != nil {
		doc.A2A = ov.A2A
	}
	for k, v := range ov.Metadata {
		if doc.Metadata.Extra == nil {
			doc.Metadata.Extra = map[string]string{}
		}
		doc.Metadata.Extra[k] = v
	}
}

const llmsTxtTemplate = `# {{.Name}}
> {{.Description}}

## Endpoints
- POST {{.BaseURL}}/task - submit a task (add ?wait=true to block for the result)
- GET {{.BaseURL}}/task/{id} - poll a task's status or result
- DELETE {{.BaseURL}}/task/{id} - cancel a task you own
- POST {{.BaseURL}}/ - JSON-RPC 2.0 (message/send, tasks/get, tasks/cancel, agent/describe, agent/status)
- GET {{.BaseURL}}/.well-known/agent.json - capability card

## Authentication
Send one of:
- Authorization: Bearer <token>
- x-api-key: <token>
- Authorization: DID <did>:<unix_ts>:<base64url_sig>
- Authorization: FreeTier <identifier>

## Minimal Example
` + "```bash" + `
curl -X POST {{.BaseURL}}/task \
  -H "Authorization: FreeTier demo" \
  -H "Content-Type: application/json" \
  -d '{"prompt": "review this diff for bugs"}'
` + "```" + `
`

// RenderLLMsTxt fills the llms.txt template for baseURL.
func RenderLLMsTxt(doc *Document, baseURL string) (string, error) {
	tmpl, err := template.New("llms").Parse(llmsTxtTemplate)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	data := struct {
		Name        string
		Description string
		BaseURL     string
	}{Name: doc.Name, Description: doc.Description, BaseURL: strings.TrimSuffix(baseURL, "/")}
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
