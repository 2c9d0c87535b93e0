// Package config loads the bridge's runtime configuration via viper,
// modeling every optional subsystem (escrow, on-chain receipts) as a
// nilable pointer section rather than a loosely typed map.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// CORSConfig is the cross-origin allowlist.
type CORSConfig struct {
	Origins []string `mapstructure:"origins"`
}

// RateLimitConfig is the per-route global limiter.
type RateLimitConfig struct {
	Max       int  `mapstructure:"max"`
	WindowMs  int  `mapstructure:"windowMs"`
	Enabled   bool `mapstructure:"enabled"`
}

// EscrowConfig enables the escrow validation/settlement path when non-nil.
type EscrowConfig struct {
	ContractAddr      string `mapstructure:"contractAddr"`
	RPCURL            string `mapstructure:"rpcUrl"`
	ChainID           int64  `mapstructure:"chainId"`
	ProviderDID       string `mapstructure:"providerDid"`
	WalletPrivateKey  string `mapstructure:"walletPrivateKey"`
}

// X402Config enables the on-chain payment receipt auth stage when non-nil.
type X402Config struct {
	PayTo          string        `mapstructure:"payTo"`
	USDCAddr       string        `mapstructure:"usdcAddr"`
	PriceUSDC      string        `mapstructure:"priceUsdc"`
	Network        string        `mapstructure:"network"`
	ValidityPeriod time.Duration `mapstructure:"validityPeriod"`
}

// Capability holds the capability-card fields the config surface controls
// directly (richer optional fields come from a JSON file, see CardPath).
type Capability struct {
	Name         string            `mapstructure:"name"`
	Description  string            `mapstructure:"description"`
	Version      string            `mapstructure:"version"`
	Skills       []string          `mapstructure:"skills"`
	PricePerTask string            `mapstructure:"pricePerTask"`
	Metadata     map[string]string `mapstructure:"metadata"`
	CardPath     string            `mapstructure:"cardPath"`
}

// Config is the fully resolved runtime configuration.
type Config struct {
	AppName string `mapstructure:"appName"`

	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	WorkspaceDir    string   `mapstructure:"workspace_dir"`
	AllowedCommands []string `mapstructure:"allowed_commands"`
	TaskTimeout     int      `mapstructure:"task_timeout"`

	RequireAuth bool   `mapstructure:"require_auth"`
	APIToken    string `mapstructure:"api_token"`
	WSAuthToken string `mapstructure:"wsAuthToken"`

	CORS           CORSConfig      `mapstructure:"cors"`
	RateLimit      RateLimitConfig `mapstructure:"rateLimit"`
	BodyLimit      int64           `mapstructure:"bodyLimit"`
	AllowedOrigins []string        `mapstructure:"allowedOrigins"`

	Escrow *EscrowConfig `mapstructure:"escrow"`
	X402   *X402Config   `mapstructure:"x402"`

	NodeURL string `mapstructure:"nodeUrl"`

	Capability Capability `mapstructure:"capability"`

	StateDir string `mapstructure:"stateDir"`

	ResultTTL     time.Duration `mapstructure:"resultTTL"`
	SyncTimeout   time.Duration `mapstructure:"syncTimeout"`
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
	DrainTimeout  time.Duration `mapstructure:"drainTimeout"`

	RateLimitPersistInterval time.Duration `mapstructure:"rateLimitPersistInterval"`
}

const envPrefix = "BRIDGE"

// setDefaults installs the default for every recognized option.
func setDefaults(v *viper.Viper) {
	v.SetDefault("appName", "agentbridge")
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("workspace_dir", "./workspace")
	v.SetDefault("allowed_commands", []string{"claude"})
	v.SetDefault("task_timeout", 3600)
	v.SetDefault("require_auth", true)
	v.SetDefault("bodyLimit", int64(1<<20))
	v.SetDefault("cors.origins", []string{"http://localhost:3000"})
	v.SetDefault("rateLimit.max", 100)
	v.SetDefault("rateLimit.windowMs", 60_000)
	v.SetDefault("rateLimit.enabled", true)
	v.SetDefault("resultTTL", time.Hour)
	v.SetDefault("syncTimeout", 55*time.Second)
	v.SetDefault("sweepInterval", 5*time.Minute)
	v.SetDefault("drainTimeout", 30*time.Second)
	v.SetDefault("rateLimitPersistInterval", 60*time.Second)
	v.SetDefault("capability.name", "agentbridge")
	v.SetDefault("capability.description", "A broker bridge fronting a local AI execution worker.")
	v.SetDefault("capability.version", "0.1.0")
}

// Load reads config.yaml (if present) from configPath, layers environment
// variables prefixed BRIDGE_ on top, and unmarshals into Config. It does
// not read a .env file; LoadDotEnv does that separately.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if cfg.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.StateDir = filepath.Join(home, "."+cfg.AppName)
	}

	if cfg.Escrow != nil && cfg.Escrow.ContractAddr == "" {
		cfg.Escrow = nil
	}
	if cfg.X402 != nil && cfg.X402.PayTo == "" && cfg.X402.Network == "" && cfg.X402.USDCAddr == "" {
		cfg.X402 = nil
	}

	return &cfg, nil
}

// Validate checks the minimal required configuration: a valid port, a
// workspace directory, at least one allowed command, and a wallet private
// key whenever escrow is configured.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.WorkspaceDir == "" {
		return fmt.Errorf("workspace_dir is required")
	}
	if len(c.AllowedCommands) == 0 {
		return fmt.Errorf("allowed_commands must list at least one command")
	}
	if c.Escrow != nil && c.Escrow.WalletPrivateKey == "" {
		return fmt.Errorf("escrow configured but walletPrivateKey is empty")
	}
	return nil
}

// LoadDotEnv reads path as KEY=VALUE lines and sets each variable that is
// not already present in the environment, so real environment variables
// keep precedence over the file.
func LoadDotEnv(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"`)
		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}

// RateLimitStatePath is where the rate-limit store persists its counters.
func (c *Config) RateLimitStatePath() string {
	return filepath.Join(c.StateDir, "rate-limits.json")
}

// TrustStatePath is where the trust store persists its profiles.
func (c *Config) TrustStatePath() string {
	return filepath.Join(c.StateDir, "trust-store.json")
}
