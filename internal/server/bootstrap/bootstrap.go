// Package bootstrap wires the bridge's core components (executor,
// registry, rate limiter, trust store, auth pipeline, escrow client) into
// the HTTP surface and runs the process until a shutdown signal arrives:
// a required-foundation phase followed by an HTTP-layer phase and a
// blocking serve-until-signal loop.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"agentbridge/internal/auth"
	"agentbridge/internal/capability"
	"agentbridge/internal/escrowclient"
	"agentbridge/internal/executor"
	"agentbridge/internal/metrics"
	"agentbridge/internal/ratelimit"
	"agentbridge/internal/registry"
	bridgehttp "agentbridge/internal/server/http"
	"agentbridge/internal/shared/config"
	"agentbridge/internal/shared/logging"
	"agentbridge/internal/shutdown"
	"agentbridge/internal/trust"
	"agentbridge/internal/x402"
)

// Foundation holds every long-lived component the bridge assembles at
// startup, returned so the CLI layer can log a startup banner and flush
// state on exit.
type Foundation struct {
	Config    *config.Config
	Registry  *registry.Registry
	Executor  *executor.Executor
	RateLimit *ratelimit.Store
	Trust     *trust.Store
	Auth      *auth.Authenticator
	Escrow    *escrowclient.Client
	Shutdown  *shutdown.Coordinator
	Service   *bridgehttp.Service
	Metrics   *metrics.Registry
	Router    http.Handler
	Log       logging.Logger

	cancelBackground context.CancelFunc
}

// Build constructs every long-lived component from cfg and wires them
// into a single Service and
// Router. It does not start listening or any background loop; call Run
// to do both.
func Build(cfg *config.Config) (*Foundation, error) {
	log := logging.NewComponentLogger("bootstrap")

	exec, err := executor.New(executor.Config{
		Command:         firstOf(cfg.AllowedCommands),
		AllowedCommands: cfg.AllowedCommands,
		WorkspaceRoot:   cfg.WorkspaceDir,
		MaxTimeoutS:     cfg.TaskTimeout,
	}, logging.NewComponentLogger("executor"))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: executor: %w", err)
	}

	reg := registry.New(registry.Config{
		ResultTTL: resultTTL(cfg),
		Cancel:    exec.Cancel,
	}, logging.NewComponentLogger("registry"))

	rlStore := ratelimit.NewStore(cfg.RateLimitStatePath(), logging.NewComponentLogger("ratelimit"))
	limiter := ratelimit.NewLimiter(rlStore)
	trustStore := trust.NewStore(cfg.TrustStatePath(), logging.NewComponentLogger("trust"))

	var receiptValidator auth.ReceiptValidator
	if cfg.X402 != nil {
		if err := resolvePayTo(cfg); err != nil {
			return nil, fmt.Errorf("bootstrap: x402: %w", err)
		}
		receiptValidator = x402.New(*cfg.X402, logging.NewComponentLogger("x402"))
	}
	authenticator := auth.New(auth.Config{
		StaticToken: cfg.APIToken,
		Receipt:     receiptValidator,
	})

	var escrowClient *escrowclient.Client
	if cfg.Escrow != nil {
		escrowClient, err = escrowclient.New(escrowclient.Config{
			RPCURL:        cfg.Escrow.RPCURL,
			ContractAddr:  cfg.Escrow.ContractAddr,
			ChainID:       cfg.Escrow.ChainID,
			PrivateKeyHex: cfg.Escrow.WalletPrivateKey,
			ProviderDID:   cfg.Escrow.ProviderDID,
		}, logging.NewComponentLogger("escrowclient"))
		if err != nil {
			return nil, fmt.Errorf("bootstrap: escrow client: %w", err)
		}
	}

	coordinator := shutdown.New(reg, drainTimeout(cfg), logging.NewComponentLogger("shutdown"))

	metricsReg, err := metrics.New(nil)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: metrics: %w", err)
	}

	svc := &bridgehttp.Service{
		Registry:  reg,
		Executor:  exec,
		Trust:     trustStore,
		RateLimit: limiter,
		Shutdown:  coordinator,
		Metrics:   metricsReg,
		Log:       logging.NewComponentLogger("service"),
	}
	if escrowClient != nil {
		svc.Escrow = escrowClient
	}

	doc, err := capability.Build(cfg, time.Now())
	if err != nil {
		return nil, fmt.Errorf("bootstrap: capability document: %w", err)
	}
	llmsTxt, err := capability.RenderLLMsTxt(doc, baseURL(cfg))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: llms.txt: %w", err)
	}

	deps := &bridgehttp.Deps{
		Auth:       authenticator,
		Service:    svc,
		Trust:      trustStore,
		Capability: doc,
		LLMsTxt:    llmsTxt,
		AgentName:  cfg.AppName,
		Config: bridgehttp.RouterConfig{
			RequireAuth:    cfg.RequireAuth,
			CORSOrigins:    cfg.CORS.Origins,
			AllowedOrigins: cfg.AllowedOrigins,
			WSAuthToken:    cfg.WSAuthToken,
			BodyLimit:      cfg.BodyLimit,
			SyncTimeout:    cfg.SyncTimeout,
			NodeURL:        cfg.NodeURL,
			GlobalRateMax:  cfg.RateLimit.Max,
			GlobalRateWin:  time.Duration(cfg.RateLimit.WindowMs) * time.Millisecond,
			RateLimitOn:    cfg.RateLimit.Enabled,
		},
		Metrics: metricsReg,
		Log:     logging.NewComponentLogger("http"),
	}

	return &Foundation{
		Config:    cfg,
		Registry:  reg,
		Executor:  exec,
		RateLimit: rlStore,
		Trust:     trustStore,
		Auth:      authenticator,
		Escrow:    escrowClient,
		Shutdown:  coordinator,
		Service:   svc,
		Metrics:   metricsReg,
		Router:    bridgehttp.NewRouter(deps),
		Log:       log,
	}, nil
}

// resolvePayTo fills a zero-valued x402 payment address from the escrow
// wallet key.
func resolvePayTo(cfg *config.Config) error {
	if cfg.X402.PayTo != "" {
		return nil
	}
	if cfg.Escrow == nil || cfg.Escrow.WalletPrivateKey == "" {
		return fmt.Errorf("payTo is empty and no wallet key is configured to derive it from")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.Escrow.WalletPrivateKey, "0x"))
	if err != nil {
		return fmt.Errorf("derive payTo: %w", err)
	}
	cfg.X402.PayTo = crypto.PubkeyToAddress(key.PublicKey).Hex()
	return nil
}

func firstOf(commands []string) string {
	if len(commands) == 0 {
		return ""
	}
	return commands[0]
}

func resultTTL(cfg *config.Config) time.Duration {
	if cfg.ResultTTL > 0 {
		return cfg.ResultTTL
	}
	return time.Hour
}

func drainTimeout(cfg *config.Config) time.Duration {
	if cfg.DrainTimeout > 0 {
		return cfg.DrainTimeout
	}
	return 30 * time.Second
}

func baseURL(cfg *config.Config) string {
	host := cfg.Host
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Port)
}

// runBackgroundLoops starts the sweep, rate-limit persistence, and trust
// flush timers.
func (f *Foundation) runBackgroundLoops(ctx context.Context) {
	sweepInterval := f.Config.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}
	persistInterval := f.Config.RateLimitPersistInterval
	if persistInterval <= 0 {
		persistInterval = 60 * time.Second
	}

	go f.Registry.Run(ctx, sweepInterval)
	go f.RateLimit.Run(ctx, persistInterval)
	go f.runTrustFlush(ctx, persistInterval)
}

func (f *Foundation) runTrustFlush(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			f.Trust.Flush()
			return
		case <-t.C:
			f.Trust.Flush()
		}
	}
}

// Run starts the HTTP listener and blocks until a shutdown signal arrives
// or the server errors out, draining in-flight tasks before returning.
// The returned error is non-nil on a fatal listener
// error or a drain that timed out, so the CLI layer can map it to exit
// code 1.
func (f *Foundation) Run(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(ctx)
	f.cancelBackground = cancel
	defer cancel()
	f.runBackgroundLoops(bgCtx)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", f.Config.Host, f.Config.Port),
		Handler:      f.Router,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		f.Log.Info("bridge listening on %s", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		if err == nil || err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("bootstrap: server error: %w", err)
	case <-quit:
		f.Log.Info("shutdown signal received, draining")
		metrics := f.Shutdown.BeginDrain()
		f.Log.Info("drain complete: completed=%d cancelled=%d timedOut=%v durationMs=%d",
			metrics.Completed, metrics.Cancelled, metrics.TimedOut, metrics.DurationMs)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		shutdownErr := server.Shutdown(shutdownCtx)

		f.RateLimit.Flush()
		f.Trust.Flush()
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = f.Metrics.Shutdown(metricsShutdownCtx)
		metricsShutdownCancel()

		if serveErr := <-errCh; serveErr != nil && serveErr != http.ErrServerClosed {
			return fmt.Errorf("bootstrap: server error: %w", serveErr)
		}
		if shutdownErr != nil {
			return fmt.Errorf("bootstrap: shutdown: %w", shutdownErr)
		}
		if metrics.TimedOut {
			return fmt.Errorf("bootstrap: drain timed out, %d task(s) cancelled", metrics.Cancelled)
		}
		return nil
	}
}
