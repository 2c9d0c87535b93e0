// Command bridge is the CLI wrapper around the broker-bridge core: it
// resolves configuration, validates it, wires the components, and runs
// the server until a shutdown signal drains it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"agentbridge/internal/server/bootstrap"
	"agentbridge/internal/shared/config"
	"agentbridge/internal/shared/logging"
)

var (
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	cyan  = color.New(color.FgCyan).SprintFunc()
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath string
		logLevel   string
		logFormat  string
	)

	rootCmd := &cobra.Command{
		Use:   "bridge",
		Short: "agentbridge broker bridge — exposes a local AI worker to the agent marketplace",
		Long: fmt.Sprintf(`%s

A broker bridge that authenticates, accounts, and executes natural-language
tasks against a pre-installed coding CLI, optionally settling payment
against an on-chain escrow contract.`, cyan("agentbridge")),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Init(logging.Config{Level: logLevel, Format: logFormat})
			return serve(configPath)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text|json)")
	rootCmd.AddCommand(newVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("error:"), err)
		return 1
	}
	return 0
}

// serve loads configuration, validates it, builds the Foundation, and
// blocks until shutdown completes.
func serve(configPath string) error {
	config.LoadDotEnv(".env")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%s invalid configuration: %v\n", red("error:"), err)
		return err
	}

	foundation, err := bootstrap.Build(cfg)
	if err != nil {
		return fmt.Errorf("build bridge: %w", err)
	}

	fmt.Printf("%s %s listening on %s:%d (workspace=%s)\n",
		green("agentbridge"), cfg.AppName, cfg.Host, cfg.Port, cfg.WorkspaceDir)

	// Outer hard-kill: signal.Notify delivers to every registered channel,
	// so this listens alongside the coordinator's own internal handler
	// purely to arm a deadline once a shutdown signal actually
	// arrives; if the coordinator's drain watchdog somehow fails to return
	// control, force the process down drain_timeout+5s later rather than
	// hang forever.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)
	go func() {
		<-quit
		time.AfterFunc(drainTimeout(cfg)+5*time.Second, func() {
			fmt.Fprintln(os.Stderr, red("error: shutdown exceeded hard-kill deadline, forcing exit"))
			os.Exit(1)
		})
	}()

	return foundation.Run(context.Background())
}

func drainTimeout(cfg *config.Config) time.Duration {
	if cfg.DrainTimeout > 0 {
		return cfg.DrainTimeout
	}
	return 30 * time.Second
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("agentbridge dev")
		},
	}
}
