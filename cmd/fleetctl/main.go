// Command fleetctl is the operator CLI and long-running daemon for
// the fleet deployment control plane: deploy, rollback, status and
// logs on demand, plus a daemon mode that runs the Healer,
// Auto-Scaling Coordinator, Gateway, alert mailer and metrics
// collector in-process.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fleetctl/deployctl/pkg/log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}

// version is stamped at build time via -ldflags; it defaults to "dev"
// for local builds.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "fleetctl",
	Short: "Operate the fleet deployment control plane",
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("descriptors", "./services", "Root directory of service descriptor JSON files")
	rootCmd.PersistentFlags().String("data-dir", "./fleetctl-data", "Directory for the bbolt state file")
	rootCmd.PersistentFlags().Int("agent-port", 7070, "Node Agent HTTP port")
	rootCmd.PersistentFlags().String("registry-account", "", "Image registry account/namespace")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(daemonCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	asJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: asJSON})
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, the
// CLI-wide source of the spec's exit-130 "user cancel" behavior.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
