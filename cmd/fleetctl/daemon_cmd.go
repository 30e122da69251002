package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fleetctl/deployctl/pkg/lock"
	"github.com/fleetctl/deployctl/pkg/metrics"
)

// lockSweepInterval is how often the Infrastructure Lock janitor
// reclaims expired leases; a crashed holder's lease is cleared at
// most this long after it lapses.
const lockSweepInterval = 30 * time.Second

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the long-lived fleet components (Healer, Auto-Scaler, Gateway, metrics, alerts)",
	RunE: func(cmd *cobra.Command, args []string) error {
		selfIP, _ := cmd.Flags().GetString("self-ip")
		if selfIP == "" {
			selfIP = os.Getenv("FLEETCTL_SELF_IP")
		}
		if selfIP == "" {
			return fmt.Errorf("daemon: --self-ip or FLEETCTL_SELF_IP is required for leader election")
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		rings := metrics.NewRings()
		h := a.newHealer(selfIP)
		autoscaler := a.newAutoscaleCoordinator(rings)
		collector := a.newMetricsCollector(rings)
		prober := a.newHealthProber()
		janitor := lock.NewJanitor(a.lock, []string{"promote"}, lockSweepInterval)
		alertSub := newAlertSubscriber()

		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", a.healthReg.HealthHandler())
		mux.HandleFunc("/ready", a.healthReg.ReadyHandler())
		mux.HandleFunc("/live", a.healthReg.LivenessHandler())
		metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}

		h.Start(ctx)
		autoscaler.Start(ctx)
		collector.Start(ctx)
		prober.Start(ctx)
		janitor.Start(ctx)

		var g errgroup.Group
		if alertSub != nil {
			sub := a.broker.Subscribe()
			g.Go(func() error { alertSub.Run(ctx, sub); return nil })
		}
		g.Go(func() error { return a.gateway.Start(ctx) })
		g.Go(func() error {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})

		fmt.Printf("fleetctl daemon running, metrics/health on %s. Press Ctrl-C to stop.\n", metricsAddr)
		return g.Wait()
	},
}

func init() {
	daemonCmd.Flags().String("self-ip", "", "This process's own public IP, used for Healer leader election")
	daemonCmd.Flags().String("metrics-addr", ":9090", "Listen address for /metrics, /health, /ready and /live")
}
