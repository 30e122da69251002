package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fleetctl/deployctl/pkg/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current deployment status of every known service",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, _ := cmd.Flags().GetString("env")

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		descs := loadAllDescs(a.descriptorsRoot)
		if len(descs) == 0 {
			fmt.Println("no service descriptors found under", a.descriptorsRoot)
			return nil
		}

		fmt.Printf("%-40s %-10s %-10s %s\n", "SERVICE", "STATUS", "VERSION", "NODES")
		for _, desc := range descs {
			if env != "" && desc.Key.Env != env {
				continue
			}
			printServiceStatus(ctx, a, desc.Key)
		}
		return nil
	},
}

func printServiceStatus(ctx context.Context, a *app, key types.ServiceKey) {
	rec, err := a.stateIndex.Current(ctx, key)
	if err != nil {
		fmt.Printf("%-40s %-10s error: %v\n", key.String(), "unknown", err)
		return
	}
	if rec == nil {
		fmt.Printf("%-40s %-10s %-10s %s\n", key.String(), "undeployed", "-", "-")
		return
	}
	fmt.Printf("%-40s %-10s %-10s %v\n", key.String(), "deployed", rec.Version, rec.NodeIPs)
}

func init() {
	statusCmd.Flags().String("env", "", "Restrict to a single environment")
}
