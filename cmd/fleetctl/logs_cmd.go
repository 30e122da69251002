package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fleetctl/deployctl/pkg/naming"
	"github.com/fleetctl/deployctl/pkg/types"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print recent logs from every node currently running a service",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		env, _ := cmd.Flags().GetString("env")
		service, _ := cmd.Flags().GetString("service")
		user, _ := cmd.Flags().GetString("user")
		lines, _ := cmd.Flags().GetInt("lines")

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		key := types.ServiceKey{User: user, Project: project, Env: env, Service: service}
		rec, err := a.stateIndex.Current(ctx, key)
		if err != nil {
			return fmt.Errorf("logs: load current deployment: %w", err)
		}
		if rec == nil {
			return fmt.Errorf("logs: %s is not currently deployed", key.String())
		}

		containerName := naming.ContainerName(key, false)
		for _, nodeIP := range rec.NodeIPs {
			fmt.Printf("==> %s (%s) <==\n", nodeIP, containerName)
			output, err := a.agent.ContainerLogs(ctx, nodeIP, containerName, lines)
			if err != nil {
				fmt.Printf("error fetching logs from %s: %v\n", nodeIP, err)
				continue
			}
			fmt.Println(output)
		}
		return nil
	},
}

func init() {
	logsCmd.Flags().String("project", "", "Project name")
	logsCmd.Flags().String("env", "", "Environment name (required)")
	logsCmd.Flags().String("service", "", "Service name (required)")
	logsCmd.Flags().String("user", "", "Owning user")
	logsCmd.Flags().Int("lines", 200, "Number of trailing log lines to fetch")
	logsCmd.MarkFlagRequired("env")
	logsCmd.MarkFlagRequired("service")
}
