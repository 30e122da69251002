package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fleetctl/deployctl/pkg/types"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Roll a service back to a previous (or specified) version",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		env, _ := cmd.Flags().GetString("env")
		service, _ := cmd.Flags().GetString("service")
		user, _ := cmd.Flags().GetString("user")
		version, _ := cmd.Flags().GetString("version")

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		desc, err := loadServiceDesc(descriptorPath(a.descriptorsRoot, project, env, service))
		if err != nil {
			return err
		}

		if version == "" {
			key := types.ServiceKey{User: user, Project: project, Env: env, Service: service}
			history, err := a.stateIndex.History(ctx, key)
			if err != nil {
				return fmt.Errorf("rollback: load history: %w", err)
			}
			if len(history) < 2 {
				return fmt.Errorf("rollback: no prior version recorded for %s", key.String())
			}
			version = history[1].Version
		}

		outcome, err := a.deployer.Rollback(ctx, desc, version, user)
		if err != nil {
			return fmt.Errorf("rollback %s: %w", desc.Key.String(), err)
		}
		printOutcome(desc.Key.String(), outcome)
		return nil
	},
}

func init() {
	rollbackCmd.Flags().String("project", "", "Project name (required)")
	rollbackCmd.Flags().String("env", "", "Environment name (required)")
	rollbackCmd.Flags().String("service", "", "Service name (required)")
	rollbackCmd.Flags().String("user", "", "Acting user, recorded as the deployment actor")
	rollbackCmd.Flags().String("version", "", "Version to roll back to; defaults to the previous recorded version")
	rollbackCmd.MarkFlagRequired("project")
	rollbackCmd.MarkFlagRequired("env")
	rollbackCmd.MarkFlagRequired("service")
}
