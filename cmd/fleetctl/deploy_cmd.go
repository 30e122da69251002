package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fleetctl/deployctl/pkg/deploy"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy a service, or every service in a project/env",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		env, _ := cmd.Flags().GetString("env")
		service, _ := cmd.Flags().GetString("service")
		user, _ := cmd.Flags().GetString("user")
		version, _ := cmd.Flags().GetString("version")
		noBuild, _ := cmd.Flags().GetBool("no-build")

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		opts := deploy.DeployOptions{Version: version, Build: !noBuild, Actor: user}

		if service != "" {
			desc, err := loadServiceDesc(descriptorPath(a.descriptorsRoot, project, env, service))
			if err != nil {
				return err
			}
			outcome, err := a.deployer.Deploy(ctx, desc, opts)
			if err != nil {
				return fmt.Errorf("deploy %s: %w", desc.Key.String(), err)
			}
			printOutcome(desc.Key.String(), outcome)
			return nil
		}

		descs, err := loadProjectDescs(a.descriptorsRoot, project, env)
		if err != nil {
			return err
		}
		outcomes, err := a.deployer.DeployProject(ctx, descs, opts)
		for key, outcome := range outcomes {
			printOutcome(key, outcome)
		}
		return err
	},
}

func init() {
	deployCmd.Flags().String("project", "", "Project name (required)")
	deployCmd.Flags().String("env", "", "Environment name (required)")
	deployCmd.Flags().String("service", "", "Service name; deploys the whole project/env if omitted")
	deployCmd.Flags().String("user", "", "Acting user, recorded as the deployment actor")
	deployCmd.Flags().String("version", "", "Version to deploy")
	deployCmd.Flags().Bool("no-build", false, "Skip the build step and deploy an existing image")
	deployCmd.MarkFlagRequired("project")
	deployCmd.MarkFlagRequired("env")
}
