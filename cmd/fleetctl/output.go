package main

import (
	"fmt"

	"github.com/fleetctl/deployctl/pkg/types"
)

func printOutcome(key string, outcome *types.DeployOutcome) {
	if outcome == nil {
		fmt.Printf("%-40s no outcome recorded\n", key)
		return
	}
	fmt.Printf("%-40s %-8s deployed=%v failed=%v\n", key, outcome.Status, outcome.DeployedNodes, outcome.FailedNodes)
	if outcome.Error != "" {
		fmt.Printf("%-40s error: %s\n", key, outcome.Error)
	}
}
