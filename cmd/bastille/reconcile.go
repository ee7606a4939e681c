package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile [HOST...]",
	Short: "Run a reconciliation pass against one or more hosts",
	Long: `Run a full convergence pass: validate, then apply identity,
filesystem, secret, and service changes in dependency order.

With no arguments, every host in the inventory is reconciled; hosts
run in parallel and one host's failure never blocks another.

Examples:
  # Reconcile the whole fleet
  bastille reconcile

  # Reconcile two specific hosts
  bastille reconcile db-host-1 db-host-2

  # Reconcile every host labeled tier=storage
  bastille reconcile --selector tier=storage

  # Reconcile every host that runs the db role
  bastille reconcile --role db`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPasses(cmd, args, false)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate [HOST...]",
	Short: "Run a validation-only (dry-run) pass",
	Long: `Compute and print the change set for each host without applying
anything. Exits non-zero if any host fails validation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPasses(cmd, args, true)
	},
}

func runPasses(cmd *cobra.Command, args []string, dryRun bool) error {
	selector, _ := cmd.Flags().GetString("selector")
	roleName, _ := cmd.Flags().GetString("role")

	d, err := buildDeps(cmd)
	if err != nil {
		return err
	}
	defer d.close()

	hostIDs, err := selectHosts(d.inv, args, selector, roleName)
	if err != nil {
		return err
	}

	results := d.rec.ReconcileAll(context.Background(), hostIDs, dryRun)

	failures := 0
	for _, hostID := range hostIDs {
		hr := results[hostID]
		printResult(hostID, hr.Result, hr.Err)
		if hr.Err != nil {
			failures++
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d hosts failed", failures, len(hostIDs))
	}
	return nil
}

func init() {
	for _, cmd := range []*cobra.Command{reconcileCmd, validateCmd} {
		cmd.Flags().String("selector", "", "Label selector (key=value) for host scoping")
		cmd.Flags().String("role", "", "Limit the pass to hosts carrying the named role")
		cmd.Flags().String("containerd-socket", defaultContainerdSocket, "Path to the containerd socket")
		rootCmd.AddCommand(cmd)
	}
}
