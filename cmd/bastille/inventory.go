package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bastille-sh/bastille/pkg/inventory"
)

var inventoryCmd = &cobra.Command{
	Use:   "inventory",
	Short: "Inspect the inventory",
}

var inventoryCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Parse and validate the inventory file",
	RunE: func(cmd *cobra.Command, args []string) error {
		invPath, _ := cmd.Flags().GetString("inventory")
		inv, err := inventory.LoadFile(invPath)
		if err != nil {
			return err
		}
		fmt.Printf("✓ %s: %d hosts, %d roles\n", invPath, len(inv.Hosts), len(inv.Roles))
		return nil
	},
}

var inventoryHostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "List hosts and their assigned roles",
	RunE: func(cmd *cobra.Command, args []string) error {
		invPath, _ := cmd.Flags().GetString("inventory")
		inv, err := inventory.LoadFile(invPath)
		if err != nil {
			return err
		}
		for _, host := range inv.Hosts {
			fmt.Printf("%s  %s  [%s]\n", host.ID, host.Address, strings.Join(host.Roles, ", "))
		}
		return nil
	},
}

var inventoryRolesCmd = &cobra.Command{
	Use:   "roles",
	Short: "List roles with their derived host identities",
	RunE: func(cmd *cobra.Command, args []string) error {
		invPath, _ := cmd.Flags().GetString("inventory")
		inv, err := inventory.LoadFile(invPath)
		if err != nil {
			return err
		}

		names := make([]string, 0, len(inv.Roles))
		for name := range inv.Roles {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			role := inv.Roles[name]
			fmt.Printf("%s  %s  (%s)\n", name, role.Image, remapNote(role))
		}
		return nil
	},
}

func init() {
	inventoryCmd.AddCommand(inventoryCheckCmd)
	inventoryCmd.AddCommand(inventoryHostsCmd)
	inventoryCmd.AddCommand(inventoryRolesCmd)
	rootCmd.AddCommand(inventoryCmd)
}
