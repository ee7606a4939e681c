package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bastille-sh/bastille/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bastille",
	Short: "Bastille - host-level container isolation, reconciled",
	Long: `Bastille converges container hosts onto a strict isolation posture:
remapped user namespaces, a mandatory named-volume policy, and a fixed
non-root service identity.

Each run is a point-in-time convergence pass: it diffs the declared
inventory against the host and applies the minimal set of changes.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := log.InfoLevel
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			level = log.DebugLevel
		}
		jsonOut, _ := cmd.Flags().GetBool("log-json")
		log.Init(log.Config{Level: level, JSONOutput: jsonOut})
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Bastille version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("inventory", "i", "inventory.yaml", "Inventory YAML file")
	rootCmd.PersistentFlags().String("data-dir", "/var/lib/bastille/state", "Directory for the observed-state store")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit JSON logs")
}
