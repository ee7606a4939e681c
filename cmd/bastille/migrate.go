package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bastille-sh/bastille/pkg/engine"
	"github.com/bastille-sh/bastille/pkg/migrate"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Move a stateful role's volume data to this host",
	Long: `Run a volume migration with this machine as the destination.

The destination must already have a successful reconciliation pass
covering the role (run 'bastille reconcile' here first). The source
engine is reached through its containerd socket, e.g. forwarded over
SSH. On any failure the source service stays stopped and nothing is
started here; retrying or restarting the source is an explicit
operator action.

Example:
  bastille migrate --role db --volume db-data \
    --source-host db-host-1 --dest-host db-host-2 \
    --source-socket /run/bastille/db-host-1-containerd.sock \
    --source-volume-root /mnt/db-host-1/engine`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().String("role", "", "Role whose volume moves (required)")
	migrateCmd.Flags().String("volume", "", "Named volume to move (required)")
	migrateCmd.Flags().String("source-host", "", "Source host ID (required)")
	migrateCmd.Flags().String("dest-host", "", "Destination host ID, this machine (required)")
	migrateCmd.Flags().String("source-socket", "", "containerd socket of the source engine (required)")
	migrateCmd.Flags().String("source-volume-root", "", "locally visible path of the source engine volume root (required)")
	migrateCmd.Flags().String("containerd-socket", defaultContainerdSocket, "Path to the local containerd socket")
	migrateCmd.Flags().String("staging-dir", "/var/lib/bastille/state/staging", "Directory archives are staged through")
	for _, flag := range []string{"role", "volume", "source-host", "dest-host", "source-socket", "source-volume-root"} {
		_ = migrateCmd.MarkFlagRequired(flag)
	}

	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	role, _ := cmd.Flags().GetString("role")
	volume, _ := cmd.Flags().GetString("volume")
	sourceHost, _ := cmd.Flags().GetString("source-host")
	destHost, _ := cmd.Flags().GetString("dest-host")
	sourceSocket, _ := cmd.Flags().GetString("source-socket")
	sourceVolumeRoot, _ := cmd.Flags().GetString("source-volume-root")
	stagingDir, _ := cmd.Flags().GetString("staging-dir")

	d, err := buildDeps(cmd)
	if err != nil {
		return err
	}
	defer d.close()

	sourceEngine, err := engine.NewContainerdEngine(sourceSocket, sourceVolumeRoot)
	if err != nil {
		return fmt.Errorf("failed to connect to source containerd: %v", err)
	}

	orch := migrate.New(migrate.Config{
		SourceEngine: sourceEngine,
		DestEngine:   d.eng,
		Store:        d.store,
		Transport:    &migrate.LocalTransport{StagingDir: stagingDir},
		TriggerPass: func(ctx context.Context, hostID string) error {
			_, err := d.rec.Reconcile(ctx, hostID)
			return err
		},
	})

	fmt.Printf("Migrating volume '%s' of role '%s': %s -> %s\n", volume, role, sourceHost, destHost)

	record, err := orch.Migrate(context.Background(), migrate.Request{
		Role:       role,
		Volume:     volume,
		SourceHost: sourceHost,
		DestHost:   destHost,
	})
	if err != nil {
		if record != nil {
			fmt.Printf("✗ Migration %s failed: %v\n", record.ID, err)
			fmt.Println("  Source service is stopped; retry or restart it explicitly.")
		}
		return err
	}

	fmt.Printf("✓ Migration %s complete\n", record.ID)
	return nil
}
