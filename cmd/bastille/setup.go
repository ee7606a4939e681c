package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bastille-sh/bastille/pkg/engine"
	"github.com/bastille-sh/bastille/pkg/fspolicy"
	"github.com/bastille-sh/bastille/pkg/identity"
	"github.com/bastille-sh/bastille/pkg/inventory"
	"github.com/bastille-sh/bastille/pkg/reconciler"
	"github.com/bastille-sh/bastille/pkg/secret"
	"github.com/bastille-sh/bastille/pkg/state"
	"github.com/bastille-sh/bastille/pkg/types"
)

const defaultContainerdSocket = "/run/containerd/containerd.sock"

// deps is everything a command needs to run passes on this machine.
type deps struct {
	inv   *inventory.Inventory
	store *state.Store
	eng   engine.Engine
	rec   *reconciler.Reconciler
}

func (d *deps) close() {
	if d.store != nil {
		d.store.Close()
	}
}

func buildDeps(cmd *cobra.Command) (*deps, error) {
	invPath, _ := cmd.Flags().GetString("inventory")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	socket, _ := cmd.Flags().GetString("containerd-socket")
	if socket == "" {
		socket = defaultContainerdSocket
	}

	inv, err := inventory.LoadFile(invPath)
	if err != nil {
		return nil, err
	}

	store, err := state.NewStore(dataDir)
	if err != nil {
		return nil, err
	}

	alloc := identity.NewAllocator()
	enforcer := fspolicy.NewEnforcer(alloc.Mapping())
	secrets := secret.NewManager(enforcer.SecretsPath())

	eng, err := engine.NewContainerdEngine(socket, enforcer.EnginePath())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to connect to containerd: %v", err)
	}

	rec := reconciler.New(reconciler.Config{
		Inventory: inv,
		Store:     store,
		Engine:    eng,
		Allocator: alloc,
		Enforcer:  enforcer,
		Secrets:   secrets,
	})

	return &deps{inv: inv, store: store, eng: eng, rec: rec}, nil
}

// selectHosts resolves the host scope: explicit IDs from args, an
// optional label selector and role filter, or the whole fleet.
func selectHosts(inv *inventory.Inventory, args []string, selector, roleName string) ([]string, error) {
	if len(args) > 0 {
		for _, id := range args {
			if _, err := inv.Host(id); err != nil {
				return nil, err
			}
		}
		return args, nil
	}

	var wantKey, wantValue string
	if selector != "" {
		parts := strings.SplitN(selector, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("label selector must be key=value, got %q", selector)
		}
		wantKey, wantValue = parts[0], parts[1]
	}
	if roleName != "" {
		if _, ok := inv.Roles[roleName]; !ok {
			return nil, fmt.Errorf("role %q not defined in inventory", roleName)
		}
	}

	var ids []string
	for _, host := range inv.Hosts {
		if selector != "" && host.Labels[wantKey] != wantValue {
			continue
		}
		if roleName != "" && !hostHasRole(host, roleName) {
			continue
		}
		ids = append(ids, host.ID)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no hosts matched")
	}
	return ids, nil
}

func hostHasRole(host *types.Host, roleName string) bool {
	for _, name := range host.Roles {
		if name == roleName {
			return true
		}
	}
	return false
}

func printResult(hostID string, res *reconciler.Result, err error) {
	if res == nil {
		fmt.Printf("✗ %s: %v\n", hostID, err)
		return
	}

	verb := "applied"
	if res.DryRun {
		verb = "planned"
	}

	if err != nil {
		if res.FailedStep != "" {
			fmt.Printf("✗ %s: failed at %s step: %v\n", hostID, res.FailedStep, err)
		} else {
			fmt.Printf("✗ %s: %v\n", hostID, err)
		}
	} else if len(res.Changes) == 0 {
		fmt.Printf("✓ %s: converged, no changes %s\n", hostID, verb)
	} else {
		fmt.Printf("✓ %s: %d changes %s\n", hostID, len(res.Changes), verb)
	}

	for _, change := range res.Changes {
		fmt.Printf("    %s\n", change)
	}
	for _, warning := range res.Warnings {
		fmt.Printf("    warning: %s\n", warning)
	}
}

// remapNote renders the derived identity for a role, for inspection
// output.
func remapNote(role *types.Role) string {
	mapping := identity.PlatformMapping()
	return fmt.Sprintf("uid %d -> host %d", role.EffectiveUID(), mapping.Remap(role.EffectiveUID()))
}
