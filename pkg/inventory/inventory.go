package inventory

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bastille-sh/bastille/pkg/types"
)

// Inventory is the declarative description of desired state for the
// fleet: which hosts exist and which roles run on them. It is the
// single writer of desired state; everything downstream treats it as
// read-only.
type Inventory struct {
	Hosts []*types.Host          `yaml:"hosts"`
	Roles map[string]*types.Role `yaml:"roles"`

	hostIndex map[string]*types.Host
}

// Load parses an inventory from YAML bytes and validates it.
func Load(data []byte) (*Inventory, error) {
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}

	// Role names live in the map key; copy them onto the structs so
	// downstream code never needs the map context.
	for name, role := range inv.Roles {
		if role == nil {
			return nil, fmt.Errorf("role %q has no definition", name)
		}
		role.Name = name
	}

	inv.hostIndex = make(map[string]*types.Host, len(inv.Hosts))
	for _, host := range inv.Hosts {
		if _, dup := inv.hostIndex[host.ID]; dup {
			return nil, fmt.Errorf("duplicate host id %q", host.ID)
		}
		inv.hostIndex[host.ID] = host
	}

	if err := inv.validate(); err != nil {
		return nil, err
	}

	return &inv, nil
}

// LoadFile reads and parses an inventory YAML file.
func LoadFile(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory file: %w", err)
	}
	return Load(data)
}

// Host returns the host with the given ID.
func (inv *Inventory) Host(id string) (*types.Host, error) {
	host, ok := inv.hostIndex[id]
	if !ok {
		return nil, fmt.Errorf("host not found: %s", id)
	}
	return host, nil
}

// RolesFor returns the roles assigned to a host, sorted by name so
// passes process them in a stable order.
func (inv *Inventory) RolesFor(host *types.Host) ([]*types.Role, error) {
	roles := make([]*types.Role, 0, len(host.Roles))
	for _, name := range host.Roles {
		role, ok := inv.Roles[name]
		if !ok {
			return nil, fmt.Errorf("host %s references unknown role %q", host.ID, name)
		}
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
	return roles, nil
}

// pathSegment reports whether a name is safe to join onto a managed
// root: non-empty, no separators, not a dot component. Host IDs, role
// names, volume names, and secret names all become path segments under
// the platform tree, so a traversal name here would escape it.
func pathSegment(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

// validate checks structural invariants that do not depend on host
// state. Policy validation (bind-mount allow list, range conflicts)
// belongs to the enforcer packages.
func (inv *Inventory) validate() error {
	for _, host := range inv.Hosts {
		if !pathSegment(host.ID) {
			return fmt.Errorf("host id %q must be a single path segment", host.ID)
		}
		seenRoles := make(map[string]bool)
		for _, name := range host.Roles {
			if _, ok := inv.Roles[name]; !ok {
				return fmt.Errorf("host %s references unknown role %q", host.ID, name)
			}
			if seenRoles[name] {
				return fmt.Errorf("host %s references role %q twice", host.ID, name)
			}
			seenRoles[name] = true
		}
	}

	for name, role := range inv.Roles {
		if !pathSegment(name) {
			return fmt.Errorf("role name %q must be a single path segment", name)
		}
		if role.Image == "" {
			return fmt.Errorf("role %s: image is required", name)
		}
		if role.ContainerUID < 0 || role.ContainerGID < 0 {
			return fmt.Errorf("role %s: container identity must be non-negative", name)
		}

		seenVolumes := make(map[string]bool)
		for _, vol := range role.Volumes {
			if !pathSegment(vol.Name) {
				return fmt.Errorf("role %s: volume name %q must be a single path segment", name, vol.Name)
			}
			if seenVolumes[vol.Name] {
				return fmt.Errorf("role %s: duplicate volume %q", name, vol.Name)
			}
			seenVolumes[vol.Name] = true
			if vol.MountPath == "" {
				return fmt.Errorf("role %s: volume %s: mountPath is required", name, vol.Name)
			}

			switch vol.EffectiveScope() {
			case types.VolumeScopeNamed:
				if vol.HostPath != "" {
					return fmt.Errorf("role %s: volume %s: named volumes must not declare a host path", name, vol.Name)
				}
			case types.VolumeScopeLogShare, types.VolumeScopeSocketPassthrough:
				if vol.HostPath == "" {
					return fmt.Errorf("role %s: volume %s: %s requires a host path", name, vol.Name, vol.EffectiveScope())
				}
				if vol.Reason == "" {
					return fmt.Errorf("role %s: volume %s: bind-mount exception requires a recorded reason", name, vol.Name)
				}
			default:
				return fmt.Errorf("role %s: volume %s: unknown scope %q", name, vol.Name, vol.Scope)
			}
		}

		seenSecrets := make(map[string]bool)
		for _, sec := range role.Secrets {
			if !pathSegment(sec.Name) {
				return fmt.Errorf("role %s: secret name %q must be a single path segment", name, sec.Name)
			}
			if seenSecrets[sec.Name] {
				return fmt.Errorf("role %s: duplicate secret %q", name, sec.Name)
			}
			seenSecrets[sec.Name] = true

			switch sec.EffectiveType() {
			case types.SecretTypeOpaque, types.SecretTypePassword:
			default:
				return fmt.Errorf("role %s: secret %s: unknown type %q", name, sec.Name, sec.Type)
			}
		}
	}

	return nil
}
