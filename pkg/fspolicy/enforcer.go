package fspolicy

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/bastille-sh/bastille/pkg/identity"
	"github.com/bastille-sh/bastille/pkg/log"
	"github.com/bastille-sh/bastille/pkg/types"
)

// Subtree modes for the managed root. The engine subtree shuts out all
// non-engine access; the secrets subtree is administrative-only; the
// logs subtree stays group-readable for the log-share exception.
const (
	rootMode     fs.FileMode = 0755
	engineMode   fs.FileMode = 0710
	servicesMode fs.FileMode = 0750
	secretsMode  fs.FileMode = 0700
	logsMode     fs.FileMode = 0755
	roleDirMode  fs.FileMode = 0750
)

// Owner is a path's numeric owner pair as observed on the host.
type Owner struct {
	UID int
	GID int
}

// Enforcer maintains the managed directory tree and classifies volume
// declarations against the bind-mount policy. All mutations are
// non-recursive: the enforcer never descends into engine-managed
// storage, where recursive chown could corrupt engine bookkeeping.
type Enforcer struct {
	root    string
	mapping identity.Mapping
	ownerOf func(path string) (Owner, error)
	chown   func(path string, uid, gid int) error
	logger  zerolog.Logger
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithRoot overrides the managed root (tests point it at a temp dir).
func WithRoot(root string) Option {
	return func(e *Enforcer) { e.root = root }
}

// WithOwnerLookup overrides how path ownership is observed.
func WithOwnerLookup(ownerOf func(string) (Owner, error)) Option {
	return func(e *Enforcer) { e.ownerOf = ownerOf }
}

// WithChown overrides how ownership is applied.
func WithChown(chown func(string, int, int) error) Option {
	return func(e *Enforcer) { e.chown = chown }
}

// NewEnforcer creates an enforcer for the given identity mapping.
func NewEnforcer(mapping identity.Mapping, opts ...Option) *Enforcer {
	e := &Enforcer{
		root:    types.ManagedRoot,
		mapping: mapping,
		ownerOf: statOwner,
		chown:   os.Chown,
		logger:  log.WithComponent("fspolicy"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func statOwner(path string) (Owner, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Owner{}, err
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return Owner{}, fmt.Errorf("no ownership information for %s", path)
	}
	return Owner{UID: int(st.Uid), GID: int(st.Gid)}, nil
}

// Root returns the managed root path.
func (e *Enforcer) Root() string {
	return e.root
}

// EnginePath returns the engine-managed storage root.
func (e *Enforcer) EnginePath() string {
	return filepath.Join(e.root, types.EngineSubtree)
}

// SecretsPath returns the secrets subtree.
func (e *Enforcer) SecretsPath() string {
	return filepath.Join(e.root, types.SecretsSubtree)
}

// LogsPath returns the log-share subtree.
func (e *Enforcer) LogsPath() string {
	return filepath.Join(e.root, types.LogsSubtree)
}

// PolicyFor returns the full ownership matrix for a host running the
// given roles: the fixed platform tree owned by root, plus per-role
// private directories owned by the remapped identity.
func (e *Enforcer) PolicyFor(roles []*types.Role) []types.DirectoryPolicyEntry {
	entries := []types.DirectoryPolicyEntry{
		{Path: e.root, UID: 0, GID: 0, Mode: rootMode},
		{Path: e.EnginePath(), UID: 0, GID: 0, Mode: engineMode},
		{Path: filepath.Join(e.root, types.ServicesSubtree), UID: 0, GID: 0, Mode: servicesMode},
		{Path: e.SecretsPath(), UID: 0, GID: 0, Mode: secretsMode},
		{Path: e.LogsPath(), UID: 0, GID: 0, Mode: logsMode},
	}

	for _, role := range roles {
		remapUID := e.mapping.Remap(role.EffectiveUID())
		remapGID := e.mapping.Remap(role.EffectiveGID())
		entries = append(entries,
			types.DirectoryPolicyEntry{
				Path: filepath.Join(e.root, types.ServicesSubtree, role.Name),
				UID:  0, GID: 0, Mode: servicesMode,
			},
			types.DirectoryPolicyEntry{
				Path: filepath.Join(e.LogsPath(), role.Name),
				UID:  remapUID, GID: remapGID, Mode: roleDirMode,
			},
		)
	}
	return entries
}

// ValidateRoles classifies every volume declaration of every role and
// returns a *PolicyViolationError for the first declaration outside
// the allow list. Nothing is mutated.
func (e *Enforcer) ValidateRoles(hostID string, roles []*types.Role) error {
	for _, role := range roles {
		if err := e.mapping.CheckContains(role.EffectiveUID()); err != nil {
			return fmt.Errorf("host %s: role %s: %w", hostID, role.Name, err)
		}
		for _, vol := range role.Volumes {
			if err := e.classify(hostID, role.Name, vol); err != nil {
				return err
			}
		}
	}
	return nil
}

// classify checks a single volume declaration against the closed
// exception set.
func (e *Enforcer) classify(hostID, roleName string, vol *types.VolumeDecl) error {
	switch vol.EffectiveScope() {
	case types.VolumeScopeNamed:
		// The engine owns named storage; no host path may appear.
		if vol.HostPath != "" {
			return &PolicyViolationError{
				Host: hostID, Role: roleName, Volume: vol.Name,
				Reason: "named volumes must not resolve to a host path",
			}
		}
		return nil

	case types.VolumeScopeLogShare:
		if !pathWithin(vol.HostPath, e.LogsPath()) {
			return &PolicyViolationError{
				Host: hostID, Role: roleName, Volume: vol.Name,
				Reason: fmt.Sprintf("log share must bind %s, not %s", e.LogsPath(), vol.HostPath),
			}
		}
		if vol.ReadWrite {
			return &PolicyViolationError{
				Host: hostID, Role: roleName, Volume: vol.Name,
				Reason: "log share is read-only",
			}
		}
		return nil

	case types.VolumeScopeSocketPassthrough:
		if pathWithin(vol.HostPath, e.root) {
			return &PolicyViolationError{
				Host: hostID, Role: roleName, Volume: vol.Name,
				Reason: "socket passthrough must not reach into the managed root",
			}
		}
		if !strings.HasSuffix(vol.HostPath, ".sock") && !pathWithin(vol.HostPath, "/run") {
			return &PolicyViolationError{
				Host: hostID, Role: roleName, Volume: vol.Name,
				Reason: fmt.Sprintf("%s is not a control socket path", vol.HostPath),
			}
		}
		return nil

	default:
		return &PolicyViolationError{
			Host: hostID, Role: roleName, Volume: vol.Name,
			Reason: fmt.Sprintf("unknown volume scope %q", vol.Scope),
		}
	}
}

func pathWithin(path, parent string) bool {
	rel, err := filepath.Rel(parent, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Plan computes the directory changes needed to converge the host
// without applying them. Ownership drift on an existing path is an
// error, not a change: it is surfaced via *OwnershipDriftError.
func (e *Enforcer) Plan(hostID string, roles []*types.Role) ([]types.Change, error) {
	if err := e.ValidateRoles(hostID, roles); err != nil {
		return nil, err
	}

	var changes []types.Change
	for _, entry := range e.PolicyFor(roles) {
		info, err := os.Stat(entry.Path)
		if os.IsNotExist(err) {
			changes = append(changes, types.Change{
				Step:   types.StepFilesystem,
				Action: "create",
				Target: entry.Path,
				Detail: fmt.Sprintf("%d:%d mode %04o", entry.UID, entry.GID, entry.Mode),
			})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("host %s: failed to stat %s: %w", hostID, entry.Path, err)
		}

		owner, err := e.ownerOf(entry.Path)
		if err != nil {
			return nil, fmt.Errorf("host %s: failed to read ownership of %s: %w", hostID, entry.Path, err)
		}
		if owner.UID != entry.UID || owner.GID != entry.GID {
			return nil, &OwnershipDriftError{
				Host: hostID, Path: entry.Path,
				ObservedUID: owner.UID, ObservedGID: owner.GID,
				WantUID: entry.UID, WantGID: entry.GID,
			}
		}

		if info.Mode().Perm() != entry.Mode {
			changes = append(changes, types.Change{
				Step:   types.StepFilesystem,
				Action: "chmod",
				Target: entry.Path,
				Detail: fmt.Sprintf("%04o -> %04o", info.Mode().Perm(), entry.Mode),
			})
		}
	}
	return changes, nil
}

// Apply converges the directory tree: creates missing paths with the
// declared owner/group/mode and corrects permission bits. Idempotent,
// non-recursive, and refuses to proceed past ownership drift.
func (e *Enforcer) Apply(hostID string, roles []*types.Role) ([]types.Change, error) {
	changes, err := e.Plan(hostID, roles)
	if err != nil {
		return nil, err
	}

	policy := make(map[string]types.DirectoryPolicyEntry)
	for _, entry := range e.PolicyFor(roles) {
		policy[entry.Path] = entry
	}

	// On failure the applied prefix is returned so the pass result
	// reports what actually changed.
	for i, change := range changes {
		entry := policy[change.Target]
		switch change.Action {
		case "create":
			// Parents are created with the entry's mode and fixed up
			// by their own policy entries; PolicyFor lists parents
			// before children.
			if err := os.MkdirAll(entry.Path, entry.Mode); err != nil {
				return changes[:i], fmt.Errorf("host %s: failed to create %s: %w", hostID, entry.Path, err)
			}
			// MkdirAll honors umask; force the declared mode.
			if err := os.Chmod(entry.Path, entry.Mode); err != nil {
				return changes[:i], fmt.Errorf("host %s: failed to chmod %s: %w", hostID, entry.Path, err)
			}
			if err := e.chown(entry.Path, entry.UID, entry.GID); err != nil {
				return changes[:i], fmt.Errorf("host %s: failed to chown %s: %w", hostID, entry.Path, err)
			}
			e.logger.Info().Str("host", hostID).Str("path", entry.Path).
				Int("uid", entry.UID).Int("gid", entry.GID).Msg("created managed directory")
		case "chmod":
			if err := os.Chmod(entry.Path, entry.Mode); err != nil {
				return changes[:i], fmt.Errorf("host %s: failed to chmod %s: %w", hostID, entry.Path, err)
			}
			e.logger.Info().Str("host", hostID).Str("path", entry.Path).Msg("corrected directory mode")
		}
	}
	return changes, nil
}
