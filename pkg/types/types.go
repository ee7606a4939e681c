package types

import (
	"fmt"
	"io/fs"
	"time"
)

// Platform-wide identity and layout constants. These are deliberately
// compile-time constants: changing the subordinate range start on an
// existing fleet would orphan file ownership on every host.
const (
	// RemapAccount is the host account that owns the subordinate
	// UID/GID range. Exactly one remap account exists per host.
	RemapAccount = "bastille-remap"

	// SubordinateRangeStart is the first host UID/GID reserved for
	// container identity remapping.
	SubordinateRangeStart = 1314000

	// SubordinateRangeSize is the number of IDs in the remap range.
	SubordinateRangeSize = 65536

	// StandardContainerUID is the platform-wide container-internal
	// identity services run as unless a role overrides it.
	StandardContainerUID = 1337
)

// Managed filesystem layout. The platform root and its immediate
// children are owned by root; service-private directories below them
// are owned by the remapped identity.
const (
	// ManagedRoot is the platform-managed storage root on every host.
	ManagedRoot = "/var/lib/bastille"

	// EngineSubtree holds engine-managed named volumes. No component
	// other than the container engine may write below it.
	EngineSubtree = "engine"

	// ServicesSubtree holds generated service definitions.
	ServicesSubtree = "services"

	// SecretsSubtree holds secret files, administrative access only.
	SecretsSubtree = "secrets"

	// LogsSubtree is the sanctioned read-only log-share location.
	LogsSubtree = "logs"
)

// Host is a registered fleet member. Hosts are registered once and
// updated on every reconciliation pass; removal is an explicit
// operator action, never implicit.
type Host struct {
	ID      string            `yaml:"id"`
	Address string            `yaml:"address"`
	Roles   []string          `yaml:"roles"`
	Labels  map[string]string `yaml:"labels,omitempty"`
}

// Role is a service definition: what runs, as whom, with which
// storage and secrets. Immutable for the duration of one
// reconciliation pass; the inventory is its single writer.
type Role struct {
	Name         string            `yaml:"name"`
	Image        string            `yaml:"image"`
	ContainerUID int               `yaml:"containerUid,omitempty"` // 0 means StandardContainerUID
	ContainerGID int               `yaml:"containerGid,omitempty"` // 0 means StandardContainerUID
	Env          []string          `yaml:"env,omitempty"`
	Networks     []string          `yaml:"networks,omitempty"`
	Volumes      []*VolumeDecl     `yaml:"volumes,omitempty"`
	Secrets      []*SecretDecl     `yaml:"secrets,omitempty"`
	Labels       map[string]string `yaml:"labels,omitempty"`
}

// EffectiveUID returns the container-internal UID the role runs as.
func (r *Role) EffectiveUID() int {
	if r.ContainerUID > 0 {
		return r.ContainerUID
	}
	return StandardContainerUID
}

// EffectiveGID returns the container-internal GID the role runs as.
func (r *Role) EffectiveGID() int {
	if r.ContainerGID > 0 {
		return r.ContainerGID
	}
	return StandardContainerUID
}

// VolumeScope classifies a volume declaration. The exception scopes
// form a closed set: adding a new kind of bind mount requires a code
// change here, not a flag in an inventory file.
type VolumeScope string

const (
	// VolumeScopeNamed is engine-managed named storage, the default
	// and only scope permitted for persistent application state.
	VolumeScopeNamed VolumeScope = "named"

	// VolumeScopeLogShare is the sanctioned read-only bind mount of
	// the host logs subtree.
	VolumeScopeLogShare VolumeScope = "log-share"

	// VolumeScopeSocketPassthrough is an administrator-flagged bind
	// mount of a control socket.
	VolumeScopeSocketPassthrough VolumeScope = "socket-passthrough"
)

// VolumeDecl declares storage for a role. Named volumes carry no host
// path: the engine owns their location. Exception scopes carry an
// explicit host path and a recorded reason.
type VolumeDecl struct {
	Name      string      `yaml:"name"`
	Scope     VolumeScope `yaml:"scope,omitempty"` // empty means named
	MountPath string      `yaml:"mountPath"`       // path inside the container
	HostPath  string      `yaml:"hostPath,omitempty"`
	ReadWrite bool        `yaml:"readWrite,omitempty"`
	Reason    string      `yaml:"reason,omitempty"`
}

// EffectiveScope returns the declared scope, defaulting to named.
func (v *VolumeDecl) EffectiveScope() VolumeScope {
	if v.Scope == "" {
		return VolumeScopeNamed
	}
	return v.Scope
}

// SecretType selects how absent secret content is generated.
type SecretType string

const (
	// SecretTypeOpaque is a cryptographically random string.
	SecretTypeOpaque SecretType = "opaque"

	// SecretTypePassword is a password-policy-compliant credential.
	SecretTypePassword SecretType = "password"
)

// SecretDecl declares a secret a role consumes. Content is generated
// once if absent and never regenerated by the reconciler.
type SecretDecl struct {
	Name string     `yaml:"name"`
	Type SecretType `yaml:"type,omitempty"` // empty means opaque
}

// EffectiveType returns the declared type, defaulting to opaque.
func (s *SecretDecl) EffectiveType() SecretType {
	if s.Type == "" {
		return SecretTypeOpaque
	}
	return s.Type
}

// DirectoryPolicyEntry is one row of the host ownership matrix.
type DirectoryPolicyEntry struct {
	Path string
	UID  int
	GID  int
	Mode fs.FileMode
}

// ServiceSpec is the complete service specification the reconciler
// emits per role. It is the external collaborator boundary: the
// container engine consumes it, this module never runs containers.
type ServiceSpec struct {
	Name     string
	Image    string
	Env      []string
	UID      int // container-internal
	GID      int
	Networks []string
	Mounts   []*MountBinding
	Secrets  []*SecretBinding
}

// MountBinding is one resolved mount in a service specification.
type MountBinding struct {
	// Volume is the named volume, empty for bind-mount exceptions.
	Volume string

	// HostPath is set only for sanctioned bind-mount exceptions.
	HostPath string

	Target   string
	ReadOnly bool
}

// SecretBinding maps a secret file on the host into the container.
type SecretBinding struct {
	Name     string
	HostPath string
}

// Step identifies a reconciliation apply phase. Steps run strictly in
// the order they are declared: each later step depends on invariants
// the earlier one established.
type Step string

const (
	StepIdentity   Step = "identity"
	StepFilesystem Step = "filesystem"
	StepSecrets    Step = "secrets"
	StepServices   Step = "services"
)

// Change is one planned or applied mutation. Plans are computed as
// data first and applied second, so a dry run and a real pass share
// the same diff logic.
type Change struct {
	Step   Step
	Action string // e.g. "create", "chown", "generate", "start"
	Target string // account, path, secret name, or role name
	Detail string
}

func (c Change) String() string {
	if c.Detail == "" {
		return fmt.Sprintf("[%s] %s %s", c.Step, c.Action, c.Target)
	}
	return fmt.Sprintf("[%s] %s %s (%s)", c.Step, c.Action, c.Target, c.Detail)
}

// HostSnapshot is the observed-state cache for one host, persisted
// after every pass. The reconciler is its single writer.
type HostSnapshot struct {
	HostID      string
	PassID      string
	CompletedAt time.Time
	Succeeded   bool

	// RangeStart/RangeSize are the subordinate range observed on the
	// host after the identity step.
	RangeStart int
	RangeSize  int

	// Directories are the managed paths confirmed by the filesystem
	// step.
	Directories []string

	// Secrets are the secret names confirmed present.
	Secrets []string

	// Services maps role name to the hash of the last-applied
	// effective configuration.
	Services map[string]string

	// SecretFingerprints maps secret name to a content fingerprint,
	// used to detect out-of-band rotation. Never the content itself.
	SecretFingerprints map[string]string
}

// MigrationStatus tracks a storage migration's lifecycle.
type MigrationStatus string

const (
	MigrationStatusRunning  MigrationStatus = "running"
	MigrationStatusComplete MigrationStatus = "complete"
	MigrationStatusFailed   MigrationStatus = "failed"
)

// MigrationRecord is the audit record of one storage migration.
type MigrationRecord struct {
	ID         string
	Role       string
	Volume     string
	SourceHost string
	DestHost   string
	Status     MigrationStatus
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}
