package secret

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/bastille-sh/bastille/pkg/log"
	"github.com/bastille-sh/bastille/pkg/types"
)

// fileMode restricts a secret file to its owning account.
const fileMode fs.FileMode = 0400

// dirMode is the required mode of the secrets subtree.
const dirMode fs.FileMode = 0700

// WriteError reports that a secret cannot be written because the
// target path fails its ownership or permission preconditions. Secrets
// are never written into a location the policy does not control.
type WriteError struct {
	Host   string
	Secret string
	Path   string
	Reason string
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("host %s: secret %s: cannot write %s: %s",
		e.Host, e.Secret, e.Path, e.Reason)
}

// Request is a resolved secret declaration: the declared type plus the
// host identity that will own the file.
type Request struct {
	Name string
	Type types.SecretType
	UID  int
	GID  int
}

// Manager provisions secret files under the host secrets subtree.
// Content is authoritative once created: an existing secret is never
// regenerated, rewritten, or re-permissioned by the manager.
type Manager struct {
	dir     string
	ownerOf func(path string) (uid, gid int, err error)
	chown   func(path string, uid, gid int) error
	logger  zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithOwnerLookup overrides how path ownership is observed.
func WithOwnerLookup(ownerOf func(string) (int, int, error)) Option {
	return func(m *Manager) { m.ownerOf = ownerOf }
}

// WithChown overrides how ownership is applied.
func WithChown(chown func(string, int, int) error) Option {
	return func(m *Manager) { m.chown = chown }
}

// NewManager creates a manager rooted at the host secrets subtree.
func NewManager(dir string, opts ...Option) *Manager {
	m := &Manager{
		dir:     dir,
		ownerOf: statOwner,
		chown:   os.Chown,
		logger:  log.WithComponent("secret"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// validName rejects names that would resolve outside the secrets
// subtree when joined onto it.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

func statOwner(path string) (int, int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, err
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, fmt.Errorf("no ownership information for %s", path)
	}
	return int(st.Uid), int(st.Gid), nil
}

// Path returns the host path of a named secret.
func (m *Manager) Path(name string) string {
	return filepath.Join(m.dir, name)
}

// checkDir verifies the secrets subtree is a safe write target:
// present, admin-owned, and no looser than 0700.
func (m *Manager) checkDir(hostID, secretName string) error {
	info, err := os.Stat(m.dir)
	if err != nil {
		return &WriteError{Host: hostID, Secret: secretName, Path: m.dir,
			Reason: fmt.Sprintf("secrets directory unavailable: %v", err)}
	}
	if !info.IsDir() {
		return &WriteError{Host: hostID, Secret: secretName, Path: m.dir,
			Reason: "secrets path is not a directory"}
	}
	if info.Mode().Perm()&0077 != 0 {
		return &WriteError{Host: hostID, Secret: secretName, Path: m.dir,
			Reason: fmt.Sprintf("secrets directory mode %04o grants non-admin access", info.Mode().Perm())}
	}
	uid, gid, err := m.ownerOf(m.dir)
	if err != nil {
		return &WriteError{Host: hostID, Secret: secretName, Path: m.dir,
			Reason: fmt.Sprintf("cannot read directory ownership: %v", err)}
	}
	if uid != 0 || gid != 0 {
		return &WriteError{Host: hostID, Secret: secretName, Path: m.dir,
			Reason: fmt.Sprintf("secrets directory owned by %d:%d, must be root", uid, gid)}
	}
	return nil
}

// Plan returns the generation changes needed for the given requests.
// Existing secrets produce no change regardless of content. An absent
// secrets directory is not a plan error: the filesystem step creates
// it earlier in the same pass, and Apply re-checks before writing.
func (m *Manager) Plan(hostID string, requests []*Request) ([]types.Change, error) {
	dirPresent := true
	if _, err := os.Stat(m.dir); os.IsNotExist(err) {
		dirPresent = false
	}

	var changes []types.Change
	for _, req := range requests {
		if !validName(req.Name) {
			return nil, &WriteError{Host: hostID, Secret: req.Name, Path: m.Path(req.Name),
				Reason: "secret name must be a single path segment"}
		}
		if dirPresent {
			if err := m.checkDir(hostID, req.Name); err != nil {
				return nil, err
			}
		}
		exists, err := m.exists(req.Name)
		if err != nil {
			return nil, fmt.Errorf("host %s: secret %s: %w", hostID, req.Name, err)
		}
		if !exists {
			changes = append(changes, types.Change{
				Step:   types.StepSecrets,
				Action: "generate",
				Target: req.Name,
				Detail: string(req.Type),
			})
		}
	}
	return changes, nil
}

// Apply generates and writes every missing secret. Writes are atomic
// (temp file + rename) so a concurrently starting service can never
// observe a partially written secret. Idempotent: a second run with
// the same requests changes nothing.
func (m *Manager) Apply(hostID string, requests []*Request) ([]types.Change, error) {
	changes, err := m.Plan(hostID, requests)
	if err != nil {
		return nil, err
	}

	planned := make(map[string]*Request, len(requests))
	for _, req := range requests {
		planned[req.Name] = req
	}

	// On failure the applied prefix is returned so the pass result
	// reports what actually changed.
	for i, change := range changes {
		req := planned[change.Target]
		if err := m.checkDir(hostID, req.Name); err != nil {
			return changes[:i], err
		}
		if err := m.write(hostID, req); err != nil {
			return changes[:i], err
		}
		m.logger.Info().Str("host", hostID).Str("secret", req.Name).
			Str("type", string(req.Type)).Msg("generated secret")
	}
	return changes, nil
}

func (m *Manager) exists(name string) (bool, error) {
	_, err := os.Stat(m.Path(name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (m *Manager) write(hostID string, req *Request) error {
	content, err := Generate(req.Type)
	if err != nil {
		return &WriteError{Host: hostID, Secret: req.Name, Path: m.Path(req.Name),
			Reason: fmt.Sprintf("generation failed: %v", err)}
	}

	target := m.Path(req.Name)
	tmp, err := os.CreateTemp(m.dir, "."+req.Name+".tmp-*")
	if err != nil {
		return &WriteError{Host: hostID, Secret: req.Name, Path: target,
			Reason: fmt.Sprintf("cannot create temp file: %v", err)}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return &WriteError{Host: hostID, Secret: req.Name, Path: target,
			Reason: fmt.Sprintf("write failed: %v", err)}
	}
	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return &WriteError{Host: hostID, Secret: req.Name, Path: target,
			Reason: fmt.Sprintf("chmod failed: %v", err)}
	}
	if err := tmp.Close(); err != nil {
		return &WriteError{Host: hostID, Secret: req.Name, Path: target,
			Reason: fmt.Sprintf("close failed: %v", err)}
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return &WriteError{Host: hostID, Secret: req.Name, Path: target,
			Reason: fmt.Sprintf("rename failed: %v", err)}
	}
	// Ownership lands after the rename; until then the 0400 file is
	// readable by the administrative account only, and services start
	// strictly after the secrets step completes.
	if err := m.chown(target, req.UID, req.GID); err != nil {
		return &WriteError{Host: hostID, Secret: req.Name, Path: target,
			Reason: fmt.Sprintf("chown failed: %v", err)}
	}
	return nil
}

// Drift reports existing secrets whose permission bits or ownership no
// longer match policy. Reported only, never corrected: a secret's file
// and its protection are authoritative once created, and silently
// re-permissioning could mask an intrusion.
func (m *Manager) Drift(requests []*Request) []string {
	var drift []string
	for _, req := range requests {
		path := m.Path(req.Name)
		info, err := os.Stat(path)
		if err != nil {
			continue // absence is the Plan's concern
		}
		if info.Mode().Perm() != fileMode {
			drift = append(drift, fmt.Sprintf(
				"secret %s has mode %04o, policy requires %04o",
				req.Name, info.Mode().Perm(), fileMode))
		}
		uid, gid, err := m.ownerOf(path)
		if err != nil {
			continue
		}
		if uid != req.UID || gid != req.GID {
			drift = append(drift, fmt.Sprintf(
				"secret %s is owned by %d:%d, policy requires %d:%d",
				req.Name, uid, gid, req.UID, req.GID))
		}
	}
	return drift
}

// Fingerprint returns a hex SHA-256 of the secret content, used for
// out-of-band rotation detection without persisting content anywhere.
func (m *Manager) Fingerprint(name string) (string, error) {
	data, err := os.ReadFile(m.Path(name))
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
