package identity

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/bastille-sh/bastille/pkg/log"
	"github.com/bastille-sh/bastille/pkg/types"
)

// CommandRunner executes a host command. Injectable so tests never
// shell out.
type CommandRunner func(name string, args ...string) error

// Allocator manages the remap account and its subordinate ranges on
// one host. Computing derived identities is pure (Mapping.Remap);
// applying creates the account and registry entries, idempotently.
type Allocator struct {
	mapping Mapping
	etcDir  string // directory holding subuid/subgid, normally /etc
	run     CommandRunner
	lookup  func(account string) bool
	logger  zerolog.Logger
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithEtcDir overrides the directory holding the subordinate registry
// files.
func WithEtcDir(dir string) Option {
	return func(a *Allocator) { a.etcDir = dir }
}

// WithCommandRunner overrides how host commands are executed.
func WithCommandRunner(run CommandRunner) Option {
	return func(a *Allocator) { a.run = run }
}

// WithAccountLookup overrides how account existence is checked.
func WithAccountLookup(lookup func(string) bool) Option {
	return func(a *Allocator) { a.lookup = lookup }
}

// NewAllocator creates an allocator for the platform mapping.
func NewAllocator(opts ...Option) *Allocator {
	a := &Allocator{
		mapping: PlatformMapping(),
		etcDir:  "/etc",
		run: func(name string, args ...string) error {
			return exec.Command(name, args...).Run()
		},
		lookup: func(account string) bool {
			_, err := user.Lookup(account)
			return err == nil
		},
		logger: log.WithComponent("identity"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Mapping returns the mapping this allocator enforces.
func (a *Allocator) Mapping() Mapping {
	return a.mapping
}

// rangeEntry is one line of a subordinate registry file:
// <account>:<range_start>:<range_size>
type rangeEntry struct {
	Account string
	Start   int
	Size    int
}

func (e rangeEntry) mapping() Mapping {
	return Mapping{Account: e.Account, RangeStart: e.Start, RangeSize: e.Size}
}

func parseRegistry(path string) ([]rangeEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open subordinate registry: %w", err)
	}
	defer f.Close()

	var entries []rangeEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("malformed registry line %q in %s", line, path)
		}
		start, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("malformed range start in %q: %w", line, err)
		}
		size, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, fmt.Errorf("malformed range size in %q: %w", line, err)
		}
		entries = append(entries, rangeEntry{Account: parts[0], Start: start, Size: size})
	}
	return entries, scanner.Err()
}

// Validate checks the host's subordinate registries against the
// platform mapping. It returns a *RangeConflictError if any account
// claims an incompatible range, and mutates nothing.
func (a *Allocator) Validate(hostID string) error {
	for _, file := range []string{"subuid", "subgid"} {
		entries, err := parseRegistry(filepath.Join(a.etcDir, file))
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.Account == a.mapping.Account {
				if entry.Start != a.mapping.RangeStart || entry.Size != a.mapping.RangeSize {
					return &RangeConflictError{
						Host:     hostID,
						Account:  entry.Account,
						Observed: entry.mapping(),
						Want:     a.mapping,
					}
				}
				continue
			}
			if entry.mapping().Overlaps(a.mapping) {
				return &RangeConflictError{
					Host:     hostID,
					Account:  entry.Account,
					Observed: entry.mapping(),
					Want:     a.mapping,
				}
			}
		}
	}
	return nil
}

// Plan returns the identity changes needed to converge the host.
// Empty on an already-converged host.
func (a *Allocator) Plan(hostID string) ([]types.Change, error) {
	if err := a.Validate(hostID); err != nil {
		return nil, err
	}

	var changes []types.Change
	if !a.lookup(a.mapping.Account) {
		changes = append(changes, types.Change{
			Step:   types.StepIdentity,
			Action: "create-account",
			Target: a.mapping.Account,
		})
	}
	for _, file := range []string{"subuid", "subgid"} {
		registered, err := a.registered(file)
		if err != nil {
			return nil, err
		}
		if !registered {
			changes = append(changes, types.Change{
				Step:   types.StepIdentity,
				Action: "register-range",
				Target: file,
				Detail: fmt.Sprintf("%s:%d:%d", a.mapping.Account, a.mapping.RangeStart, a.mapping.RangeSize),
			})
		}
	}
	return changes, nil
}

// Apply converges the host: creates the remap account and registers
// the subordinate ranges. Re-running on a converged host is a no-op.
func (a *Allocator) Apply(hostID string) ([]types.Change, error) {
	changes, err := a.Plan(hostID)
	if err != nil {
		return nil, err
	}

	// On failure the applied prefix is returned so the pass result
	// reports what actually changed.
	for i, change := range changes {
		switch change.Action {
		case "create-account":
			if err := a.createAccount(); err != nil {
				return changes[:i], fmt.Errorf("host %s: failed to create remap account: %w", hostID, err)
			}
			a.logger.Info().Str("host", hostID).Str("account", a.mapping.Account).Msg("created remap account")
		case "register-range":
			if err := a.appendRange(change.Target); err != nil {
				return changes[:i], fmt.Errorf("host %s: failed to register %s range: %w", hostID, change.Target, err)
			}
			a.logger.Info().Str("host", hostID).Str("registry", change.Target).Msg("registered subordinate range")
		}
	}
	return changes, nil
}

func (a *Allocator) registered(file string) (bool, error) {
	entries, err := parseRegistry(filepath.Join(a.etcDir, file))
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		if entry.Account == a.mapping.Account &&
			entry.Start == a.mapping.RangeStart &&
			entry.Size == a.mapping.RangeSize {
			return true, nil
		}
	}
	return false, nil
}

func (a *Allocator) createAccount() error {
	return a.run("useradd",
		"--system",
		"--no-create-home",
		"--shell", "/usr/sbin/nologin",
		a.mapping.Account,
	)
}

// appendRange adds the platform range to a registry file. Written via
// temp file and rename so a crash never leaves a truncated registry.
func (a *Allocator) appendRange(file string) error {
	path := filepath.Join(a.etcDir, file)

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	content := string(existing)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += fmt.Sprintf("%s:%d:%d\n", a.mapping.Account, a.mapping.RangeStart, a.mapping.RangeSize)

	tmp := path + ".bastille.tmp"
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
