package reconciler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bastille-sh/bastille/pkg/engine"
	"github.com/bastille-sh/bastille/pkg/fspolicy"
	"github.com/bastille-sh/bastille/pkg/identity"
	"github.com/bastille-sh/bastille/pkg/inventory"
	"github.com/bastille-sh/bastille/pkg/log"
	"github.com/bastille-sh/bastille/pkg/metrics"
	"github.com/bastille-sh/bastille/pkg/secret"
	"github.com/bastille-sh/bastille/pkg/state"
	"github.com/bastille-sh/bastille/pkg/types"
)

// Config wires a reconciler's collaborators.
type Config struct {
	Inventory *inventory.Inventory
	Store     *state.Store
	Engine    engine.Engine
	Allocator *identity.Allocator
	Enforcer  *fspolicy.Enforcer
	Secrets   *secret.Manager
}

// Reconciler converges one host at a time: it diffs desired state
// (inventory) against observed state and applies the minimal change
// set in dependency order identity -> filesystem -> secrets ->
// services. Each invocation is a complete point-in-time pass, not a
// long-lived loop.
type Reconciler struct {
	inv       *inventory.Inventory
	store     *state.Store
	engine    engine.Engine
	allocator *identity.Allocator
	enforcer  *fspolicy.Enforcer
	secrets   *secret.Manager
	logger    zerolog.Logger
}

// New creates a reconciler.
func New(cfg Config) *Reconciler {
	return &Reconciler{
		inv:       cfg.Inventory,
		store:     cfg.Store,
		engine:    cfg.Engine,
		allocator: cfg.Allocator,
		enforcer:  cfg.Enforcer,
		secrets:   cfg.Secrets,
		logger:    log.WithComponent("reconciler"),
	}
}

// Result reports one pass over one host.
type Result struct {
	HostID     string
	PassID     string
	DryRun     bool
	Changes    []types.Change
	Warnings   []string
	FailedStep types.Step
	StartedAt  time.Time
	FinishedAt time.Time
}

// Plan computes the change set for a host without mutating anything.
// Validation errors (range conflicts, policy violations, ownership
// drift) abort the plan: an invalid plan is never partially reported.
func (r *Reconciler) Plan(ctx context.Context, hostID string) (*Result, error) {
	return r.run(ctx, hostID, true)
}

// Reconcile runs a full pass against a host. Any apply-phase failure
// halts the remaining steps; already-converged steps stay in place and
// the pass is safe to re-run.
func (r *Reconciler) Reconcile(ctx context.Context, hostID string) (*Result, error) {
	return r.run(ctx, hostID, false)
}

func (r *Reconciler) run(ctx context.Context, hostID string, dryRun bool) (*Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PassDuration)

	result := &Result{
		HostID:    hostID,
		PassID:    uuid.New().String(),
		DryRun:    dryRun,
		StartedAt: time.Now(),
	}
	logger := r.logger.With().Str("host", hostID).Str("pass_id", result.PassID).Bool("dry_run", dryRun).Logger()

	// Load
	host, err := r.inv.Host(hostID)
	if err != nil {
		return r.fail(result, "", err)
	}
	roles, err := r.inv.RolesFor(host)
	if err != nil {
		return r.fail(result, "", err)
	}
	snapshot, err := r.store.GetSnapshot(hostID)
	if err != nil {
		return r.fail(result, "", fmt.Errorf("failed to load observed state: %w", err))
	}

	// Validate: every component in diff-only mode, fail fast before
	// any mutation.
	identityChanges, err := r.allocator.Plan(hostID)
	if err != nil {
		return r.fail(result, "", r.countValidation(err))
	}
	fsChanges, err := r.enforcer.Plan(hostID, roles)
	if err != nil {
		return r.fail(result, "", r.countValidation(err))
	}
	secretRequests := r.secretRequests(roles)
	secretChanges, err := r.secrets.Plan(hostID, secretRequests)
	if err != nil {
		return r.fail(result, "", r.countValidation(err))
	}
	serviceChanges, specs, err := r.planServices(ctx, roles, snapshot)
	if err != nil {
		return r.fail(result, "", err)
	}

	r.detectSecretDrift(result, snapshot, secretRequests, logger)

	if dryRun {
		result.Changes = concat(identityChanges, fsChanges, secretChanges, serviceChanges)
		result.FinishedAt = time.Now()
		logger.Info().Int("changes", len(result.Changes)).Msg("validation-only pass complete")
		return result, nil
	}

	// Apply identity
	applied, err := r.allocator.Apply(hostID)
	result.Changes = append(result.Changes, applied...)
	if err != nil {
		return r.fail(result, types.StepIdentity, err)
	}
	r.countApplied(applied)

	// Apply filesystem
	applied, err = r.enforcer.Apply(hostID, roles)
	result.Changes = append(result.Changes, applied...)
	if err != nil {
		return r.fail(result, types.StepFilesystem, err)
	}
	r.countApplied(applied)

	// Apply secrets
	applied, err = r.secrets.Apply(hostID, secretRequests)
	result.Changes = append(result.Changes, applied...)
	if err != nil {
		return r.fail(result, types.StepSecrets, err)
	}
	r.countApplied(applied)
	metrics.SecretsGenerated.Add(float64(len(applied)))

	// Apply services: only roles whose effective configuration
	// differs are touched, so a converged host restarts nothing.
	for _, change := range serviceChanges {
		spec := specs[change.Target]
		for _, binding := range spec.Mounts {
			if binding.Volume != "" {
				if _, err := r.engine.EnsureVolume(ctx, binding.Volume); err != nil {
					result.Changes = append(result.Changes, change)
					return r.fail(result, types.StepServices, err)
				}
			}
		}
		if err := r.engine.StartService(ctx, spec); err != nil {
			result.Changes = append(result.Changes, change)
			return r.fail(result, types.StepServices, err)
		}
		result.Changes = append(result.Changes, change)
		metrics.ChangesApplied.WithLabelValues(string(types.StepServices)).Inc()
	}

	// Record
	if err := r.record(result, roles, specs); err != nil {
		return r.fail(result, "", err)
	}

	result.FinishedAt = time.Now()
	metrics.PassesTotal.WithLabelValues("ok").Inc()
	logger.Info().Int("changes", len(result.Changes)).Msg("pass complete")
	return result, nil
}

// planServices diffs every role's effective configuration against the
// last-applied hash and the engine's view.
func (r *Reconciler) planServices(ctx context.Context, roles []*types.Role, snapshot *types.HostSnapshot) ([]types.Change, map[string]*types.ServiceSpec, error) {
	var changes []types.Change
	specs := make(map[string]*types.ServiceSpec, len(roles))

	for _, role := range roles {
		spec := r.buildSpec(role)
		specs[role.Name] = spec

		hash, err := specHash(spec)
		if err != nil {
			return nil, nil, fmt.Errorf("role %s: failed to hash service spec: %w", role.Name, err)
		}

		lastApplied := ""
		if snapshot != nil {
			lastApplied = snapshot.Services[role.Name]
		}

		engineState, err := r.engine.State(ctx, role.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("role %s: failed to query engine: %w", role.Name, err)
		}

		switch {
		case lastApplied != hash:
			changes = append(changes, types.Change{
				Step: types.StepServices, Action: "start", Target: role.Name,
				Detail: "configuration changed",
			})
		case engineState != engine.ServiceStateRunning:
			changes = append(changes, types.Change{
				Step: types.StepServices, Action: "start", Target: role.Name,
				Detail: fmt.Sprintf("engine state %s", engineState),
			})
		}
	}
	return changes, specs, nil
}

// buildSpec resolves a role into the complete service specification
// handed to the engine.
func (r *Reconciler) buildSpec(role *types.Role) *types.ServiceSpec {
	spec := &types.ServiceSpec{
		Name:     role.Name,
		Image:    role.Image,
		Env:      role.Env,
		UID:      role.EffectiveUID(),
		GID:      role.EffectiveGID(),
		Networks: role.Networks,
	}

	for _, vol := range role.Volumes {
		binding := &types.MountBinding{Target: vol.MountPath}
		switch vol.EffectiveScope() {
		case types.VolumeScopeNamed:
			binding.Volume = vol.Name
		case types.VolumeScopeLogShare:
			binding.HostPath = vol.HostPath
			binding.ReadOnly = true
		case types.VolumeScopeSocketPassthrough:
			binding.HostPath = vol.HostPath
			binding.ReadOnly = !vol.ReadWrite
		}
		spec.Mounts = append(spec.Mounts, binding)
	}

	for _, sec := range role.Secrets {
		spec.Secrets = append(spec.Secrets, &types.SecretBinding{
			Name:     sec.Name,
			HostPath: r.secrets.Path(sec.Name),
		})
	}
	return spec
}

// secretRequests resolves every declared secret to its generation
// request. The file owner is the remapped role identity so the
// container user can read its own secrets and nobody else can.
func (r *Reconciler) secretRequests(roles []*types.Role) []*secret.Request {
	mapping := r.allocator.Mapping()
	seen := make(map[string]bool)
	var requests []*secret.Request
	for _, role := range roles {
		for _, decl := range role.Secrets {
			if seen[decl.Name] {
				continue
			}
			seen[decl.Name] = true
			requests = append(requests, &secret.Request{
				Name: decl.Name,
				Type: decl.EffectiveType(),
				UID:  mapping.Remap(role.EffectiveUID()),
				GID:  mapping.Remap(role.EffectiveGID()),
			})
		}
	}
	return requests
}

// detectSecretDrift compares current secret fingerprints against the
// last snapshot and checks file protection against policy. Out-of-band
// rotation and loosened permissions are reported, never silently
// accepted or reverted.
func (r *Reconciler) detectSecretDrift(result *Result, snapshot *types.HostSnapshot, requests []*secret.Request, logger zerolog.Logger) {
	if snapshot != nil {
		for name, recorded := range snapshot.SecretFingerprints {
			current, err := r.secrets.Fingerprint(name)
			if err != nil {
				continue // absent secrets are handled by the secrets plan
			}
			if current != recorded {
				result.Warnings = append(result.Warnings, fmt.Sprintf("secret %s was rotated outside the tool", name))
				metrics.DriftDetected.WithLabelValues("secret").Inc()
				logger.Warn().Str("secret", name).Msg("secret content rotated outside the tool")
			}
		}
	}
	for _, msg := range r.secrets.Drift(requests) {
		result.Warnings = append(result.Warnings, msg)
		metrics.DriftDetected.WithLabelValues("secret").Inc()
		logger.Warn().Msg(msg)
	}
}

// record persists the new observed-state snapshot for the host.
func (r *Reconciler) record(result *Result, roles []*types.Role, specs map[string]*types.ServiceSpec) error {
	mapping := r.allocator.Mapping()
	snap := &types.HostSnapshot{
		HostID:             result.HostID,
		PassID:             result.PassID,
		CompletedAt:        time.Now(),
		Succeeded:          true,
		RangeStart:         mapping.RangeStart,
		RangeSize:          mapping.RangeSize,
		Services:           make(map[string]string),
		SecretFingerprints: make(map[string]string),
	}

	for _, entry := range r.enforcer.PolicyFor(roles) {
		snap.Directories = append(snap.Directories, entry.Path)
	}

	for _, role := range roles {
		if spec, ok := specs[role.Name]; ok {
			hash, err := specHash(spec)
			if err != nil {
				return err
			}
			snap.Services[role.Name] = hash
		}
		for _, decl := range role.Secrets {
			fp, err := r.secrets.Fingerprint(decl.Name)
			if err != nil {
				continue
			}
			snap.Secrets = appendUnique(snap.Secrets, decl.Name)
			snap.SecretFingerprints[decl.Name] = fp
		}
	}

	if err := r.store.SaveSnapshot(snap); err != nil {
		return fmt.Errorf("failed to record observed state: %w", err)
	}
	return nil
}

func (r *Reconciler) fail(result *Result, step types.Step, err error) (*Result, error) {
	result.FailedStep = step
	result.FinishedAt = time.Now()
	if step == "" {
		metrics.PassesTotal.WithLabelValues("validation_error").Inc()
		return result, fmt.Errorf("host %s: validation failed: %w", result.HostID, err)
	}
	metrics.PassesTotal.WithLabelValues("apply_error").Inc()
	return result, fmt.Errorf("host %s: %s step failed: %w", result.HostID, step, err)
}

func (r *Reconciler) countValidation(err error) error {
	var rangeConflict *identity.RangeConflictError
	var policyViolation *fspolicy.PolicyViolationError
	var drift *fspolicy.OwnershipDriftError
	var writeErr *secret.WriteError
	switch {
	case errors.As(err, &rangeConflict):
		metrics.ValidationFailures.WithLabelValues("range_conflict").Inc()
	case errors.As(err, &policyViolation):
		metrics.ValidationFailures.WithLabelValues("policy_violation").Inc()
	case errors.As(err, &drift):
		metrics.ValidationFailures.WithLabelValues("ownership_drift").Inc()
		metrics.DriftDetected.WithLabelValues("directory").Inc()
	case errors.As(err, &writeErr):
		metrics.ValidationFailures.WithLabelValues("secret_write").Inc()
	default:
		metrics.ValidationFailures.WithLabelValues("other").Inc()
	}
	return err
}

func (r *Reconciler) countApplied(changes []types.Change) {
	for _, change := range changes {
		metrics.ChangesApplied.WithLabelValues(string(change.Step)).Inc()
	}
}

// specHash returns a stable hash of a service specification's
// effective configuration.
func specHash(spec *types.ServiceSpec) (string, error) {
	data, err := json.Marshal(spec)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func concat(lists ...[]types.Change) []types.Change {
	var out []types.Change
	for _, list := range lists {
		out = append(out, list...)
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// HostResult pairs a host with its pass outcome for parallel runs.
type HostResult struct {
	Result *Result
	Err    error
}

// ReconcileAll runs passes against multiple hosts in parallel. Host
// state is host-local, so passes share nothing but the read-only
// inventory; one host's failure never affects another's pass.
func (r *Reconciler) ReconcileAll(ctx context.Context, hostIDs []string, dryRun bool) map[string]HostResult {
	results := make(map[string]HostResult, len(hostIDs))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, hostID := range hostIDs {
		wg.Add(1)
		go func(hostID string) {
			defer wg.Done()
			var res *Result
			var err error
			if dryRun {
				res, err = r.Plan(ctx, hostID)
			} else {
				res, err = r.Reconcile(ctx, hostID)
			}
			mu.Lock()
			results[hostID] = HostResult{Result: res, Err: err}
			mu.Unlock()
		}(hostID)
	}

	wg.Wait()
	return results
}
