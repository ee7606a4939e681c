package migrate

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bastille-sh/bastille/pkg/engine"
	"github.com/bastille-sh/bastille/pkg/log"
	"github.com/bastille-sh/bastille/pkg/metrics"
	"github.com/bastille-sh/bastille/pkg/state"
	"github.com/bastille-sh/bastille/pkg/types"
)

// defaultStopTimeout bounds the graceful stop of the source service.
const defaultStopTimeout = 30 * time.Second

// PassFunc triggers a reconciliation pass on a host. The orchestrator
// uses it to start the service on the destination after the volume is
// populated; it never starts services itself.
type PassFunc func(ctx context.Context, hostID string) error

// Request names the migration: which role's volume moves where.
type Request struct {
	Role       string
	Volume     string
	SourceHost string
	DestHost   string
}

// Config wires an orchestrator.
type Config struct {
	SourceEngine engine.Engine
	DestEngine   engine.Engine
	Store        *state.Store
	Transport    Transport
	TriggerPass  PassFunc
	StopTimeout  time.Duration
}

// Orchestrator moves a stateful role's volume data between hosts.
// Failure at any step leaves the source stopped and the destination
// unstarted: two writers must never run against the same logical
// dataset, so backing out is an explicit operator action.
type Orchestrator struct {
	source      engine.Engine
	dest        engine.Engine
	store       *state.Store
	transport   Transport
	triggerPass PassFunc
	stopTimeout time.Duration
	archiver    *archiver
	logger      zerolog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithOwnerLookup overrides how file ownership is read when packing.
func WithOwnerLookup(ownerOf func(string, fs.FileInfo) (int, int, error)) Option {
	return func(o *Orchestrator) { o.archiver.ownerOf = ownerOf }
}

// WithChown overrides how ownership is restored when unpacking.
func WithChown(chown func(string, int, int) error) Option {
	return func(o *Orchestrator) { o.archiver.chown = chown }
}

// New creates a migration orchestrator.
func New(cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		source:      cfg.SourceEngine,
		dest:        cfg.DestEngine,
		store:       cfg.Store,
		transport:   cfg.Transport,
		triggerPass: cfg.TriggerPass,
		stopTimeout: cfg.StopTimeout,
		archiver:    newArchiver(),
		logger:      log.WithComponent("migrate"),
	}
	if o.stopTimeout == 0 {
		o.stopTimeout = defaultStopTimeout
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Migrate runs the full sequence: precondition check, source stop,
// archive, transfer, destination restore, destination pass. Every
// attempt leaves an audit record in the state store.
func (o *Orchestrator) Migrate(ctx context.Context, req Request) (*types.MigrationRecord, error) {
	record := &types.MigrationRecord{
		ID:         uuid.New().String(),
		Role:       req.Role,
		Volume:     req.Volume,
		SourceHost: req.SourceHost,
		DestHost:   req.DestHost,
		Status:     types.MigrationStatusRunning,
		StartedAt:  time.Now(),
	}
	if err := o.store.SaveMigration(record); err != nil {
		return nil, fmt.Errorf("failed to record migration start: %w", err)
	}

	logger := o.logger.With().Str("migration_id", record.ID).Str("role", req.Role).
		Str("volume", req.Volume).Str("source", req.SourceHost).Str("dest", req.DestHost).Logger()
	logger.Info().Msg("starting volume migration")

	if err := o.run(ctx, req, logger); err != nil {
		record.Status = types.MigrationStatusFailed
		record.Error = err.Error()
		record.FinishedAt = time.Now()
		if saveErr := o.store.SaveMigration(record); saveErr != nil {
			logger.Error().Err(saveErr).Msg("failed to record migration failure")
		}
		metrics.MigrationsTotal.WithLabelValues("failed").Inc()
		logger.Error().Err(err).Msg("migration failed, source left stopped")
		return record, err
	}

	record.Status = types.MigrationStatusComplete
	record.FinishedAt = time.Now()
	if err := o.store.SaveMigration(record); err != nil {
		return record, fmt.Errorf("migration completed but could not be recorded: %w", err)
	}
	metrics.MigrationsTotal.WithLabelValues("ok").Inc()
	logger.Info().Msg("migration complete")
	return record, nil
}

func (o *Orchestrator) run(ctx context.Context, req Request, logger zerolog.Logger) error {
	// Precondition: the destination's static configuration (identity,
	// directories, network) must come from a completed pass.
	if err := o.checkPreconditions(req); err != nil {
		return err
	}

	// Stop the source before reading its data. From here on, any
	// failure deliberately leaves it stopped.
	if err := o.source.StopService(ctx, req.Role, o.stopTimeout); err != nil {
		return fmt.Errorf("failed to stop source service: %w", err)
	}
	logger.Info().Msg("source service stopped")

	archivePath, bytes, err := o.packVolume(req.Volume)
	if err != nil {
		return err
	}
	defer os.Remove(archivePath)
	logger.Info().Int64("bytes", bytes).Msg("volume archived")

	transferred, err := o.transport.Transfer(ctx, archivePath)
	if err != nil {
		return fmt.Errorf("failed to transfer archive: %w", err)
	}
	defer os.Remove(transferred)

	if err := o.restoreVolume(ctx, req.Volume, transferred); err != nil {
		return err
	}
	metrics.MigrationBytes.Add(float64(bytes))
	logger.Info().Msg("volume restored on destination")

	if o.triggerPass != nil {
		if err := o.triggerPass(ctx, req.DestHost); err != nil {
			return fmt.Errorf("destination pass failed: %w", err)
		}
	}
	return nil
}

// checkPreconditions verifies the destination completed a successful
// pass covering the role, with the platform subordinate range. A
// misconfigured destination range is caught here, never silently
// rewritten into the archive.
func (o *Orchestrator) checkPreconditions(req Request) error {
	snap, err := o.store.GetSnapshot(req.DestHost)
	if err != nil {
		return fmt.Errorf("failed to load destination state: %w", err)
	}
	if snap == nil {
		return &PreconditionError{DestHost: req.DestHost, Role: req.Role,
			Reason: "no reconciliation pass recorded"}
	}
	if !snap.Succeeded {
		return &PreconditionError{DestHost: req.DestHost, Role: req.Role,
			Reason: "last reconciliation pass did not succeed"}
	}
	if _, ok := snap.Services[req.Role]; !ok {
		return &PreconditionError{DestHost: req.DestHost, Role: req.Role,
			Reason: "role not covered by the last reconciliation pass"}
	}
	if snap.RangeStart != types.SubordinateRangeStart || snap.RangeSize != types.SubordinateRangeSize {
		return &PreconditionError{DestHost: req.DestHost, Role: req.Role,
			Reason: fmt.Sprintf("subordinate range %d:%d does not match the platform range %d:%d",
				snap.RangeStart, snap.RangeSize, types.SubordinateRangeStart, types.SubordinateRangeSize)}
	}
	return nil
}

func (o *Orchestrator) packVolume(volume string) (string, int64, error) {
	srcPath := o.source.VolumePath(volume)
	if _, err := os.Stat(srcPath); err != nil {
		return "", 0, fmt.Errorf("source volume %s unavailable: %w", volume, err)
	}

	f, err := os.CreateTemp("", "bastille-migrate-*.tar")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create archive file: %w", err)
	}

	bytes, err := o.archiver.pack(srcPath, f)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", 0, fmt.Errorf("failed to archive volume %s: %w", volume, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", 0, err
	}
	return f.Name(), bytes, nil
}

func (o *Orchestrator) restoreVolume(ctx context.Context, volume, archivePath string) error {
	destPath, err := o.dest.EnsureVolume(ctx, volume)
	if err != nil {
		return fmt.Errorf("failed to create destination volume %s: %w", volume, err)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := o.archiver.unpack(f, destPath); err != nil {
		return fmt.Errorf("failed to restore volume %s: %w", volume, err)
	}
	return nil
}
