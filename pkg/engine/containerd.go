package engine

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"

	"github.com/bastille-sh/bastille/pkg/log"
	"github.com/bastille-sh/bastille/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace for Bastille services
	DefaultNamespace = "bastille"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdEngine implements Engine against a containerd daemon.
type ContainerdEngine struct {
	client    *containerd.Client
	namespace string
	volumes   *volumeRoot
	logger    zerolog.Logger
}

// NewContainerdEngine connects to containerd and prepares the named
// volume root. volumeBase is normally <managed root>/engine.
func NewContainerdEngine(socketPath, volumeBase string) (*ContainerdEngine, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	volumes, err := newVolumeRoot(volumeBase)
	if err != nil {
		client.Close()
		return nil, err
	}

	return &ContainerdEngine{
		client:    client,
		namespace: DefaultNamespace,
		volumes:   volumes,
		logger:    log.WithComponent("engine"),
	}, nil
}

// Close closes the containerd client connection.
func (e *ContainerdEngine) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

// EnsureVolume creates the named volume directory if absent.
func (e *ContainerdEngine) EnsureVolume(ctx context.Context, name string) (string, error) {
	return e.volumes.ensure(name)
}

// VolumePath returns the engine-managed path of a named volume.
func (e *ContainerdEngine) VolumePath(name string) string {
	return e.volumes.path(name)
}

// StartService pulls the image, replaces any existing container for
// the role, and starts it with the declared non-root identity, mounts,
// and secret bindings.
func (e *ContainerdEngine) StartService(ctx context.Context, spec *types.ServiceSpec) error {
	ctx = namespaces.WithNamespace(ctx, e.namespace)

	image, err := e.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", spec.Image, err)
	}

	// Replace-on-start: an existing instance is stale by definition,
	// since the reconciler only starts services whose configuration
	// differs.
	if err := e.RemoveService(ctx, spec.Name); err != nil {
		return fmt.Errorf("failed to replace existing service %s: %w", spec.Name, err)
	}

	mounts, err := e.mountsFor(spec)
	if err != nil {
		return err
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
		oci.WithUserID(uint32(spec.UID)),
	}
	if len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}

	container, err := e.client.NewContainer(
		ctx,
		spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return fmt.Errorf("failed to create service %s: %w", spec.Name, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("failed to create task for %s: %w", spec.Name, err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start service %s: %w", spec.Name, err)
	}

	e.logger.Info().Str("service", spec.Name).Str("image", spec.Image).
		Int("uid", spec.UID).Msg("service started")
	return nil
}

// mountsFor resolves a specification's bindings into runtime mounts.
// Named volumes resolve through the engine volume root; bind-mount
// exceptions carry their sanctioned host path.
func (e *ContainerdEngine) mountsFor(spec *types.ServiceSpec) ([]specs.Mount, error) {
	mounts := make([]specs.Mount, 0, len(spec.Mounts)+len(spec.Secrets))

	for _, binding := range spec.Mounts {
		source := binding.HostPath
		if binding.Volume != "" {
			var err error
			source, err = e.volumes.ensure(binding.Volume)
			if err != nil {
				return nil, err
			}
		}

		options := []string{"rbind"}
		if binding.ReadOnly {
			options = append(options, "ro")
		} else {
			options = append(options, "rw")
		}
		mounts = append(mounts, specs.Mount{
			Source:      source,
			Destination: binding.Target,
			Type:        "bind",
			Options:     options,
		})
	}

	for _, sec := range spec.Secrets {
		mounts = append(mounts, specs.Mount{
			Source:      sec.HostPath,
			Destination: "/run/secrets/" + sec.Name,
			Type:        "bind",
			Options:     []string{"bind", "ro"},
		})
	}

	return mounts, nil
}

// StopService gracefully stops a service, escalating to SIGKILL after
// the timeout. Absent services are a no-op.
func (e *ContainerdEngine) StopService(ctx context.Context, name string, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, e.namespace)

	container, err := e.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load service %s: %w", name, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means not running.
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal service %s: %w", name, err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for service %s: %w", name, err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to force kill service %s: %w", name, err)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete task for %s: %w", name, err)
	}

	e.logger.Info().Str("service", name).Msg("service stopped")
	return nil
}

// RemoveService stops and deletes a service and its snapshot.
func (e *ContainerdEngine) RemoveService(ctx context.Context, name string) error {
	ctx = namespaces.WithNamespace(ctx, e.namespace)

	container, err := e.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load service %s: %w", name, err)
	}

	if err := e.StopService(ctx, name, 10*time.Second); err != nil {
		e.logger.Warn().Err(err).Str("service", name).Msg("failed to stop service before removal")
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete service %s: %w", name, err)
	}
	return nil
}

// State reports the engine's view of a service.
func (e *ContainerdEngine) State(ctx context.Context, name string) (ServiceState, error) {
	ctx = namespaces.WithNamespace(ctx, e.namespace)

	container, err := e.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return ServiceStateAbsent, nil
		}
		return ServiceStateFailed, fmt.Errorf("failed to load service %s: %w", name, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return ServiceStateStopped, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return ServiceStateFailed, fmt.Errorf("failed to get status for %s: %w", name, err)
	}

	switch status.Status {
	case containerd.Running, containerd.Paused:
		return ServiceStateRunning, nil
	case containerd.Stopped:
		if status.ExitStatus == 0 {
			return ServiceStateStopped, nil
		}
		return ServiceStateFailed, nil
	default:
		return ServiceStateStopped, nil
	}
}
