package engine

import (
	"context"
	"time"

	"github.com/bastille-sh/bastille/pkg/types"
)

// ServiceState is the engine's view of a service.
type ServiceState string

const (
	ServiceStateAbsent  ServiceState = "absent"
	ServiceStateRunning ServiceState = "running"
	ServiceStateStopped ServiceState = "stopped"
	ServiceStateFailed  ServiceState = "failed"
)

// Engine is the external collaborator boundary: the reconciler emits
// complete service specifications and named-volume requests, and the
// engine executes them. Bastille configures the engine; it never
// implements container execution itself.
type Engine interface {
	// EnsureVolume creates a named volume if absent and returns its
	// engine-managed host path. The path must stay inside the engine
	// storage root; callers never address it in service declarations.
	EnsureVolume(ctx context.Context, name string) (string, error)

	// VolumePath returns the engine-managed host path of a named
	// volume without creating it.
	VolumePath(name string) string

	// StartService creates and starts a service from its complete
	// specification, replacing any existing instance.
	StartService(ctx context.Context, spec *types.ServiceSpec) error

	// StopService gracefully stops a running service, force-killing
	// after the timeout. Stopping an absent service is a no-op.
	StopService(ctx context.Context, name string, timeout time.Duration) error

	// RemoveService stops and deletes a service definition.
	RemoveService(ctx context.Context, name string) error

	// State reports the engine's view of a service.
	State(ctx context.Context, name string) (ServiceState, error)
}
