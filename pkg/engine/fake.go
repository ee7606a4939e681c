package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bastille-sh/bastille/pkg/types"
)

// Fake is an in-memory Engine for tests. Volumes are real directories
// under a caller-supplied root so filesystem-level behavior (ownership
// archiving, volume population) can be exercised; services are state
// records only.
type Fake struct {
	mu       sync.Mutex
	volumes  *volumeRoot
	services map[string]*types.ServiceSpec
	states   map[string]ServiceState

	// Starts counts StartService calls per service name, letting
	// tests assert convergence (no restart storm on identical config).
	Starts map[string]int

	// FailStart, when set, makes StartService fail for that service.
	FailStart string
}

// NewFake creates a fake engine with its volume root under baseDir.
func NewFake(baseDir string) (*Fake, error) {
	volumes, err := newVolumeRoot(baseDir)
	if err != nil {
		return nil, err
	}
	return &Fake{
		volumes:  volumes,
		services: make(map[string]*types.ServiceSpec),
		states:   make(map[string]ServiceState),
		Starts:   make(map[string]int),
	}, nil
}

func (f *Fake) EnsureVolume(ctx context.Context, name string) (string, error) {
	return f.volumes.ensure(name)
}

func (f *Fake) VolumePath(name string) string {
	return f.volumes.path(name)
}

func (f *Fake) StartService(ctx context.Context, spec *types.ServiceSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailStart == spec.Name {
		return fmt.Errorf("fake engine: start of %s failed", spec.Name)
	}

	for _, binding := range spec.Mounts {
		if binding.Volume != "" {
			if _, err := f.volumes.ensure(binding.Volume); err != nil {
				return err
			}
		}
	}

	f.services[spec.Name] = spec
	f.states[spec.Name] = ServiceStateRunning
	f.Starts[spec.Name]++
	return nil
}

func (f *Fake) StopService(ctx context.Context, name string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.services[name]; !ok {
		return nil
	}
	f.states[name] = ServiceStateStopped
	return nil
}

func (f *Fake) RemoveService(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.services, name)
	delete(f.states, name)
	return nil
}

func (f *Fake) State(ctx context.Context, name string) (ServiceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, ok := f.states[name]
	if !ok {
		return ServiceStateAbsent, nil
	}
	return state, nil
}

// Service returns the last specification started for a service.
func (f *Fake) Service(name string) *types.ServiceSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.services[name]
}
