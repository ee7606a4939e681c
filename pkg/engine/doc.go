/*
Package engine is the container-engine collaborator boundary.

The reconciler emits complete service specifications (image, env,
non-root identity, named-volume bindings, secret bindings, network
attachment) and this package carries them to the engine. Bastille
never implements container execution: ContainerdEngine translates specs
into containerd containers and OCI runtime mounts, and owns the
engine-managed named-volume root under the platform tree.

Named volumes never expose their host path to service declarations;
callers receive resolved paths only through EnsureVolume/VolumePath,
which is how the named-managed invariant (no path outside the engine
storage root) holds by construction.

Fake is the in-memory implementation used by reconciler and migration
tests: volumes are real directories under a temp root, services are
state records with start counters for convergence assertions.
*/
package engine
