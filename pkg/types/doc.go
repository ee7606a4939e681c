/*
Package types defines the inventory model and shared data structures for
Bastille's host-security reconciliation.

All types here are pure data with no behavior beyond trivial accessors.
The inventory (pkg/inventory) is the single writer of desired state; the
reconciler (pkg/reconciler) is the single writer of HostSnapshot caches.

# The Three Pillars

Bastille enforces three isolation boundaries on every host:

 1. Host/container isolation: container-internal identities are remapped
    into an unprivileged subordinate UID/GID range on the host
    (RemapAccount, SubordinateRangeStart, SubordinateRangeSize).

 2. Container/container isolation: persistent state lives only in
    engine-managed named volumes (VolumeScopeNamed). Bind mounts are
    rejected except the closed exception set expressed by VolumeScope.

 3. Intra-container least privilege: services run as a fixed non-root
    identity (StandardContainerUID) unless a role overrides it.

# Identity Derivation

The host-side owner of a service-private path is always

	remap(uid) = SubordinateRangeStart + uid

computed by pkg/identity. The derivation is a pure function so that the
same container UID maps to the same host UID on every correctly
configured host; migrations depend on that property.

# Volume Scopes

VolumeScope is a tagged enumeration rather than a boolean on purpose:
the sanctioned bind-mount exceptions (log share, socket passthrough)
form a closed set, and adding a new exception must be a reviewable code
change, not an inventory edit.
*/
package types
