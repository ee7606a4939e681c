/*
Package identity computes and provisions the UID-remapping identity for
container isolation.

Every container-internal identity is translated to an unprivileged host
identity through a single derivation:

	remap(uid) = range_start + uid

Mapping is a value type and Remap is pure, so the derivation can never
diverge between the filesystem enforcer, the reconciler, and migration
validation. The platform allows exactly one remap account per host; the
Allocator validates the host's subordinate registries (/etc/subuid,
/etc/subgid) against the platform mapping and fails with a
RangeConflictError when another account claims an overlapping range or
the remap account's range has drifted. A drifted range is never
rewritten: changing range_start on a host with existing data would
orphan every file the old mapping owned.

Apply is idempotent. A converged host produces an empty plan, and
re-running Apply performs no mutations.
*/
package identity
