/*
Package fspolicy enforces the managed directory tree and the bind-mount
policy on a host.

# Directory Tree

Each host carries a fixed platform tree under the managed root:

	/var/lib/bastille/
	├── engine/    0710 root:root   engine-managed named volumes
	├── services/  0750 root:root   generated service definitions
	├── secrets/   0700 root:root   secret files, admin access only
	└── logs/      0755 root:root   sanctioned read-only log share

plus per-role directories: services/<role> stays root-owned, while
logs/<role> is owned by remap(role_uid) so the container can write it.

The enforcer creates missing paths with the declared owner/group/mode
and corrects permission bits. Ownership drift (an existing managed
path owned by an unexpected account) is surfaced as an
OwnershipDriftError and never silently chowned over. Mutations are
non-recursive: the enforcer verifies the engine subtree's own entry but
never descends into it.

# Bind-Mount Policy

Persistent application state must live in engine-managed named volumes.
A declaration resolving to a host bind mount is rejected with a
PolicyViolationError before any change is applied, unless it matches
one of the two sanctioned exceptions:

  - read-only binding of the host logs subtree (log-share scope)
  - administrator-flagged control-socket passthrough

Both exceptions require a recorded reason in the inventory; the
classification itself is a closed switch over types.VolumeScope so new
exception kinds are code changes, not configuration.
*/
package fspolicy
