/*
Package state persists per-host observed-state snapshots and migration
audit records in a local BoltDB file.

A snapshot is written at the end of every reconciliation pass and read
back at the start of the next one: the subordinate range observed, the
managed directories confirmed, the secrets present (names and content
fingerprints only, never content), and the hash of each role's
last-applied service configuration. The service hashes are what lets
the reconciler converge instead of restarting: a role whose effective
configuration matches its recorded hash is left untouched.

Snapshots are also the migration precondition source: a migration may
only target a host whose latest snapshot shows a successful pass
covering the role being moved.
*/
package state
