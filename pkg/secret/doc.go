/*
Package secret provisions secret files on a host.

Each secret is a single file of raw content (no envelope) under the
host secrets subtree, mode 0400, owned by the account declared in the
request. The lifecycle is deliberately one-way:

  - absent: content is generated per the declared type and written
    atomically (temp file + rename), so a concurrently starting service
    can never read a partial secret
  - present: the file is authoritative; the manager never regenerates,
    rewrites, or re-permissions it; rotation is an explicit operator
    action

Before writing, the manager verifies the target directory is present,
root-owned, and closed to non-admin access; anything else fails with a
WriteError rather than placing a secret in an insecure location.

Secret content never appears in errors, logs, or metrics. Rotation done
outside the tool is detected by comparing content fingerprints across
passes (see Fingerprint); the reconciler reports the drift and does not
touch the new content.
*/
package secret
