/*
Package reconciler implements the per-host convergence pass.

A pass is a pipeline with a fixed step order:

	load -> validate -> identity -> filesystem -> secrets -> services -> record

Validation runs every component in diff-only mode and fails fast: no
mutation happens on a host whose observed state conflicts with policy.
The apply phase executes the planned changes in dependency order and
halts on the first failure without rolling back; a pass is always safe
to re-run. A converged host produces an empty change set, so repeated
passes restart nothing.

Hosts are independent: each pass reads and writes only its own host's
state, which is what makes ReconcileAll safe to run in parallel.
*/
package reconciler
