/*
Package migrate moves a stateful role's volume data between hosts.

The sequence is deliberately one-directional: check destination
preconditions, stop the source service, archive the named volume with
numeric ownership only, transfer, restore into an engine-created
destination volume, then trigger a destination pass to start the
service. A failure at any point leaves the source stopped and the
destination unstarted; resuming or backing out is an operator decision.

Ownership travels as numbers because host-local account names differ
between machines while the derived remapped IDs do not.
*/
package migrate
