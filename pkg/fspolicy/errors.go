package fspolicy

import "fmt"

// PolicyViolationError reports a volume declaration that would bind
// persistent application state outside the sanctioned exception set.
// Raised during validation, before any filesystem mutation.
type PolicyViolationError struct {
	Host   string
	Role   string
	Volume string
	Reason string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("host %s: role %s: volume %s: policy violation: %s",
		e.Host, e.Role, e.Volume, e.Reason)
}

// OwnershipDriftError reports a managed path whose observed ownership
// does not match policy and cannot be safely auto-corrected. The
// enforcer surfaces drift instead of silently chowning over an
// unexpected owner.
type OwnershipDriftError struct {
	Host        string
	Path        string
	ObservedUID int
	ObservedGID int
	WantUID     int
	WantGID     int
}

func (e *OwnershipDriftError) Error() string {
	return fmt.Sprintf("host %s: path %s owned by %d:%d, policy requires %d:%d (not auto-corrected)",
		e.Host, e.Path, e.ObservedUID, e.ObservedGID, e.WantUID, e.WantGID)
}
