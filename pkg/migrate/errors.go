package migrate

import "fmt"

// PreconditionError reports that a destination host is not ready to
// receive a migration. The orchestrator never prepares a destination
// itself: identity, directories, and network come from a prior
// reconciliation pass.
type PreconditionError struct {
	DestHost string
	Role     string
	Reason   string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("destination %s not ready for role %s: %s",
		e.DestHost, e.Role, e.Reason)
}
