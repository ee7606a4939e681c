package identity

import (
	"fmt"

	"github.com/bastille-sh/bastille/pkg/types"
)

// Mapping is the identity-remapping triple for one host: the remap
// account plus its subordinate UID/GID range. It is a small value type
// so the derivation stays a pure function and cannot drift between
// call sites.
type Mapping struct {
	Account    string
	RangeStart int
	RangeSize  int
}

// PlatformMapping returns the fleet-wide standard mapping.
func PlatformMapping() Mapping {
	return Mapping{
		Account:    types.RemapAccount,
		RangeStart: types.SubordinateRangeStart,
		RangeSize:  types.SubordinateRangeSize,
	}
}

// Remap derives the host-side UID/GID for a container-internal
// identity. Pure: the same (rangeStart, uid) always produces the same
// host ID, which is what keeps file ownership stable across passes and
// across hosts.
func (m Mapping) Remap(containerID int) int {
	return m.RangeStart + containerID
}

// Contains reports whether a container-internal identity falls inside
// the subordinate range.
func (m Mapping) Contains(containerID int) bool {
	return containerID >= 0 && containerID < m.RangeSize
}

// CheckContains returns an error naming the identity if it falls
// outside the subordinate range.
func (m Mapping) CheckContains(containerID int) error {
	if !m.Contains(containerID) {
		return fmt.Errorf("container identity %d outside subordinate range (size %d)", containerID, m.RangeSize)
	}
	return nil
}

// Overlaps reports whether two ranges share any host ID.
func (m Mapping) Overlaps(other Mapping) bool {
	return m.RangeStart < other.RangeStart+other.RangeSize &&
		other.RangeStart < m.RangeStart+m.RangeSize
}

// RangeConflictError reports that a host's subordinate registry claims
// a range incompatible with the platform mapping. The platform allows
// exactly one remap account per host, and its range must never change
// once files have been written under it.
type RangeConflictError struct {
	Host     string
	Account  string // the conflicting registry account
	Observed Mapping
	Want     Mapping
}

func (e *RangeConflictError) Error() string {
	if e.Account != e.Want.Account {
		return fmt.Sprintf("host %s: subordinate range %d:%d claimed by account %q overlaps range for %q",
			e.Host, e.Observed.RangeStart, e.Observed.RangeSize, e.Account, e.Want.Account)
	}
	return fmt.Sprintf("host %s: remap account %q has range %d:%d, want %d:%d (changing it would orphan existing ownership)",
		e.Host, e.Account, e.Observed.RangeStart, e.Observed.RangeSize, e.Want.RangeStart, e.Want.RangeSize)
}
