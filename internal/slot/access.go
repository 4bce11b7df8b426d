package slot

import "fmt"

// AccessStatus is the closed result set of a slot access check.
type AccessStatus int

const (
	// AccessAccept means this node is the migrated leader at the caller's epoch.
	AccessAccept AccessStatus = iota
	// AccessMoved means the slot is not led here; the caller must re-route.
	AccessMoved
	// AccessMigrating means this node leads the slot but has not finished
	// refilling from sessions; writes are not yet safe.
	AccessMigrating
	// AccessMisMatch means the caller's leader epoch differs from ours.
	AccessMisMatch
)

func (s AccessStatus) String() string {
	switch s {
	case AccessAccept:
		return "Accept"
	case AccessMoved:
		return "Moved"
	case AccessMigrating:
		return "Migrating"
	case AccessMisMatch:
		return "MisMatch"
	default:
		return "unknown"
	}
}

// Access is the outcome of checking an incoming data request against the
// local slot state.
type Access struct {
	SlotID         int
	Status         AccessStatus
	SlotTableEpoch int64
	LeaderEpoch    int64
}

// Accepted reports whether the request may proceed.
func (a Access) Accepted() bool {
	return a.Status == AccessAccept
}

func (a Access) String() string {
	return fmt.Sprintf("access{slot=%d, status=%s, tableEpoch=%d, leaderEpoch=%d}",
		a.SlotID, a.Status, a.SlotTableEpoch, a.LeaderEpoch)
}
