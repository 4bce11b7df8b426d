// Package slot models the hash partitioning shared by the session and data tiers.
package slot

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// DefaultSlotCount is the fixed partition count unless configured otherwise.
const DefaultSlotCount = 256

// Of maps a dataInfoId to its slot. Session and data tiers must use the same
// function and count.
func Of(slotCount int, dataInfoId string) int {
	return int(xxhash.Sum64String(dataInfoId) % uint64(slotCount))
}

// Slot is one partition assignment: a leader, its followers, and the leader
// generation epoch.
type Slot struct {
	ID          int
	Leader      string
	Followers   []string
	LeaderEpoch int64
}

// HasFollower reports whether ip is one of the slot's followers.
func (s Slot) HasFollower(ip string) bool {
	for _, f := range s.Followers {
		if f == ip {
			return true
		}
	}
	return false
}

func (s Slot) String() string {
	return fmt.Sprintf("slot{id=%d, leader=%s, leaderEpoch=%d, followers=%v}",
		s.ID, s.Leader, s.LeaderEpoch, s.Followers)
}

// Table is a slot-table snapshot disseminated by the meta tier.
type Table struct {
	Epoch int64
	Slots map[int]Slot
}

// NewTable builds a table from a slot list.
func NewTable(epoch int64, slots []Slot) *Table {
	m := make(map[int]Slot, len(slots))
	for _, s := range slots {
		m[s.ID] = s
	}
	return &Table{Epoch: epoch, Slots: m}
}

// InitTable is the empty table every node starts from.
func InitTable() *Table {
	return &Table{Epoch: 0, Slots: map[int]Slot{}}
}

// Slot returns the slot with the given id.
func (t *Table) Slot(id int) (Slot, bool) {
	s, ok := t.Slots[id]
	return s, ok
}

// Filter keeps only the slots where ip is leader or follower.
func (t *Table) Filter(ip string) *Table {
	f := &Table{Epoch: t.Epoch, Slots: make(map[int]Slot)}
	for id, s := range t.Slots {
		if s.Leader == ip || s.HasFollower(ip) {
			f.Slots[id] = s
		}
	}
	return f
}

// LeaderCount counts the slots led by ip.
func (t *Table) LeaderCount(ip string) int {
	n := 0
	for _, s := range t.Slots {
		if s.Leader == ip {
			n++
		}
	}
	return n
}

// FollowerCount counts the slots followed by ip.
func (t *Table) FollowerCount(ip string) int {
	n := 0
	for _, s := range t.Slots {
		if s.HasFollower(ip) {
			n++
		}
	}
	return n
}

// SlotIDs returns the table's slot ids in ascending order.
func (t *Table) SlotIDs() []int {
	ids := make([]int, 0, len(t.Slots))
	for id := range t.Slots {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// AssertNotLess panics if next regresses any leader epoch this table carries.
// A regression means the meta tier handed out a broken table; that is a bug,
// not a recoverable condition.
func (t *Table) AssertNotLess(next *Table) {
	for id, s := range t.Slots {
		ns, ok := next.Slots[id]
		if ok && ns.LeaderEpoch < s.LeaderEpoch {
			panic(fmt.Sprintf("slot table epoch=%d regresses leaderEpoch of %s to %d",
				next.Epoch, s, ns.LeaderEpoch))
		}
	}
}
