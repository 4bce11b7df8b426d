// Package storage is the data tier's in-memory datum store, partitioned by slot.
package storage

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wilsonvolker/sofa-registry/internal/model"
	"github.com/wilsonvolker/sofa-registry/internal/slot"
	"github.com/wilsonvolker/sofa-registry/pkg/errors"
)

// Role is the local role for a slot partition.
type Role int

const (
	RoleLeader Role = iota
	RoleFollower
)

func (r Role) String() string {
	if r == RoleLeader {
		return "leader"
	}
	return "follower"
}

// ChangeHandler observes datum version advances, used to notify sessions.
type ChangeHandler func(dataCenter, dataInfoId string, version int64)

// Storage owns the datums of the slots assigned to this node. Partitions are
// allocated and dropped by the slot manager through OnSlotAdd/OnSlotRemove.
type Storage struct {
	dataCenter string
	slotCount  int
	log        *zap.Logger
	onChange   ChangeHandler

	mu    sync.RWMutex
	slots map[int]*slotStore
}

type slotStore struct {
	mu     sync.RWMutex
	datums map[string]*model.Datum
}

// New creates an empty storage for the local data center.
func New(dataCenter string, slotCount int, log *zap.Logger) *Storage {
	return &Storage{
		dataCenter: dataCenter,
		slotCount:  slotCount,
		log:        log.Named("storage"),
		slots:      make(map[int]*slotStore),
	}
}

// SetChangeHandler installs the version-advance callback.
func (s *Storage) SetChangeHandler(h ChangeHandler) {
	s.onChange = h
}

// OnSlotAdd allocates the slot's partition.
func (s *Storage) OnSlotAdd(slotID int, role Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[slotID]; !ok {
		s.slots[slotID] = &slotStore{datums: make(map[string]*model.Datum)}
		s.log.Info("add slot partition", zap.Int("slotId", slotID), zap.Stringer("role", role))
	}
}

// OnSlotRemove drops the slot's partition and its datums.
func (s *Storage) OnSlotRemove(slotID int, role Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[slotID]; ok {
		delete(s.slots, slotID)
		s.log.Info("remove slot partition", zap.Int("slotId", slotID), zap.Stringer("role", role))
	}
}

func (s *Storage) slotStore(slotID int) (*slotStore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ss, ok := s.slots[slotID]
	if !ok {
		return nil, fmt.Errorf("slot %d: %w", slotID, errors.ErrSlotNotAssigned)
	}
	return ss, nil
}

// Put upserts a publisher entry. For an existing registerId the publisher
// version must advance, or stay equal with a newer register timestamp; stale
// entries leave the datum untouched. On change the datum version bumps and the
// change handler fires.
func (s *Storage) Put(pub *model.Publisher) (int64, error) {
	slotID := slot.Of(s.slotCount, pub.DataInfoId)
	ss, err := s.slotStore(slotID)
	if err != nil {
		return 0, err
	}
	ss.mu.Lock()
	datum, ok := ss.datums[pub.DataInfoId]
	if !ok {
		datum = model.NewDatum(s.dataCenter, pub.DataInfoId)
		ss.datums[pub.DataInfoId] = datum
	}
	if exist, ok := datum.Publishers[pub.RegisterId]; ok {
		if pub.Version < exist.Version ||
			(pub.Version == exist.Version && pub.RegisterTimestamp <= exist.RegisterTimestamp) {
			version := datum.Version
			ss.mu.Unlock()
			return version, nil
		}
	}
	datum.Publishers[pub.RegisterId] = pub
	datum.Version = model.NextVersion()
	version := datum.Version
	ss.mu.Unlock()

	s.fireChange(pub.DataInfoId, version)
	return version, nil
}

// Remove deletes a publisher entry; the datum disappears once empty.
func (s *Storage) Remove(dataInfoId, registerId string) (int64, error) {
	slotID := slot.Of(s.slotCount, dataInfoId)
	ss, err := s.slotStore(slotID)
	if err != nil {
		return 0, err
	}
	ss.mu.Lock()
	datum, ok := ss.datums[dataInfoId]
	if !ok {
		ss.mu.Unlock()
		return 0, nil
	}
	if _, ok := datum.Publishers[registerId]; !ok {
		version := datum.Version
		ss.mu.Unlock()
		return version, nil
	}
	delete(datum.Publishers, registerId)
	var version int64
	if len(datum.Publishers) == 0 {
		delete(ss.datums, dataInfoId)
		version = model.NextVersion()
	} else {
		datum.Version = model.NextVersion()
		version = datum.Version
	}
	ss.mu.Unlock()

	s.fireChange(dataInfoId, version)
	return version, nil
}

// Get returns a copy of the datum, nil when absent.
func (s *Storage) Get(dataInfoId string) (*model.Datum, error) {
	slotID := slot.Of(s.slotCount, dataInfoId)
	ss, err := s.slotStore(slotID)
	if err != nil {
		return nil, err
	}
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	datum, ok := ss.datums[dataInfoId]
	if !ok {
		return nil, nil
	}
	return datum.Copy(), nil
}

// GetVersions returns the slot's datum versions keyed by dataInfoId.
func (s *Storage) GetVersions(slotID int) (map[string]int64, error) {
	ss, err := s.slotStore(slotID)
	if err != nil {
		return nil, err
	}
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	out := make(map[string]int64, len(ss.datums))
	for id, d := range ss.datums {
		out[id] = d.Version
	}
	return out, nil
}

// GetAll returns copies of every datum in the slot.
func (s *Storage) GetAll(slotID int) ([]*model.Datum, error) {
	ss, err := s.slotStore(slotID)
	if err != nil {
		return nil, err
	}
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	out := make([]*model.Datum, 0, len(ss.datums))
	for _, d := range ss.datums {
		out = append(out, d.Copy())
	}
	return out, nil
}

// Merge applies a diff-sync page: incoming datums merge entry-wise by higher
// publisher version, removed dataInfoIds drop. Merging is idempotent so a
// re-run after an aborted sync reconciles cleanly.
//
// With notify set (a leader merging session state) changed datums mint a
// fresh local version and raise change events. Without it (a follower tailing
// its leader) the leader's versions are adopted as-is so the follower's
// known-versions converge.
func (s *Storage) Merge(slotID int, added []*model.Datum, removed []string, notify bool) error {
	ss, err := s.slotStore(slotID)
	if err != nil {
		return err
	}
	type change struct {
		dataInfoId string
		version    int64
	}
	var changes []change

	ss.mu.Lock()
	for _, in := range added {
		datum, ok := ss.datums[in.DataInfoId]
		if !ok {
			datum = model.NewDatum(s.dataCenter, in.DataInfoId)
			ss.datums[in.DataInfoId] = datum
		}
		changed := false
		for registerId, pub := range in.Publishers {
			exist, ok := datum.Publishers[registerId]
			if !ok || pub.Version > exist.Version {
				datum.Publishers[registerId] = pub
				changed = true
			}
		}
		if notify {
			if changed {
				datum.Version = model.NextVersion()
				changes = append(changes, change{in.DataInfoId, datum.Version})
			}
		} else if !ok || in.Version > datum.Version {
			datum.Version = in.Version
			changes = append(changes, change{in.DataInfoId, datum.Version})
		}
	}
	for _, dataInfoId := range removed {
		if _, ok := ss.datums[dataInfoId]; ok {
			delete(ss.datums, dataInfoId)
			changes = append(changes, change{dataInfoId, model.NextVersion()})
		}
	}
	ss.mu.Unlock()

	if notify {
		for _, c := range changes {
			s.fireChange(c.dataInfoId, c.version)
		}
	}
	return nil
}

// UpdateVersion bumps every datum version in the slot. Called once migration
// finishes so the new leader's versions order after the old leader's.
func (s *Storage) UpdateVersion(slotID int) {
	ss, err := s.slotStore(slotID)
	if err != nil {
		return
	}
	ss.mu.Lock()
	for _, d := range ss.datums {
		d.Version = model.NextVersion()
	}
	ss.mu.Unlock()
}

// DataCenter returns the local data center name.
func (s *Storage) DataCenter() string {
	return s.dataCenter
}

func (s *Storage) fireChange(dataInfoId string, version int64) {
	if s.onChange != nil {
		s.onChange(s.dataCenter, dataInfoId, version)
	}
}
