// Package store keeps the session tier's in-memory registration indexes.
//
// Each store is indexed twice: by dataInfoId and by connect id. Both indexes
// mutate under one lock so they always agree at quiescent points.
package store

import (
	"sync"

	"go.uber.org/zap"

	"github.com/wilsonvolker/sofa-registry/internal/metrics"
	"github.com/wilsonvolker/sofa-registry/internal/model"
)

// Store is the two-index registration store, generic over the registration kind.
type Store[R model.Registration] struct {
	name string
	log  *zap.Logger

	mu sync.RWMutex
	// byDataInfoId: dataInfoId -> registerId -> reg
	byDataInfoId map[string]map[string]R
	// byConnectId: connectId -> dataInfoId -> registerId -> reg
	byConnectId map[model.ConnectId]map[string]map[string]R
	count       int
}

// New creates a named store.
func New[R model.Registration](name string, log *zap.Logger) *Store[R] {
	return &Store[R]{
		name:         name,
		log:          log.Named(name),
		byDataInfoId: make(map[string]map[string]R),
		byConnectId:  make(map[model.ConnectId]map[string]map[string]R),
	}
}

// Add inserts or replaces the registration keyed by (dataInfoId, registerId).
// When the existing record belongs to a different connection, the new one wins
// only if its registerTimestamp is not older and its version is not smaller;
// a stale reconnection must not resurrect a dead registration. Returns whether
// the store changed.
func (s *Store[R]) Add(reg R) bool {
	base := reg.Base()
	dataInfoId := base.DataInfoId
	registerId := base.RegisterId
	connectId := base.ConnectId()

	s.mu.Lock()
	defer s.mu.Unlock()

	infos := s.byDataInfoId[dataInfoId]
	if infos == nil {
		infos = make(map[string]R)
		s.byDataInfoId[dataInfoId] = infos
	}
	if exist, ok := infos[registerId]; ok {
		existBase := exist.Base()
		existConnect := existBase.ConnectId()
		if existConnect != connectId {
			if base.RegisterTimestamp < existBase.RegisterTimestamp ||
				base.Version < existBase.Version {
				s.log.Debug("reject stale add",
					zap.String("dataInfoId", dataInfoId),
					zap.String("registerId", registerId),
					zap.Stringer("exist", existConnect),
					zap.Stringer("new", connectId))
				return false
			}
			s.removeConnectIndexLocked(existConnect, dataInfoId, registerId)
		} else {
			s.removeConnectIndexLocked(existConnect, dataInfoId, registerId)
		}
		s.count--
	}
	infos[registerId] = reg

	conns := s.byConnectId[connectId]
	if conns == nil {
		conns = make(map[string]map[string]R)
		s.byConnectId[connectId] = conns
	}
	regs := conns[dataInfoId]
	if regs == nil {
		regs = make(map[string]R)
		conns[dataInfoId] = regs
	}
	regs[registerId] = reg
	s.count++
	metrics.StoreRegistrations.WithLabelValues(s.name).Set(float64(s.count))
	return true
}

// DeleteById removes the single record keyed by (dataInfoId, registerId).
func (s *Store[R]) DeleteById(registerId, dataInfoId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := s.byDataInfoId[dataInfoId]
	reg, ok := infos[registerId]
	if !ok {
		return false
	}
	delete(infos, registerId)
	if len(infos) == 0 {
		delete(s.byDataInfoId, dataInfoId)
	}
	s.removeConnectIndexLocked(reg.Base().ConnectId(), dataInfoId, registerId)
	s.count--
	metrics.StoreRegistrations.WithLabelValues(s.name).Set(float64(s.count))
	return true
}

// DeleteByConnectId removes every record registered on the connection. It is
// idempotent, and it must not touch records that have since been replaced by a
// different connection: the dataInfoId index entry is removed only if the
// current record there still carries the argument connect id.
func (s *Store[R]) DeleteByConnectId(connectId model.ConnectId) []R {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := s.byConnectId[connectId]
	if conns == nil {
		return nil
	}
	delete(s.byConnectId, connectId)

	var removed []R
	for dataInfoId, regs := range conns {
		infos := s.byDataInfoId[dataInfoId]
		for registerId := range regs {
			current, ok := infos[registerId]
			if !ok {
				continue
			}
			// compare-and-delete: a reconnection may own this key now
			if current.Base().ConnectId() != connectId {
				continue
			}
			delete(infos, registerId)
			removed = append(removed, current)
			s.count--
		}
		if len(infos) == 0 {
			delete(s.byDataInfoId, dataInfoId)
		}
	}
	metrics.StoreRegistrations.WithLabelValues(s.name).Set(float64(s.count))
	return removed
}

// QueryByConnectId returns a copy of the connection's records keyed by registerId.
func (s *Store[R]) QueryByConnectId(connectId model.ConnectId) map[string]R {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]R)
	for _, regs := range s.byConnectId[connectId] {
		for registerId, reg := range regs {
			out[registerId] = reg
		}
	}
	return out
}

// GetDatas returns all registrations on the dataInfoId.
func (s *Store[R]) GetDatas(dataInfoId string) []R {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := s.byDataInfoId[dataInfoId]
	out := make([]R, 0, len(infos))
	for _, reg := range infos {
		out = append(out, reg)
	}
	return out
}

// Get returns the record keyed by (dataInfoId, registerId).
func (s *Store[R]) Get(dataInfoId, registerId string) (R, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.byDataInfoId[dataInfoId][registerId]
	return reg, ok
}

// DataInfoIds returns the distinct dataInfoIds with at least one record.
func (s *Store[R]) DataInfoIds() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byDataInfoId))
	for id := range s.byDataInfoId {
		out = append(out, id)
	}
	return out
}

// Count returns the number of live registrations.
func (s *Store[R]) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// ConnectIds returns the distinct connect ids with at least one record.
func (s *Store[R]) ConnectIds() []model.ConnectId {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ConnectId, 0, len(s.byConnectId))
	for c := range s.byConnectId {
		out = append(out, c)
	}
	return out
}

func (s *Store[R]) removeConnectIndexLocked(connectId model.ConnectId, dataInfoId, registerId string) {
	conns := s.byConnectId[connectId]
	if conns == nil {
		return
	}
	regs := conns[dataInfoId]
	if regs == nil {
		return
	}
	delete(regs, registerId)
	if len(regs) == 0 {
		delete(conns, dataInfoId)
	}
	if len(conns) == 0 {
		delete(s.byConnectId, connectId)
	}
}
