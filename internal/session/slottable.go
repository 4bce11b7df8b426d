package session

import (
	"sync"

	"go.uber.org/zap"

	"github.com/wilsonvolker/sofa-registry/internal/slot"
)

// SlotTableCache is the session tier's epoch-guarded view of the slot table,
// updated from the meta heartbeat.
type SlotTableCache struct {
	slotCount int
	log       *zap.Logger

	mu    sync.RWMutex
	table *slot.Table
}

// NewSlotTableCache starts from the empty table.
func NewSlotTableCache(slotCount int, log *zap.Logger) *SlotTableCache {
	return &SlotTableCache{
		slotCount: slotCount,
		log:       log.Named("slotTable"),
		table:     slot.InitTable(),
	}
}

// Update accepts only strictly newer epochs.
func (c *SlotTableCache) Update(t *slot.Table) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.Epoch <= c.table.Epoch {
		c.log.Warn("skip stale slot table",
			zap.Int64("update", t.Epoch), zap.Int64("current", c.table.Epoch))
		return false
	}
	c.table = t
	c.log.Info("slot table updated", zap.Int64("epoch", t.Epoch))
	return true
}

// Epoch returns the current table epoch.
func (c *SlotTableCache) Epoch() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.table.Epoch
}

// SlotOf maps a dataInfoId to its slot.
func (c *SlotTableCache) SlotOf(dataInfoId string) int {
	return slot.Of(c.slotCount, dataInfoId)
}

// LeaderOf returns the slot's leader and leader epoch for a dataInfoId.
func (c *SlotTableCache) LeaderOf(dataInfoId string) (slotID int, leader string, leaderEpoch int64, ok bool) {
	slotID = c.SlotOf(dataInfoId)
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, exist := c.table.Slot(slotID)
	if !exist {
		return slotID, "", 0, false
	}
	return slotID, s.Leader, s.LeaderEpoch, true
}
