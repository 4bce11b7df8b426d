package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wilsonvolker/sofa-registry/internal/slot"
)

func TestSlotTableCache_EpochGuard(t *testing.T) {
	c := NewSlotTableCache(slot.DefaultSlotCount, zap.NewNop())
	assert.EqualValues(t, 0, c.Epoch())

	t10 := slot.NewTable(10, []slot.Slot{{ID: 0, Leader: "n1", LeaderEpoch: 1}})
	require.True(t, c.Update(t10))
	assert.EqualValues(t, 10, c.Epoch())

	t8 := slot.NewTable(8, []slot.Slot{{ID: 0, Leader: "n2", LeaderEpoch: 2}})
	assert.False(t, c.Update(t8))
	assert.EqualValues(t, 10, c.Epoch())

	assert.False(t, c.Update(t10))

	t12 := slot.NewTable(12, []slot.Slot{{ID: 0, Leader: "n3", LeaderEpoch: 3}})
	require.True(t, c.Update(t12))
	assert.EqualValues(t, 12, c.Epoch())
}

func TestSlotTableCache_LeaderOf(t *testing.T) {
	c := NewSlotTableCache(4, zap.NewNop())

	dataInfoId := "dataid#@#instance2#@#rpc"
	slotID := c.SlotOf(dataInfoId)

	_, _, _, ok := c.LeaderOf(dataInfoId)
	assert.False(t, ok)

	table := slot.NewTable(1, []slot.Slot{{ID: slotID, Leader: "n1", LeaderEpoch: 7}})
	require.True(t, c.Update(table))

	gotSlot, leader, leaderEpoch, ok := c.LeaderOf(dataInfoId)
	require.True(t, ok)
	assert.Equal(t, slotID, gotSlot)
	assert.Equal(t, "n1", leader)
	assert.EqualValues(t, 7, leaderEpoch)
}
