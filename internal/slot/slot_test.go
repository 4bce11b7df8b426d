package slot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOf_DeterministicInRange(t *testing.T) {
	ids := []string{"a", "b", "dataid#@#instance2#@#rpc", "x#@#y#@#z"}
	for _, id := range ids {
		s := Of(DefaultSlotCount, id)
		require.GreaterOrEqual(t, s, 0)
		require.Less(t, s, DefaultSlotCount)
		assert.Equal(t, s, Of(DefaultSlotCount, id))
	}
}

func TestTable_Filter(t *testing.T) {
	table := NewTable(5, []Slot{
		{ID: 0, Leader: "n1", Followers: []string{"n2"}, LeaderEpoch: 1},
		{ID: 1, Leader: "n2", Followers: []string{"n3"}, LeaderEpoch: 1},
		{ID: 2, Leader: "n3", Followers: []string{"n1"}, LeaderEpoch: 1},
	})

	f := table.Filter("n1")
	assert.EqualValues(t, 5, f.Epoch)
	assert.Len(t, f.Slots, 2)
	_, ok := f.Slot(0)
	assert.True(t, ok)
	_, ok = f.Slot(2)
	assert.True(t, ok)
	_, ok = f.Slot(1)
	assert.False(t, ok)

	assert.Equal(t, 1, table.LeaderCount("n1"))
	assert.Equal(t, 1, table.FollowerCount("n1"))
}

func TestTable_AssertNotLess(t *testing.T) {
	cur := NewTable(5, []Slot{{ID: 0, Leader: "n1", LeaderEpoch: 3}})
	next := NewTable(6, []Slot{{ID: 0, Leader: "n2", LeaderEpoch: 2}})
	assert.Panics(t, func() { cur.AssertNotLess(next) })

	ok := NewTable(6, []Slot{{ID: 0, Leader: "n2", LeaderEpoch: 4}})
	assert.NotPanics(t, func() { cur.AssertNotLess(ok) })
}

func TestAccessStatus_String(t *testing.T) {
	assert.Equal(t, "Accept", AccessAccept.String())
	assert.Equal(t, "Moved", AccessMoved.String())
	assert.Equal(t, "Migrating", AccessMigrating.String())
	assert.Equal(t, "MisMatch", AccessMisMatch.String())
}
