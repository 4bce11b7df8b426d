package storage

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wilsonvolker/sofa-registry/internal/model"
	"github.com/wilsonvolker/sofa-registry/internal/slot"
	"github.com/wilsonvolker/sofa-registry/pkg/errors"
)

func newStorage(t *testing.T, dataInfoIds ...string) *Storage {
	t.Helper()
	st := New("dc1", slot.DefaultSlotCount, zap.NewNop())
	for _, id := range dataInfoIds {
		st.OnSlotAdd(slot.Of(slot.DefaultSlotCount, id), RoleLeader)
	}
	return st
}

func pub(dataInfoId, registerId string, version int64) *model.Publisher {
	p := &model.Publisher{}
	p.DataInfoId = dataInfoId
	p.RegisterId = registerId
	p.Version = version
	p.RegisterTimestamp = version
	return p
}

func TestStorage_PutVersionGuard(t *testing.T) {
	st := newStorage(t, "d1")

	v1, err := st.Put(pub("d1", "r1", 5))
	require.NoError(t, err)

	// stale publisher version leaves the datum untouched
	v2, err := st.Put(pub("d1", "r1", 4))
	require.NoError(t, err)
	assert.Equal(t, v1, v2)

	datum, err := st.Get("d1")
	require.NoError(t, err)
	assert.EqualValues(t, 5, datum.Publishers["r1"].Version)

	// newer publisher version advances the datum
	v3, err := st.Put(pub("d1", "r1", 6))
	require.NoError(t, err)
	assert.Greater(t, v3, v1)
}

func TestStorage_UnassignedSlot(t *testing.T) {
	st := New("dc1", slot.DefaultSlotCount, zap.NewNop())
	_, err := st.Put(pub("d1", "r1", 1))
	assert.ErrorIs(t, err, errors.ErrSlotNotAssigned)
}

func TestStorage_RemoveEmptiesDatum(t *testing.T) {
	st := newStorage(t, "d1")
	_, err := st.Put(pub("d1", "r1", 1))
	require.NoError(t, err)
	_, err = st.Remove("d1", "r1")
	require.NoError(t, err)

	datum, err := st.Get("d1")
	require.NoError(t, err)
	assert.Nil(t, datum)

	versions, err := st.GetVersions(slot.Of(slot.DefaultSlotCount, "d1"))
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestStorage_ChangeHandlerFires(t *testing.T) {
	st := newStorage(t, "d1")
	var mu sync.Mutex
	var events []int64
	st.SetChangeHandler(func(dataCenter, dataInfoId string, version int64) {
		mu.Lock()
		events = append(events, version)
		mu.Unlock()
	})

	_, err := st.Put(pub("d1", "r1", 1))
	require.NoError(t, err)
	_, err = st.Put(pub("d1", "r1", 1)) // no change, no event
	require.NoError(t, err)
	_, err = st.Remove("d1", "r1")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Greater(t, events[1], events[0])
}

func TestStorage_MergeIdempotent(t *testing.T) {
	st := newStorage(t, "d1")
	slotID := slot.Of(slot.DefaultSlotCount, "d1")

	in := &model.Datum{
		DataInfoId: "d1",
		Version:    10,
		Publishers: map[string]*model.Publisher{"r1": pub("d1", "r1", 3)},
	}
	require.NoError(t, st.Merge(slotID, []*model.Datum{in}, nil, true))
	versions, err := st.GetVersions(slotID)
	require.NoError(t, err)
	first := versions["d1"]
	require.NotZero(t, first)

	// the same page applies again without effect
	require.NoError(t, st.Merge(slotID, []*model.Datum{in}, nil, true))
	versions, err = st.GetVersions(slotID)
	require.NoError(t, err)
	assert.Equal(t, first, versions["d1"])

	// removal drops the datum
	require.NoError(t, st.Merge(slotID, nil, []string{"d1"}, true))
	datum, err := st.Get("d1")
	require.NoError(t, err)
	assert.Nil(t, datum)
}

func TestStorage_MergeFollowerAdoptsLeaderVersions(t *testing.T) {
	st := newStorage(t, "d1")
	slotID := slot.Of(slot.DefaultSlotCount, "d1")

	in := &model.Datum{
		DataInfoId: "d1",
		Version:    12345,
		Publishers: map[string]*model.Publisher{"r1": pub("d1", "r1", 3)},
	}
	require.NoError(t, st.Merge(slotID, []*model.Datum{in}, nil, false))

	versions, err := st.GetVersions(slotID)
	require.NoError(t, err)
	assert.EqualValues(t, 12345, versions["d1"])
}

func TestStorage_UpdateVersionBumpsAll(t *testing.T) {
	st := newStorage(t, "d1")
	slotID := slot.Of(slot.DefaultSlotCount, "d1")
	_, err := st.Put(pub("d1", "r1", 1))
	require.NoError(t, err)
	before, err := st.GetVersions(slotID)
	require.NoError(t, err)

	st.UpdateVersion(slotID)

	after, err := st.GetVersions(slotID)
	require.NoError(t, err)
	assert.Greater(t, after["d1"], before["d1"])
}

func TestStorage_SlotRemoveDropsData(t *testing.T) {
	st := newStorage(t, "d1")
	slotID := slot.Of(slot.DefaultSlotCount, "d1")
	_, err := st.Put(pub("d1", "r1", 1))
	require.NoError(t, err)

	st.OnSlotRemove(slotID, RoleLeader)
	_, err = st.Get("d1")
	assert.ErrorIs(t, err, errors.ErrSlotNotAssigned)
}
