package slot

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wilsonvolker/sofa-registry/internal/config"
	"github.com/wilsonvolker/sofa-registry/internal/data/storage"
	"github.com/wilsonvolker/sofa-registry/internal/slot"
	"github.com/wilsonvolker/sofa-registry/internal/transport"
)

const localIP = "10.0.0.1"

type fixedSessions struct {
	mu   sync.Mutex
	list []string
}

func (f *fixedSessions) LiveSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.list...)
}

func (f *fixedSessions) set(list ...string) {
	f.mu.Lock()
	f.list = list
	f.mu.Unlock()
}

type okSessionExchanger struct {
	calls atomic.Int32
}

func (e *okSessionExchanger) SyncSession(sessionIP string, req *transport.SlotSyncRequest) (*transport.SlotSyncResponse, error) {
	e.calls.Add(1)
	return &transport.SlotSyncResponse{}, nil
}

type okDataExchanger struct {
	calls atomic.Int32
}

func (e *okDataExchanger) SyncLeader(leaderIP string, req *transport.SlotSyncRequest) (*transport.SlotSyncResponse, error) {
	e.calls.Add(1)
	return &transport.SlotSyncResponse{}, nil
}

func (e *okDataExchanger) SyncPublisher(dataIP string, req *transport.PublishRequest) (*transport.PublishResponse, error) {
	return &transport.PublishResponse{}, nil
}

func (e *okDataExchanger) GetData(dataIP string, req *transport.GetDataRequest) (*transport.GetDataResponse, error) {
	return &transport.GetDataResponse{}, nil
}

type recordingMeta struct {
	fetches atomic.Int64
}

func (m *recordingMeta) TriggerSlotTableFetch(expectEpoch int64) {
	m.fetches.Store(expectEpoch)
}

type managerFixture struct {
	manager  *Manager
	storage  *storage.Storage
	sessions *fixedSessions
	sessEx   *okSessionExchanger
	dataEx   *okDataExchanger
	meta     *recordingMeta
}

func newFixture(t *testing.T) *managerFixture {
	t.Helper()
	cfg := config.Default().Data
	cfg.SlotCount = 32
	st := storage.New("dc1", cfg.SlotCount, zap.NewNop())
	f := &managerFixture{
		storage:  st,
		sessions: &fixedSessions{},
		sessEx:   &okSessionExchanger{},
		dataEx:   &okDataExchanger{},
		meta:     &recordingMeta{},
	}
	f.manager = NewManager(Options{
		LocalIP:          localIP,
		Config:           cfg,
		Storage:          st,
		Sessions:         f.sessions,
		SessionExchanger: f.sessEx,
		DataExchanger:    f.dataEx,
		Meta:             f.meta,
		Listeners:        []ChangeListener{st},
	}, zap.NewNop())
	t.Cleanup(f.manager.Close)
	return f
}

func leaderTable(epoch, leaderEpoch int64, slotID int) *slot.Table {
	return slot.NewTable(epoch, []slot.Slot{
		{ID: slotID, Leader: localIP, Followers: []string{"10.0.0.9"}, LeaderEpoch: leaderEpoch},
	})
}

func TestManager_StaleTableIgnored(t *testing.T) {
	f := newFixture(t)

	assert.True(t, f.manager.UpdateTable(leaderTable(10, 1, 17)))
	require.Eventually(t, func() bool { return f.manager.TableEpoch() == 10 },
		time.Second, 10*time.Millisecond)

	assert.False(t, f.manager.UpdateTable(leaderTable(8, 1, 17)))
	assert.False(t, f.manager.UpdateTable(leaderTable(10, 1, 17)))
	assert.EqualValues(t, 10, f.manager.TableEpoch())

	assert.True(t, f.manager.UpdateTable(leaderTable(12, 1, 17)))
	require.Eventually(t, func() bool { return f.manager.TableEpoch() == 12 },
		time.Second, 10*time.Millisecond)
}

func TestManager_MigrationCompletes(t *testing.T) {
	f := newFixture(t)
	f.sessions.set("s1", "s2")

	require.True(t, f.manager.UpdateTable(leaderTable(10, 1, 17)))
	require.Eventually(t, func() bool { return f.manager.IsLeader(17) },
		time.Second, 10*time.Millisecond)

	// both sessions must sync before the slot accepts writes
	require.Eventually(t, func() bool {
		return f.manager.CheckAccess(17, 10, 1).Status == slot.AccessAccept
	}, 3*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, f.sessEx.calls.Load(), int32(2))

	statuses := f.manager.GetSlotStatuses()
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].Migrated)
	assert.Equal(t, storage.RoleLeader, statuses[0].Role)
}

func TestManager_AccessTransitions(t *testing.T) {
	f := newFixture(t)

	// unassigned slot
	assert.Equal(t, slot.AccessMoved, f.manager.CheckAccess(17, 0, 1).Status)

	// leadership gained but no live sessions: migration cannot finish
	require.True(t, f.manager.UpdateTable(leaderTable(10, 1, 17)))
	require.Eventually(t, func() bool { return f.manager.IsLeader(17) },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, slot.AccessMigrating, f.manager.CheckAccess(17, 10, 1).Status)

	// sessions arrive, migration completes
	f.sessions.set("s1")
	require.Eventually(t, func() bool {
		return f.manager.CheckAccess(17, 10, 1).Status == slot.AccessAccept
	}, 3*time.Second, 10*time.Millisecond)

	// a caller with the wrong leader generation is told so
	assert.Equal(t, slot.AccessMisMatch, f.manager.CheckAccess(17, 10, 9).Status)

	// a newer caller epoch triggers a meta refresh
	f.manager.CheckAccess(17, 99, 1)
	assert.EqualValues(t, 99, f.meta.fetches.Load())
}

func TestManager_LeaderEpochChangeRestartsMigration(t *testing.T) {
	f := newFixture(t)
	f.sessions.set("s1")

	require.True(t, f.manager.UpdateTable(leaderTable(10, 1, 17)))
	require.Eventually(t, func() bool {
		return f.manager.CheckAccess(17, 10, 1).Status == slot.AccessAccept
	}, 3*time.Second, 10*time.Millisecond)

	// the same slot comes back with a new leader generation
	f.sessions.set() // no live sessions: migration stays open
	require.True(t, f.manager.UpdateTable(leaderTable(11, 2, 17)))
	require.Eventually(t, func() bool {
		return f.manager.CheckAccess(17, 11, 2).Status == slot.AccessMigrating
	}, time.Second, 10*time.Millisecond)

	// and completes again once sessions return
	f.sessions.set("s1")
	require.Eventually(t, func() bool {
		return f.manager.CheckAccess(17, 11, 2).Status == slot.AccessAccept
	}, 3*time.Second, 10*time.Millisecond)
}

func TestManager_FollowerSyncsLeader(t *testing.T) {
	f := newFixture(t)

	table := slot.NewTable(10, []slot.Slot{
		{ID: 3, Leader: "10.0.0.9", Followers: []string{localIP}, LeaderEpoch: 1},
	})
	require.True(t, f.manager.UpdateTable(table))
	require.Eventually(t, func() bool { return f.manager.IsFollower(3) },
		time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return f.dataEx.calls.Load() >= 1 },
		3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		statuses := f.manager.GetSlotStatuses()
		return len(statuses) == 1 && !statuses[0].LastLeaderSyncTime.IsZero()
	}, 3*time.Second, 10*time.Millisecond)

	// a follower never accepts data writes
	assert.Equal(t, slot.AccessMoved, f.manager.CheckAccess(3, 10, 1).Status)
}

func TestManager_SlotRemovalDropsState(t *testing.T) {
	f := newFixture(t)
	f.sessions.set("s1")

	require.True(t, f.manager.UpdateTable(leaderTable(10, 1, 17)))
	require.Eventually(t, func() bool { return f.manager.IsLeader(17) },
		time.Second, 10*time.Millisecond)

	// the slot moves away entirely
	empty := slot.NewTable(11, nil)
	require.True(t, f.manager.UpdateTable(empty))
	require.Eventually(t, func() bool { return !f.manager.IsLeader(17) },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, slot.AccessMoved, f.manager.CheckAccess(17, 11, 1).Status)
}
