// Package slot runs the data tier's per-node slot state machine: it reacts to
// slot table epoch advances, drives migration when a slot gains a new leader,
// and runs the steady-state sync loops (leader to sessions, follower from
// leader).
package slot

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wilsonvolker/sofa-registry/internal/config"
	"github.com/wilsonvolker/sofa-registry/internal/data/storage"
	"github.com/wilsonvolker/sofa-registry/internal/metrics"
	"github.com/wilsonvolker/sofa-registry/internal/model"
	"github.com/wilsonvolker/sofa-registry/internal/slot"
	"github.com/wilsonvolker/sofa-registry/internal/task"
	"github.com/wilsonvolker/sofa-registry/internal/transport"
)

const (
	watchdogInterval    = 200 * time.Millisecond
	syncLeaderSlowAfter = 5 * time.Second
	syncSessionGroups   = 8
)

// DatumStorage is the slice of the datum store the slot machinery needs.
type DatumStorage interface {
	GetVersions(slotID int) (map[string]int64, error)
	GetAll(slotID int) ([]*model.Datum, error)
	Merge(slotID int, added []*model.Datum, removed []string, notify bool) error
	UpdateVersion(slotID int)
}

// SessionLister yields the currently-live session IPs.
type SessionLister interface {
	LiveSessions() []string
}

// ChangeListener observes slots arriving at and leaving this node so storage
// can allocate and drop partitions.
type ChangeListener interface {
	OnSlotAdd(slotID int, role storage.Role)
	OnSlotRemove(slotID int, role storage.Role)
}

// Manager owns the local slot table view and the per-slot worker state.
type Manager struct {
	localIP   string
	slotCount int
	cfg       config.Data
	log       *zap.Logger
	migrating *zap.Logger

	storage   DatumStorage
	sessions  SessionLister
	sessionEx transport.SessionExchanger
	dataEx    transport.DataNodeExchanger
	meta      transport.MetaClient
	recorders []Recorder
	listeners []ChangeListener

	migrateExecutor     *task.KeyedExecutor
	syncSessionExecutor *task.KeyedExecutor
	syncLeaderExecutor  *task.KeyedExecutor

	// the sync and migrating may run in parallel when the slot role changes;
	// the datum merge is idempotent, the migration-finish version bump only
	// happens after sync-leader is quiescent
	updating atomic.Pointer[slot.Table]
	watchdog *task.Loop

	// guards (table, states) structure; per-state fields are watchdog-owned
	// and published through atomics
	lock   sync.RWMutex
	table  *slot.Table
	states map[int]*slotState
}

// Options wires the manager's collaborators.
type Options struct {
	LocalIP          string
	Config           config.Data
	Storage          DatumStorage
	Sessions         SessionLister
	SessionExchanger transport.SessionExchanger
	DataExchanger    transport.DataNodeExchanger
	Meta             transport.MetaClient
	Recorders        []Recorder
	Listeners        []ChangeListener
}

// NewManager creates the manager and starts its watchdog.
func NewManager(opts Options, log *zap.Logger) *Manager {
	m := &Manager{
		localIP:   opts.LocalIP,
		slotCount: opts.Config.SlotCount,
		cfg:       opts.Config,
		log:       log.Named("slot"),
		migrating: log.Named("migrating"),
		storage:   opts.Storage,
		sessions:  opts.Sessions,
		sessionEx: opts.SessionExchanger,
		dataEx:    opts.DataExchanger,
		meta:      opts.Meta,
		recorders: opts.Recorders,
		listeners: opts.Listeners,
		table:     slot.InitTable(),
		states:    make(map[int]*slotState),
	}
	ex := opts.Config.MigrateSessionExecutor
	m.migrateExecutor = task.NewKeyedExecutor("migrate-session", ex.Workers, ex.QueueSize, log)
	ex = opts.Config.SyncSessionExecutor
	m.syncSessionExecutor = task.NewKeyedExecutor("sync-session", ex.Workers, ex.QueueSize, log)
	ex = opts.Config.SyncLeaderExecutor
	m.syncLeaderExecutor = task.NewKeyedExecutor("sync-leader", ex.Workers, ex.QueueSize, log)
	m.watchdog = task.NewLoop(watchdogInterval, m.tick)
	return m
}

// Close stops the watchdog and executors.
func (m *Manager) Close() {
	m.watchdog.Close()
	m.migrateExecutor.Close()
	m.syncSessionExecutor.Close()
	m.syncLeaderExecutor.Close()
}

// SlotOf maps a dataInfoId to its slot.
func (m *Manager) SlotOf(dataInfoId string) int {
	return slot.Of(m.slotCount, dataInfoId)
}

// GetSlot returns the local view of the slot, false when unassigned here.
func (m *Manager) GetSlot(slotID int) (slot.Slot, bool) {
	m.lock.RLock()
	state := m.states[slotID]
	m.lock.RUnlock()
	if state == nil {
		return slot.Slot{}, false
	}
	return *state.slot.Load(), true
}

// IsLeader reports whether this node currently leads the slot.
func (m *Manager) IsLeader(slotID int) bool {
	s, ok := m.GetSlot(slotID)
	return ok && s.Leader == m.localIP
}

// IsFollower reports whether this node currently follows the slot.
func (m *Manager) IsFollower(slotID int) bool {
	s, ok := m.GetSlot(slotID)
	return ok && s.HasFollower(m.localIP)
}

// TableEpoch returns the epoch of the applied slot table.
func (m *Manager) TableEpoch() int64 {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.table.Epoch
}

// CheckAccess gates every incoming data RPC. When the caller knows a newer
// slot table than ours, an out-of-band refresh is triggered before answering.
func (m *Manager) CheckAccess(slotID int, srcSlotEpoch, srcLeaderEpoch int64) slot.Access {
	m.lock.RLock()
	currentEpoch := m.table.Epoch
	state := m.states[slotID]
	m.lock.RUnlock()

	if currentEpoch < srcSlotEpoch && m.meta != nil {
		m.meta.TriggerSlotTableFetch(srcSlotEpoch)
	}
	access := m.checkAccess(slotID, currentEpoch, state, srcLeaderEpoch)
	metrics.SlotAccessTotal.WithLabelValues(access.Status.String()).Inc()
	return access
}

func (m *Manager) checkAccess(slotID int, currentEpoch int64, state *slotState, srcLeaderEpoch int64) slot.Access {
	if state == nil {
		return slot.Access{SlotID: slotID, Status: slot.AccessMoved, SlotTableEpoch: currentEpoch, LeaderEpoch: -1}
	}
	s := *state.slot.Load()
	if s.Leader != m.localIP {
		return slot.Access{SlotID: slotID, Status: slot.AccessMoved, SlotTableEpoch: currentEpoch, LeaderEpoch: s.LeaderEpoch}
	}
	if !state.migrated.Load() {
		return slot.Access{SlotID: slotID, Status: slot.AccessMigrating, SlotTableEpoch: currentEpoch, LeaderEpoch: s.LeaderEpoch}
	}
	if s.LeaderEpoch != srcLeaderEpoch {
		return slot.Access{SlotID: slotID, Status: slot.AccessMisMatch, SlotTableEpoch: currentEpoch, LeaderEpoch: s.LeaderEpoch}
	}
	return slot.Access{SlotID: slotID, Status: slot.AccessAccept, SlotTableEpoch: currentEpoch, LeaderEpoch: s.LeaderEpoch}
}

// UpdateTable accepts a strictly newer slot table. The heavy work happens on
// the watchdog so the heartbeat path never blocks.
func (m *Manager) UpdateTable(update *slot.Table) bool {
	m.lock.RLock()
	current := m.table
	m.lock.RUnlock()
	if current.Epoch >= update.Epoch {
		return false
	}
	if pending := m.updating.Load(); pending != nil && pending.Epoch >= update.Epoch {
		return false
	}
	for _, r := range m.recorders {
		if r != nil {
			r.Record(update)
		}
	}
	filtered := update.Filter(m.localIP)
	current.AssertNotLess(filtered)
	if pending := m.updating.Load(); pending != nil {
		pending.AssertNotLess(filtered)
	}
	m.updating.Store(filtered)
	m.watchdog.Wakeup()
	m.log.Info("updating slot table",
		zap.Int64("new", update.Epoch), zap.Int64("current", current.Epoch))
	return true
}

func (m *Manager) tick() {
	m.processUpdating()

	m.lock.RLock()
	tableEpoch := m.table.Epoch
	states := make([]*slotState, 0, len(m.states))
	for _, st := range m.states {
		states = append(states, st)
	}
	m.lock.RUnlock()

	for _, st := range states {
		m.sync(st, tableEpoch)
	}
}

func (m *Manager) processUpdating() bool {
	updating := m.updating.Swap(nil)
	if updating == nil {
		return false
	}
	m.lock.Lock()
	if updating.Epoch <= m.table.Epoch {
		m.lock.Unlock()
		m.log.Warn("skip stale updating",
			zap.Int64("updating", updating.Epoch), zap.Int64("current", m.table.Epoch))
		return false
	}
	m.applyTableLocked(updating)
	m.lock.Unlock()
	return true
}

// applyTableLocked reconciles states with the new table under the write lock
// so CheckAccess never sees a mixed epoch.
func (m *Manager) applyTableLocked(updating *slot.Table) {
	for _, id := range updating.SlotIDs() {
		s := updating.Slots[id]
		state := m.states[id]
		m.listenAdd(s)
		if state != nil {
			m.updateState(state, s)
		} else {
			m.states[id] = newSlotState(s)
			m.log.Info("add slot", zap.Stringer("slot", s))
		}
	}
	for id, state := range m.states {
		if _, ok := updating.Slots[id]; ok {
			continue
		}
		s := *state.slot.Load()
		delete(m.states, id)
		if !state.migratingStart.IsZero() && !state.migrated.Load() {
			metrics.SlotLeaderMigrating.Dec()
		}
		// remove the slot for access checks first, then drop the data
		m.listenRemove(s)
		m.log.Info("remove slot", zap.Stringer("slot", s))
	}
	m.table = updating
	metrics.SlotLeaderAssigns.Set(float64(updating.LeaderCount(m.localIP)))
	metrics.SlotFollowerAssigns.Set(float64(updating.FollowerCount(m.localIP)))
}

// updateState absorbs a slot update; a leader epoch change restarts migration.
func (m *Manager) updateState(state *slotState, s slot.Slot) {
	prev := *state.slot.Load()
	if prev.LeaderEpoch != s.LeaderEpoch {
		if !state.migratingStart.IsZero() && !state.migrated.Load() {
			metrics.SlotLeaderMigrating.Dec()
		}
		state.migrated.Store(false)
		state.migratingTasks = make(map[string]*migratingTask)
		state.syncSessionTasks = make(map[string]*task.Task)
		state.migratingStart = time.Time{}
		if s.Leader == m.localIP {
			metrics.SlotLeaderUpdates.Inc()
		}
		m.log.Info("update slot with leaderEpoch",
			zap.Stringer("exist", prev), zap.Stringer("now", s))
	}
	state.slot.Store(&s)
}

func (m *Manager) sync(state *slotState, tableEpoch int64) {
	s := *state.slot.Load()
	if s.Leader == m.localIP {
		if t := state.syncLeaderTask.Load(); t != nil && !t.Finished() {
			// the migration version bump must observe a quiescent store, so
			// sync-session waits for any in-flight sync-leader
			m.log.Warn("wait for sync-leader to finish", zap.Stringer("slot", s))
			return
		}
		state.syncLeaderTask.Store(nil)
		sessions := m.sessions.LiveSessions()
		if state.migrated.Load() {
			m.syncSessions(state, s, sessions, tableEpoch)
		} else {
			m.syncMigrating(state, s, sessions, tableEpoch)
			m.checkMigratingTasks(state, s, sessions)
		}
		return
	}
	m.syncLeader(state, s, tableEpoch)
}

func (m *Manager) syncMigrating(state *slotState, s slot.Slot, sessions []string, tableEpoch int64) {
	if state.migratingStart.IsZero() {
		state.migratingStart = time.Now()
		state.migratingTasks = make(map[string]*migratingTask)
		metrics.SlotLeaderMigrating.Inc()
		m.log.Info("start migrating",
			zap.Int("slotId", s.ID), zap.Strings("sessions", sessions))
	}
	for _, sessionIP := range sessions {
		mt := state.migratingTasks[sessionIP]
		if mt != nil && !mt.task.Failed() {
			continue
		}
		kt, err := m.commitSyncSessionTask(s, tableEpoch, sessionIP, true)
		if err != nil {
			m.log.Warn("migrating submit rejected",
				zap.Int("slotId", s.ID), zap.String("session", sessionIP), zap.Error(err))
			continue
		}
		if mt == nil {
			mt = &migratingTask{created: time.Now()}
			state.migratingTasks[sessionIP] = mt
		} else {
			metrics.SlotMigrationFails.WithLabelValues(sessionIP).Inc()
		}
		mt.task = kt
		mt.tryCount++
	}
}

func (m *Manager) checkMigratingTasks(state *slotState, s slot.Slot, sessions []string) bool {
	m.migrating.Info("[migrating]",
		zap.Int("slotId", s.ID),
		zap.Duration("span", time.Since(state.migratingStart)),
		zap.Int("tasks", len(state.migratingTasks)),
		zap.Int("sessions", len(sessions)))

	if len(state.migratingTasks) == 0 || len(sessions) == 0 {
		m.log.Warn("sessions or migratingTasks empty when migrating", zap.Stringer("slot", s))
		return false
	}
	if !state.migratingFinished(sessions) {
		return false
	}
	// force a version advance so the new leader's datums order after the old
	// leader's
	m.storage.UpdateVersion(s.ID)
	state.migrated.Store(true)
	span := time.Since(state.migratingStart)
	state.migratingTasks = make(map[string]*migratingTask)
	metrics.SlotLeaderMigrating.Dec()
	metrics.SlotMigrationDuration.Observe(span.Seconds())
	m.log.Info("migrating finish",
		zap.Int("slotId", s.ID), zap.Duration("span", span), zap.Strings("sessions", sessions))
	return true
}

func (m *Manager) syncSessions(state *slotState, s slot.Slot, sessions []string, tableEpoch int64) {
	interval := m.cfg.LeaderSyncSessionInterval()
	for _, sessionIP := range sessions {
		t := state.syncSessionTasks[sessionIP]
		if t == nil || t.OverAfter(interval) {
			kt, err := m.commitSyncSessionTask(s, tableEpoch, sessionIP, false)
			if err != nil {
				m.log.Warn("sync-session submit rejected",
					zap.Int("slotId", s.ID), zap.String("session", sessionIP), zap.Error(err))
				continue
			}
			state.syncSessionTasks[sessionIP] = kt
		}
	}
}

func (m *Manager) syncLeader(state *slotState, s slot.Slot, tableEpoch int64) {
	t := state.syncLeaderTask.Load()
	if t != nil && t.Finished() {
		if t.Success() {
			state.lastLeaderSyncNs.Store(t.EndTime().UnixNano())
		}
	}
	if t == nil || t.OverAfter(m.cfg.FollowerSyncLeaderInterval()) {
		// follower merges do not raise change events
		syncer := NewDiffSyncer(m.storage, m.cfg.SyncPageSize, false, m.log)
		slotID := s.ID
		continues := SyncContinues(func() bool { return m.IsFollower(slotID) })
		kt, err := m.syncLeaderExecutor.Execute(slotID, func() error {
			return syncer.SyncLeader(slotID, s.Leader, m.dataEx, tableEpoch, s.LeaderEpoch, continues)
		})
		if err != nil {
			m.log.Warn("sync-leader submit rejected", zap.Int("slotId", slotID), zap.Error(err))
			return
		}
		state.syncLeaderTask.Store(kt)
		return
	}
	if !t.Finished() && t.RunningOver(syncLeaderSlowAfter) {
		m.log.Info("sync-leader running slow", zap.Stringer("slot", s),
			zap.Duration("age", time.Since(t.CreateTime())))
	}
}

func (m *Manager) commitSyncSessionTask(s slot.Slot, tableEpoch int64, sessionIP string, migrate bool) (*task.Task, error) {
	// session merges raise change events so subscribers learn of new versions
	syncer := NewDiffSyncer(m.storage, m.cfg.SyncPageSize, true, m.log)
	slotID := s.ID
	continues := SyncContinues(func() bool { return m.IsLeader(slotID) })
	fn := func() error {
		return syncer.SyncSession(slotID, sessionIP, m.sessionEx, tableEpoch, s.LeaderEpoch, continues)
	}
	if migrate {
		return m.migrateExecutor.Execute(migrateKey{slotID, sessionIP}, fn)
	}
	// group so at most a few tasks hit one session at a time
	return m.syncSessionExecutor.Execute(migrateKey{slotID % syncSessionGroups, sessionIP}, fn)
}

type migrateKey struct {
	slotID    int
	sessionIP string
}

// SlotStatus is one slot's health summary reported on the meta heartbeat.
type SlotStatus struct {
	SlotID             int
	LeaderEpoch        int64
	Role               storage.Role
	Migrated           bool
	LastLeaderSyncTime time.Time
}

// GetSlotStatuses snapshots every local slot for the heartbeat.
func (m *Manager) GetSlotStatuses() []SlotStatus {
	m.lock.RLock()
	defer m.lock.RUnlock()
	out := make([]SlotStatus, 0, len(m.states))
	for id, state := range m.states {
		s := *state.slot.Load()
		st := SlotStatus{SlotID: id, LeaderEpoch: s.LeaderEpoch}
		if s.Leader == m.localIP {
			st.Role = storage.RoleLeader
			st.Migrated = state.migrated.Load()
		} else {
			st.Role = storage.RoleFollower
			if ns := state.lastLeaderSyncNs.Load(); ns > 0 {
				st.LastLeaderSyncTime = time.Unix(0, ns)
			}
		}
		out = append(out, st)
	}
	return out
}

// Wakeup forces an immediate watchdog pass.
func (m *Manager) Wakeup() {
	m.watchdog.Wakeup()
}

func (m *Manager) roleOf(s slot.Slot) storage.Role {
	if s.Leader == m.localIP {
		return storage.RoleLeader
	}
	return storage.RoleFollower
}

func (m *Manager) listenAdd(s slot.Slot) {
	for _, l := range m.listeners {
		l.OnSlotAdd(s.ID, m.roleOf(s))
	}
}

func (m *Manager) listenRemove(s slot.Slot) {
	for _, l := range m.listeners {
		l.OnSlotRemove(s.ID, m.roleOf(s))
	}
}

// slotState is the watchdog-owned mutable state of one local slot. RPC
// handlers read the atomic fields only.
type slotState struct {
	slotID   int
	slot     atomic.Pointer[slot.Slot]
	migrated atomic.Bool

	migratingStart   time.Time
	migratingTasks   map[string]*migratingTask
	syncSessionTasks map[string]*task.Task
	syncLeaderTask   atomic.Pointer[task.Task]
	lastLeaderSyncNs atomic.Int64
}

func newSlotState(s slot.Slot) *slotState {
	st := &slotState{
		slotID:           s.ID,
		migratingTasks:   make(map[string]*migratingTask),
		syncSessionTasks: make(map[string]*task.Task),
	}
	st.slot.Store(&s)
	return st
}

// migratingFinished reports whether every live session has one successful
// migrating sync.
func (st *slotState) migratingFinished(sessions []string) bool {
	if len(sessions) == 0 {
		return false
	}
	for _, ip := range sessions {
		t := st.migratingTasks[ip]
		if t == nil || !t.task.Success() {
			return false
		}
	}
	return true
}

type migratingTask struct {
	created  time.Time
	task     *task.Task
	tryCount int
}
