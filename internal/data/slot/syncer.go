package slot

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wilsonvolker/sofa-registry/internal/metrics"
	"github.com/wilsonvolker/sofa-registry/internal/transport"
)

// SyncContinues is re-checked between pages; returning false aborts the sync
// cleanly after the last datum-atomic merge.
type SyncContinues func() bool

// DiffSyncer pulls the peer's state for a slot as (known-versions -> diff)
// pages and applies them to local storage.
type DiffSyncer struct {
	storage  DatumStorage
	pageSize int
	notify   bool
	log      *zap.Logger
}

// NewDiffSyncer creates a syncer. notify controls whether applied changes
// raise data-change events (leader syncs from sessions do, follower syncs
// from the leader do not).
func NewDiffSyncer(storage DatumStorage, pageSize int, notify bool, log *zap.Logger) *DiffSyncer {
	if pageSize <= 0 {
		pageSize = 512
	}
	return &DiffSyncer{storage: storage, pageSize: pageSize, notify: notify, log: log}
}

// SyncSession pulls a session's publisher state for the slot.
func (d *DiffSyncer) SyncSession(slotID int, sessionIP string, exchanger transport.SessionExchanger,
	slotTableEpoch, leaderEpoch int64, continues SyncContinues) error {
	start := time.Now()
	err := d.run(slotID, slotTableEpoch, leaderEpoch, continues, func(req *transport.SlotSyncRequest) (*transport.SlotSyncResponse, error) {
		return exchanger.SyncSession(sessionIP, req)
	})
	metrics.SyncDuration.WithLabelValues("session").Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("sync session %s slot=%d: %w", sessionIP, slotID, err)
	}
	return nil
}

// SyncLeader tails the slot leader from a follower.
func (d *DiffSyncer) SyncLeader(slotID int, leaderIP string, exchanger transport.DataNodeExchanger,
	slotTableEpoch, leaderEpoch int64, continues SyncContinues) error {
	start := time.Now()
	err := d.run(slotID, slotTableEpoch, leaderEpoch, continues, func(req *transport.SlotSyncRequest) (*transport.SlotSyncResponse, error) {
		req.SlotLeader = leaderIP
		return exchanger.SyncLeader(leaderIP, req)
	})
	metrics.SyncDuration.WithLabelValues("leader").Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("sync leader %s slot=%d: %w", leaderIP, slotID, err)
	}
	return nil
}

func (d *DiffSyncer) run(slotID int, slotTableEpoch, leaderEpoch int64, continues SyncContinues,
	call func(*transport.SlotSyncRequest) (*transport.SlotSyncResponse, error)) error {
	pageToken := ""
	for {
		if !continues() {
			// role changed mid-sync; the next run reconciles
			d.log.Debug("sync aborted", zap.Int("slotId", slotID))
			return nil
		}
		known, err := d.storage.GetVersions(slotID)
		if err != nil {
			return err
		}
		req := &transport.SlotSyncRequest{
			EpochHeader: transport.EpochHeader{
				SlotTableEpoch:  slotTableEpoch,
				SlotLeaderEpoch: leaderEpoch,
			},
			SlotID:        slotID,
			KnownVersions: known,
			PageSize:      d.pageSize,
			PageToken:     pageToken,
		}
		resp, err := call(req)
		if err != nil {
			return err
		}
		if err := d.storage.Merge(slotID, resp.Added, resp.Removed, d.notify); err != nil {
			return err
		}
		if !resp.HasMore {
			return nil
		}
		pageToken = resp.NextPageToken
	}
}
