package slot

import (
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/wilsonvolker/sofa-registry/internal/slot"
)

// Recorder observes every accepted slot table.
type Recorder interface {
	Record(t *slot.Table)
}

var recordPrefix = []byte("slottable/")

// DiskRecorder keeps an epoch-keyed history of accepted slot tables in badger
// for post-mortem, pruned to a bounded retention. Recording failures are
// logged and never block the update path.
type DiskRecorder struct {
	db     *badger.DB
	retain int
	log    *zap.Logger
}

// NewDiskRecorder opens (or creates) the recorder database under dir.
func NewDiskRecorder(dir string, retain int, log *zap.Logger) (*DiskRecorder, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open slot table recorder: %w", err)
	}
	if retain <= 0 {
		retain = 64
	}
	return &DiskRecorder{db: db, retain: retain, log: log.Named("recorder")}, nil
}

// Record persists the table keyed by epoch and prunes beyond retention.
func (r *DiskRecorder) Record(t *slot.Table) {
	data, err := json.Marshal(recordOf(t))
	if err != nil {
		r.log.Warn("marshal slot table", zap.Error(err))
		return
	}
	key := []byte(fmt.Sprintf("%s%020d", recordPrefix, t.Epoch))
	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	if err != nil {
		r.log.Warn("record slot table", zap.Int64("epoch", t.Epoch), zap.Error(err))
		return
	}
	r.prune()
}

func (r *DiskRecorder) prune() {
	var stale [][]byte
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: recordPrefix})
		defer it.Close()
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		if len(keys) > r.retain {
			stale = keys[:len(keys)-r.retain]
		}
		return nil
	})
	if err != nil {
		r.log.Warn("prune slot tables", zap.Error(err))
		return
	}
	if len(stale) == 0 {
		return
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		r.log.Warn("prune slot tables", zap.Error(err))
	}
}

// History returns up to limit recorded tables, newest first.
func (r *DiskRecorder) History(limit int) ([]*slot.Table, error) {
	var out []*slot.Table
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.IteratorOptions{Prefix: recordPrefix, Reverse: true}
		it := txn.NewIterator(opts)
		defer it.Close()
		seek := append(append([]byte(nil), recordPrefix...), 0xff)
		for it.Seek(seek); it.Valid() && len(out) < limit; it.Next() {
			var rec tableRecord
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			})
			if err != nil {
				return err
			}
			out = append(out, rec.toTable())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read slot table history: %w", err)
	}
	return out, nil
}

// Close releases the database.
func (r *DiskRecorder) Close() error {
	return r.db.Close()
}

type tableRecord struct {
	Epoch int64        `json:"epoch"`
	Slots []slotRecord `json:"slots"`
}

type slotRecord struct {
	ID          int      `json:"id"`
	Leader      string   `json:"leader"`
	Followers   []string `json:"followers,omitempty"`
	LeaderEpoch int64    `json:"leader_epoch"`
}

func recordOf(t *slot.Table) tableRecord {
	rec := tableRecord{Epoch: t.Epoch}
	for _, id := range t.SlotIDs() {
		s := t.Slots[id]
		rec.Slots = append(rec.Slots, slotRecord{
			ID:          s.ID,
			Leader:      s.Leader,
			Followers:   s.Followers,
			LeaderEpoch: s.LeaderEpoch,
		})
	}
	return rec
}

func (rec tableRecord) toTable() *slot.Table {
	slots := make([]slot.Slot, 0, len(rec.Slots))
	for _, s := range rec.Slots {
		slots = append(slots, slot.Slot{
			ID:          s.ID,
			Leader:      s.Leader,
			Followers:   s.Followers,
			LeaderEpoch: s.LeaderEpoch,
		})
	}
	return slot.NewTable(rec.Epoch, slots)
}
