// Package session fronts clients: it keeps their registrations, syncs
// publishers to the data tier and fans data changes out as pushes.
package session

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wilsonvolker/sofa-registry/internal/config"
	"github.com/wilsonvolker/sofa-registry/internal/model"
	"github.com/wilsonvolker/sofa-registry/internal/session/push"
	"github.com/wilsonvolker/sofa-registry/internal/session/store"
	"github.com/wilsonvolker/sofa-registry/internal/transport"
	regerrors "github.com/wilsonvolker/sofa-registry/pkg/errors"
)

// Registry is the session tier's registration entry point.
type Registry struct {
	cfg       config.Session
	log       *zap.Logger
	interests *store.Interests
	dataStore *store.DataStore
	watchers  *store.Watchers
	pusher    *push.Processor
	slotTable *SlotTableCache
	dataEx    transport.DataNodeExchanger
	client    transport.ClientTransport
	fetchSeq  atomic.Int64
}

// NewRegistry wires the stores, the push processor and the data-tier client.
func NewRegistry(cfg config.Session, slotTable *SlotTableCache, pusher *push.Processor,
	dataEx transport.DataNodeExchanger, client transport.ClientTransport, log *zap.Logger) *Registry {
	return &Registry{
		cfg:       cfg,
		log:       log.Named("session"),
		interests: store.NewInterests(log),
		dataStore: store.NewDataStore(log),
		watchers:  store.NewWatchers(log),
		pusher:    pusher,
		slotTable: slotTable,
		dataEx:    dataEx,
		client:    client,
	}
}

// Interests exposes the subscriber store.
func (r *Registry) Interests() *store.Interests { return r.interests }

// DataStore exposes the publisher store.
func (r *Registry) DataStore() *store.DataStore { return r.dataStore }

// Watchers exposes the watcher store.
func (r *Registry) Watchers() *store.Watchers { return r.watchers }

// Register stores the registration and fires the matching after-effect:
// publishers sync to the slot leader, subscribers get an initial push,
// watchers get a one-shot fetch-and-push.
func (r *Registry) Register(reg model.Registration) error {
	switch v := reg.(type) {
	case *model.Publisher:
		if r.dataStore.Add(v) {
			r.syncPublisher(v, false)
		}
	case *model.Subscriber:
		if r.interests.Add(v) && !r.pusher.StopPush() {
			r.fireOnRegister(v)
		}
	case *model.Watcher:
		if r.watchers.Add(v) {
			r.fireWatcherFetch(v)
		}
	default:
		return fmt.Errorf("%w: %T", regerrors.ErrUnknownRegistration, reg)
	}
	return nil
}

// RegistrationKind selects the store an unregister targets.
type RegistrationKind int

const (
	KindPublisher RegistrationKind = iota
	KindSubscriber
	KindWatcher
)

// Unregister removes one registration by id.
func (r *Registry) Unregister(kind RegistrationKind, registerId, dataInfoId string) {
	switch kind {
	case KindPublisher:
		if pub, ok := r.dataStore.Get(dataInfoId, registerId); ok {
			if r.dataStore.DeleteById(registerId, dataInfoId) {
				r.syncPublisher(pub, true)
			}
		}
	case KindSubscriber:
		r.interests.DeleteById(registerId, dataInfoId)
	case KindWatcher:
		r.watchers.DeleteById(registerId, dataInfoId)
	}
}

// ClientOff drops everything registered on the connection. Removed publishers
// unpublish from the data tier.
func (r *Registry) ClientOff(connectId model.ConnectId) {
	removedPubs := r.dataStore.DeleteByConnectId(connectId)
	r.interests.DeleteByConnectId(connectId)
	r.watchers.DeleteByConnectId(connectId)
	for _, pub := range removedPubs {
		r.syncPublisher(pub, true)
	}
	r.log.Info("client off", zap.Stringer("connectId", connectId),
		zap.Int("publishers", len(removedPubs)))
}

// syncPublisher pushes one publisher add/remove to the slot leader. A failed
// call or a rejected access check is logged; the sync is not re-sent.
func (r *Registry) syncPublisher(pub *model.Publisher, unpublish bool) {
	slotID, leader, leaderEpoch, ok := r.slotTable.LeaderOf(pub.DataInfoId)
	if !ok {
		r.log.Warn("no slot leader for publisher",
			zap.String("dataInfoId", pub.DataInfoId), zap.Int("slotId", slotID))
		return
	}
	req := &transport.PublishRequest{
		EpochHeader: transport.EpochHeader{
			SlotTableEpoch:  r.slotTable.Epoch(),
			SlotLeaderEpoch: leaderEpoch,
		},
		SlotID:     slotID,
		Publisher:  pub,
		Unpublish:  unpublish,
		RegisterId: pub.RegisterId,
		DataInfoId: pub.DataInfoId,
	}
	resp, err := r.dataEx.SyncPublisher(leader, req)
	if err != nil {
		r.log.Warn("sync publisher failed",
			zap.String("dataInfoId", pub.DataInfoId), zap.String("leader", leader), zap.Error(err))
		return
	}
	if !resp.Access.Accepted() {
		r.log.Warn("sync publisher rejected",
			zap.String("dataInfoId", pub.DataInfoId), zap.Stringer("access", resp.Access))
	}
}

// fireOnRegister pushes the current datum to a newly registered subscriber.
func (r *Registry) fireOnRegister(sub *model.Subscriber) {
	datum, seqStart, seqEnd, ok := r.fetchDatum(sub.DataInfoId)
	if !ok {
		return
	}
	subs := map[string]*model.Subscriber{sub.RegisterId: sub}
	r.firePushForDatum(true, datum, sub.DataInfoId, sub.SourceAddress, subs, seqStart, seqEnd)
}

// HandleDataChange reacts to a datum version advance: re-fetch and push to
// every subscriber of the dataInfoId, grouped by client address.
func (r *Registry) HandleDataChange(dataCenter, dataInfoId string, version int64) {
	if r.pusher.StopPush() {
		return
	}
	subscribers := r.interests.GetDatas(dataInfoId)
	if len(subscribers) == 0 {
		return
	}
	datum, seqStart, seqEnd, ok := r.fetchDatum(dataInfoId)
	if !ok {
		return
	}
	groups := make(map[model.URL]map[string]*model.Subscriber)
	for _, sub := range subscribers {
		addr := sub.SourceAddress
		if groups[addr] == nil {
			groups[addr] = make(map[string]*model.Subscriber)
		}
		groups[addr][sub.RegisterId] = sub
	}
	for addr, subs := range groups {
		r.firePushForDatum(false, datum, dataInfoId, addr, subs, seqStart, seqEnd)
	}
}

func (r *Registry) firePushForDatum(noDelay bool, datum *model.Datum, dataInfoId string,
	addr model.URL, subs map[string]*model.Subscriber, seqStart, seqEnd int64) {
	dataCenter := datum.DataCenter
	datumMap := map[string]*model.Datum{dataCenter: datum}
	r.pusher.FirePush(noDelay, datum.Version, dataCenter, addr, subs, datumMap, seqStart, seqEnd)
}

// fetchDatum reads the current datum from the slot leader, spanning the read
// with the session-local fetch cursor. A missing datum still pushes: an empty
// datum tells the subscriber the topic currently has no publishers.
func (r *Registry) fetchDatum(dataInfoId string) (*model.Datum, int64, int64, bool) {
	slotID, leader, leaderEpoch, ok := r.slotTable.LeaderOf(dataInfoId)
	if !ok {
		r.log.Warn("no slot leader for fetch", zap.String("dataInfoId", dataInfoId))
		return nil, 0, 0, false
	}
	seqStart := r.fetchSeq.Add(1)
	req := &transport.GetDataRequest{
		EpochHeader: transport.EpochHeader{
			SlotTableEpoch:  r.slotTable.Epoch(),
			SlotLeaderEpoch: leaderEpoch,
		},
		SlotID:     slotID,
		DataInfoId: dataInfoId,
	}
	resp, err := r.dataEx.GetData(leader, req)
	if err != nil {
		r.log.Warn("fetch datum failed",
			zap.String("dataInfoId", dataInfoId), zap.String("leader", leader), zap.Error(err))
		return nil, 0, 0, false
	}
	if !resp.Access.Accepted() {
		r.log.Warn("fetch datum rejected",
			zap.String("dataInfoId", dataInfoId), zap.Stringer("access", resp.Access))
		return nil, 0, 0, false
	}
	seqEnd := r.fetchSeq.Add(1)
	datum := resp.Datum
	if datum == nil {
		datum = model.NewDatum("", dataInfoId)
	}
	return datum, seqStart, seqEnd, true
}

// fireWatcherFetch delivers the current value once, outside the subscriber
// push bookkeeping.
func (r *Registry) fireWatcherFetch(w *model.Watcher) {
	datum, _, _, ok := r.fetchDatum(w.DataInfoId)
	if !ok {
		return
	}
	entries := make(map[string][]model.DataEntry, len(datum.Publishers))
	for registerId, pub := range datum.Publishers {
		entries[registerId] = pub.DataList
	}
	data := &push.Data{
		DataInfoId:  w.DataInfoId,
		DataCenter:  datum.DataCenter,
		PushVersion: datum.Version,
		Entries:     entries,
	}
	cb := &watcherCallback{log: r.log, dataInfoId: w.DataInfoId}
	if err := r.client.Push(data, w.SourceAddress, cb); err != nil {
		r.log.Warn("watcher push failed",
			zap.String("dataInfoId", w.DataInfoId), zap.Error(err))
	}
}

type watcherCallback struct {
	log        *zap.Logger
	dataInfoId string
}

func (c *watcherCallback) OnCallback(resp any) {
	c.log.Debug("watcher push acked", zap.String("dataInfoId", c.dataInfoId))
}

func (c *watcherCallback) OnException(err error) {
	c.log.Warn("watcher push error", zap.String("dataInfoId", c.dataInfoId), zap.Error(err))
}
