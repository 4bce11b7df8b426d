// Package data assembles the data tier: datum storage, session leases and the
// slot manager, behind access-checked request handlers.
package data

import (
	"go.uber.org/zap"

	dataslot "github.com/wilsonvolker/sofa-registry/internal/data/slot"
	"github.com/wilsonvolker/sofa-registry/internal/data/storage"
	"github.com/wilsonvolker/sofa-registry/internal/model"
	"github.com/wilsonvolker/sofa-registry/internal/transport"
)

// Node is one data server: it owns the storage and slot manager and serves
// the session and follower RPCs.
type Node struct {
	Storage *storage.Storage
	Slots   *dataslot.Manager
	log     *zap.Logger
}

// NewNode bundles the storage and slot manager into a request-serving node.
func NewNode(st *storage.Storage, slots *dataslot.Manager, log *zap.Logger) *Node {
	return &Node{Storage: st, Slots: slots, log: log.Named("data")}
}

// HandlePublish applies a publisher add or remove after the slot access check.
func (n *Node) HandlePublish(req *transport.PublishRequest) (*transport.PublishResponse, error) {
	access := n.Slots.CheckAccess(req.SlotID, req.SlotTableEpoch, req.SlotLeaderEpoch)
	if !access.Accepted() {
		return &transport.PublishResponse{Access: access}, nil
	}
	var version int64
	var err error
	if req.Unpublish {
		version, err = n.Storage.Remove(req.DataInfoId, req.RegisterId)
	} else {
		version, err = n.Storage.Put(req.Publisher)
	}
	if err != nil {
		return nil, err
	}
	return &transport.PublishResponse{Access: access, Version: version}, nil
}

// HandleGetData returns the datum copy after the slot access check.
func (n *Node) HandleGetData(req *transport.GetDataRequest) (*transport.GetDataResponse, error) {
	access := n.Slots.CheckAccess(req.SlotID, req.SlotTableEpoch, req.SlotLeaderEpoch)
	if !access.Accepted() {
		return &transport.GetDataResponse{Access: access}, nil
	}
	datum, err := n.Storage.Get(req.DataInfoId)
	if err != nil {
		return nil, err
	}
	if datum == nil {
		// an empty datum tells the subscriber the topic has no publishers
		datum = model.NewDatum(n.Storage.DataCenter(), req.DataInfoId)
	}
	return &transport.GetDataResponse{Access: access, Datum: datum}, nil
}

// HandleSyncLeader serves a follower's diff pull against local state. The
// leader answers with the datums the follower is missing and the dataInfoIds
// it should drop.
func (n *Node) HandleSyncLeader(req *transport.SlotSyncRequest) (*transport.SlotSyncResponse, error) {
	access := n.Slots.CheckAccess(req.SlotID, req.SlotTableEpoch, req.SlotLeaderEpoch)
	if !access.Accepted() {
		return &transport.SlotSyncResponse{Access: access}, nil
	}
	versions, err := n.Storage.GetVersions(req.SlotID)
	if err != nil {
		return nil, err
	}
	datums, err := n.Storage.GetAll(req.SlotID)
	if err != nil {
		return nil, err
	}
	resp := &transport.SlotSyncResponse{Access: access}
	for _, d := range datums {
		if req.KnownVersions[d.DataInfoId] < d.Version {
			resp.Added = append(resp.Added, d)
		}
	}
	for dataInfoId := range req.KnownVersions {
		if _, ok := versions[dataInfoId]; !ok {
			resp.Removed = append(resp.Removed, dataInfoId)
		}
	}
	return resp, nil
}
