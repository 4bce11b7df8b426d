// Package transport declares the RPC contracts between tiers. The wire-level
// codecs live outside this module; in-process implementations back the tests
// and the standalone binary.
package transport

import (
	"github.com/wilsonvolker/sofa-registry/internal/model"
	"github.com/wilsonvolker/sofa-registry/internal/slot"
)

// EpochHeader rides on every data-tier request for the slot access check.
type EpochHeader struct {
	SlotTableEpoch  int64
	SlotLeaderEpoch int64
}

// PublishRequest syncs one publisher add or remove from a session to the
// slot leader.
type PublishRequest struct {
	EpochHeader
	SlotID     int
	Publisher  *model.Publisher
	Unpublish  bool
	SessionIP  string
	RegisterId string
	DataInfoId string
}

// PublishResponse acknowledges a publish sync.
type PublishResponse struct {
	Access  slot.Access
	Version int64
}

// GetDataRequest fetches the current datum for a dataInfoId.
type GetDataRequest struct {
	EpochHeader
	SlotID     int
	DataCenter string
	DataInfoId string
}

// GetDataResponse carries the datum copy, nil when none exists.
type GetDataResponse struct {
	Access slot.Access
	Datum  *model.Datum
}

// SlotSyncRequest is the diff pull used by both sync-session and sync-leader.
// KnownVersions holds the caller's datum version per dataInfoId for the slot.
type SlotSyncRequest struct {
	EpochHeader
	SlotID        int
	SlotLeader    string
	KnownVersions map[string]int64
	PageSize      int
	PageToken     string
}

// SlotSyncResponse returns the additions and removals the caller is missing.
type SlotSyncResponse struct {
	Access        slot.Access
	Added         []*model.Datum
	Removed       []string
	HasMore       bool
	NextPageToken string
}

// SessionExchanger is the data node's view of a session node.
type SessionExchanger interface {
	// SyncSession pulls the session's publisher state for a slot.
	SyncSession(sessionIP string, req *SlotSyncRequest) (*SlotSyncResponse, error)
}

// DataNodeExchanger is a peer view of a data node, used by sessions for
// publishes and fetches and by followers for leader sync.
type DataNodeExchanger interface {
	SyncLeader(leaderIP string, req *SlotSyncRequest) (*SlotSyncResponse, error)
	SyncPublisher(dataIP string, req *PublishRequest) (*PublishResponse, error)
	GetData(dataIP string, req *GetDataRequest) (*GetDataResponse, error)
}

// PushCallback receives the asynchronous outcome of a client push.
type PushCallback interface {
	OnCallback(resp any)
	OnException(err error)
}

// ClientTransport delivers pushes to clients. Push submits asynchronously;
// the callback fires exactly once per submitted push.
type ClientTransport interface {
	Push(data any, addr model.URL, cb PushCallback) error
}

// MetaClient is the narrow callout to the meta tier.
type MetaClient interface {
	// TriggerSlotTableFetch asks meta for a table at least as new as expectEpoch.
	TriggerSlotTableFetch(expectEpoch int64)
}
