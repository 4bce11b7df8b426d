package session

import (
	"github.com/wilsonvolker/sofa-registry/internal/model"
	"github.com/wilsonvolker/sofa-registry/internal/transport"
)

// HandleSlotSync serves a data leader's diff pull: the session's publisher
// state for the slot, plus the dataInfoIds the leader knows that this session
// no longer holds. The leader's merge is idempotent, so the full slot state
// is returned in one page.
func (r *Registry) HandleSlotSync(req *transport.SlotSyncRequest) (*transport.SlotSyncResponse, error) {
	resp := &transport.SlotSyncResponse{}
	present := make(map[string]bool)
	for _, dataInfoId := range r.dataStore.DataInfoIds() {
		if r.slotTable.SlotOf(dataInfoId) != req.SlotID {
			continue
		}
		pubs := r.dataStore.GetDatas(dataInfoId)
		if len(pubs) == 0 {
			continue
		}
		present[dataInfoId] = true
		datum := &model.Datum{
			DataInfoId: dataInfoId,
			Publishers: make(map[string]*model.Publisher, len(pubs)),
		}
		for _, pub := range pubs {
			datum.Publishers[pub.RegisterId] = pub
			if pub.Version > datum.Version {
				datum.Version = pub.Version
			}
		}
		resp.Added = append(resp.Added, datum)
	}
	for dataInfoId := range req.KnownVersions {
		if !present[dataInfoId] {
			resp.Removed = append(resp.Removed, dataInfoId)
		}
	}
	return resp, nil
}
