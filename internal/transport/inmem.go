package transport

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wilsonvolker/sofa-registry/internal/model"
)

// SessionHandler is the session-side surface the in-process transport routes to.
type SessionHandler interface {
	HandleSlotSync(req *SlotSyncRequest) (*SlotSyncResponse, error)
}

// DataHandler is the data-side surface the in-process transport routes to.
type DataHandler interface {
	HandlePublish(req *PublishRequest) (*PublishResponse, error)
	HandleGetData(req *GetDataRequest) (*GetDataResponse, error)
	HandleSyncLeader(req *SlotSyncRequest) (*SlotSyncResponse, error)
}

// InProcess routes exchanger calls to registered handlers by IP. It backs the
// standalone binary and the end-to-end tests; a wire transport replaces it in
// a real deployment.
type InProcess struct {
	mu       sync.RWMutex
	sessions map[string]SessionHandler
	datas    map[string]DataHandler
}

// NewInProcess creates an empty router.
func NewInProcess() *InProcess {
	return &InProcess{
		sessions: make(map[string]SessionHandler),
		datas:    make(map[string]DataHandler),
	}
}

// RegisterSession exposes a session handler at ip.
func (t *InProcess) RegisterSession(ip string, h SessionHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[ip] = h
}

// RegisterData exposes a data handler at ip.
func (t *InProcess) RegisterData(ip string, h DataHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.datas[ip] = h
}

func (t *InProcess) session(ip string) (SessionHandler, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.sessions[ip]
	if !ok {
		return nil, fmt.Errorf("no session node at %s", ip)
	}
	return h, nil
}

func (t *InProcess) data(ip string) (DataHandler, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.datas[ip]
	if !ok {
		return nil, fmt.Errorf("no data node at %s", ip)
	}
	return h, nil
}

// SyncSession implements SessionExchanger.
func (t *InProcess) SyncSession(sessionIP string, req *SlotSyncRequest) (*SlotSyncResponse, error) {
	h, err := t.session(sessionIP)
	if err != nil {
		return nil, err
	}
	return h.HandleSlotSync(req)
}

// SyncLeader implements DataNodeExchanger.
func (t *InProcess) SyncLeader(leaderIP string, req *SlotSyncRequest) (*SlotSyncResponse, error) {
	h, err := t.data(leaderIP)
	if err != nil {
		return nil, err
	}
	return h.HandleSyncLeader(req)
}

// SyncPublisher implements DataNodeExchanger.
func (t *InProcess) SyncPublisher(dataIP string, req *PublishRequest) (*PublishResponse, error) {
	h, err := t.data(dataIP)
	if err != nil {
		return nil, err
	}
	return h.HandlePublish(req)
}

// GetData implements DataNodeExchanger.
func (t *InProcess) GetData(dataIP string, req *GetDataRequest) (*GetDataResponse, error) {
	h, err := t.data(dataIP)
	if err != nil {
		return nil, err
	}
	return h.HandleGetData(req)
}

// LoggingClientTransport acknowledges every push immediately. It is the seam
// where the real client wire protocol plugs in.
type LoggingClientTransport struct {
	log *zap.Logger
}

// NewLoggingClientTransport creates the ack-all client transport.
func NewLoggingClientTransport(log *zap.Logger) *LoggingClientTransport {
	return &LoggingClientTransport{log: log.Named("client")}
}

// Push implements ClientTransport.
func (t *LoggingClientTransport) Push(data any, addr model.URL, cb PushCallback) error {
	t.log.Info("push delivered", zap.Stringer("addr", addr))
	go cb.OnCallback(nil)
	return nil
}

// NoopMetaClient drops slot table fetch triggers. Standalone deployments have
// no meta tier to ask.
type NoopMetaClient struct{}

// TriggerSlotTableFetch implements MetaClient.
func (NoopMetaClient) TriggerSlotTableFetch(expectEpoch int64) {}
