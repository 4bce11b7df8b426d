// Package push delivers datum values to subscribing clients with
// deduplication, conflict merging and a single in-flight push per client
// address.
package push

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wilsonvolker/sofa-registry/internal/config"
	"github.com/wilsonvolker/sofa-registry/internal/metrics"
	"github.com/wilsonvolker/sofa-registry/internal/model"
	"github.com/wilsonvolker/sofa-registry/internal/task"
	"github.com/wilsonvolker/sofa-registry/internal/transport"
)

const watchdogInterval = 100 * time.Millisecond

// TaskKey dedups pushes: one merge slot per (dataCenter, client addr,
// subscriber id set).
type TaskKey struct {
	DataCenter    string
	Addr          string
	SubscriberIds string
}

func keyOf(dataCenter string, addr model.URL, subscriberIds []string) TaskKey {
	ids := append([]string(nil), subscriberIds...)
	sort.Strings(ids)
	return TaskKey{
		DataCenter:    dataCenter,
		Addr:          addr.AddressString(),
		SubscriberIds: strings.Join(ids, ","),
	}
}

// Processor owns the push pipeline: pending merge map, wakable watchdog,
// per-address serial executor, in-flight bookkeeping and bounded retries.
type Processor struct {
	cfg      config.Session
	log      *zap.Logger
	client   transport.ClientTransport
	executor *task.KeyedExecutor
	watchdog *task.Loop

	stopPush atomic.Bool

	pendingLock  sync.Mutex
	pendingTasks map[TaskKey]*PushTask

	pushingLock  sync.Mutex
	pushingTasks map[string]*PushTask
}

// NewProcessor creates and starts the push pipeline.
func NewProcessor(cfg config.Session, client transport.ClientTransport, log *zap.Logger) *Processor {
	p := &Processor{
		cfg:          cfg,
		log:          log.Named("push"),
		client:       client,
		pendingTasks: make(map[TaskKey]*PushTask),
		pushingTasks: make(map[string]*PushTask),
	}
	p.stopPush.Store(cfg.StopPushSwitch)
	p.executor = task.NewKeyedExecutor("push",
		cfg.PushExecutor.Workers, cfg.PushExecutor.QueueSize, log)
	p.watchdog = task.NewLoop(watchdogInterval, p.tick)
	return p
}

// SetStopPush flips the global push switch.
func (p *Processor) SetStopPush(stop bool) {
	p.stopPush.Store(stop)
}

// StopPush reports whether outbound pushes are disabled.
func (p *Processor) StopPush() bool {
	return p.stopPush.Load()
}

// Close stops the watchdog and drains the executor.
func (p *Processor) Close() {
	p.watchdog.Close()
	p.executor.Close()
}

// PushTask is one candidate delivery of merged datum state to one client
// address for a set of subscribers.
type PushTask struct {
	created         time.Time
	expireTimestamp time.Time
	noDelay         bool
	fetchSeqStart   int64
	fetchSeqEnd     int64
	dataCenter      string
	pushVersion     int64
	datumMap        map[string]*model.Datum
	addr            model.URL
	subscriberMap   map[string]*model.Subscriber
	retryCount      atomic.Int32
}

func (t *PushTask) expireAfter(d time.Duration) {
	t.expireTimestamp = time.Now().Add(d)
}

// afterThan reports whether t's fetch range starts strictly after prev's ends.
func (t *PushTask) afterThan(prev *PushTask) bool {
	return t.fetchSeqStart > prev.fetchSeqEnd
}

func (t *PushTask) keyOf() TaskKey {
	ids := make([]string, 0, len(t.subscriberMap))
	for id := range t.subscriberMap {
		ids = append(ids, id)
	}
	return keyOf(t.dataCenter, t.addr, ids)
}

func (t *PushTask) String() string {
	return fmt.Sprintf("pushTask{seq=[%d,%d], dataCenter=%s, pushVersion=%d, addr=%s, subs=%d, retry=%d}",
		t.fetchSeqStart, t.fetchSeqEnd, t.dataCenter, t.pushVersion,
		t.addr.AddressString(), len(t.subscriberMap), t.retryCount.Load())
}

// FirePush enqueues a push candidate. Conflicting candidates for the same key
// merge: a strictly-later fetch range replaces the pending one (inheriting its
// expire time so a stream of replacements cannot defer delivery forever);
// older or overlapping ranges drop.
func (p *Processor) FirePush(noDelay bool, pushVersion int64, dataCenter string, addr model.URL,
	subscriberMap map[string]*model.Subscriber, datumMap map[string]*model.Datum,
	fetchSeqStart, fetchSeqEnd int64) {
	t := &PushTask{
		created:       time.Now(),
		noDelay:       noDelay,
		pushVersion:   pushVersion,
		dataCenter:    dataCenter,
		addr:          addr,
		subscriberMap: subscriberMap,
		datumMap:      datumMap,
		fetchSeqStart: fetchSeqStart,
		fetchSeqEnd:   fetchSeqEnd,
	}
	t.expireAfter(p.cfg.PushExpire())
	p.firePush(t)
}

func (p *Processor) firePush(t *PushTask) {
	key := t.keyOf()
	var prev *PushTask
	conflict := false
	p.pendingLock.Lock()
	prev = p.pendingTasks[key]
	switch {
	case prev == nil:
		p.pendingTasks[key] = t
	case t.afterThan(prev):
		// inherit the expire so continuous fires cannot block delivery
		t.expireTimestamp = prev.expireTimestamp
		p.pendingTasks[key] = t
	default:
		conflict = true
	}
	pending := len(p.pendingTasks)
	p.pendingLock.Unlock()
	metrics.PushPending.Set(float64(pending))

	if conflict {
		metrics.PushTotal.WithLabelValues("conflict").Inc()
		p.log.Info("[ConflictMerge] drop push",
			zap.String("dataCenter", key.DataCenter),
			zap.String("addr", key.Addr),
			zap.Int64("prevFetchSeqEnd", prev.fetchSeqEnd),
			zap.Int64("fetchSeqStart", t.fetchSeqStart))
		return
	}
	if t.noDelay {
		p.watchdog.Wakeup()
	}
}

// tick drains every due pending task and commits it to the per-address queue.
func (p *Processor) tick() {
	pending := p.transferAndMerge()
	if p.stopPush.Load() || len(pending) == 0 {
		return
	}
	p.log.Debug("process push tasks", zap.Int("count", len(pending)))
	for _, t := range pending {
		p.commitTask(t)
	}
}

func (p *Processor) transferAndMerge() []*PushTask {
	now := time.Now()
	var due []*PushTask
	p.pendingLock.Lock()
	for key, t := range p.pendingTasks {
		if t.noDelay || !t.expireTimestamp.After(now) {
			due = append(due, t)
			delete(p.pendingTasks, key)
		}
	}
	pending := len(p.pendingTasks)
	p.pendingLock.Unlock()
	metrics.PushPending.Set(float64(pending))
	return due
}

func (p *Processor) commitTask(t *PushTask) {
	// keyed by client addr: pushes to one client stay serial
	if _, err := p.executor.Execute(t.addr.AddressString(), func() error {
		p.runTask(t)
		return nil
	}); err != nil {
		p.log.Error("failed to exec push task", zap.Stringer("task", t), zap.Error(err))
	}
}

func (p *Processor) runTask(t *PushTask) {
	if p.stopPush.Load() {
		return
	}
	if !p.checkPushing(t) {
		return
	}
	data := p.createPushData(t)
	addr := t.addr.AddressString()
	p.pushingLock.Lock()
	p.pushingTasks[addr] = t
	inFlight := len(p.pushingTasks)
	p.pushingLock.Unlock()
	metrics.PushInFlight.Set(float64(inFlight))

	if err := p.client.Push(data, t.addr, &pushCallback{p: p, task: t}); err != nil {
		p.removePushing(t)
		p.log.Error("failed to push", zap.Stringer("task", t), zap.Error(err))
		p.retry(t, "pushErr")
		return
	}
	p.log.Info("pushing",
		zap.String("addr", addr),
		zap.Int("subscribers", len(t.subscriberMap)),
		zap.Int64("pushVersion", t.pushVersion))
}

// checkPushing gates the commit: nothing may go out while an earlier push to
// the same address is unacknowledged, and every subscriber must still consent
// to the fetch range.
func (p *Processor) checkPushing(t *PushTask) bool {
	addr := t.addr.AddressString()
	p.pushingLock.Lock()
	prev := p.pushingTasks[addr]
	p.pushingLock.Unlock()

	if prev == nil {
		for _, sub := range t.subscriberMap {
			if !sub.CheckVersion(t.dataCenter, t.fetchSeqStart) {
				p.log.Warn("conflict push, subscriber advanced",
					zap.String("registerId", sub.RegisterId),
					zap.Stringer("task", t))
				return false
			}
		}
		return true
	}
	if !t.afterThan(prev) {
		p.log.Warn("prev push is newer", zap.Stringer("prev", prev), zap.Stringer("now", t))
		return false
	}
	// later than the in-flight push but its callback is outstanding: retry
	p.retry(t, "waiting")
	return false
}

func (p *Processor) retry(t *PushTask, reason string) bool {
	if int(t.retryCount.Add(1)) <= p.cfg.PushRetryMax {
		t.expireAfter(p.cfg.PushExpire())
		if reason == "waiting" {
			// re-enqueue now, but let the watchdog commit on expiry instead
			// of spinning against the still-uncalled-back push
			t.noDelay = false
		}
		p.firePush(t)
		metrics.PushTotal.WithLabelValues("retry").Inc()
		p.log.Info("add retry", zap.String("reason", reason), zap.Stringer("task", t))
		return true
	}
	metrics.PushTotal.WithLabelValues("drop").Inc()
	p.log.Info("skip retry", zap.String("reason", reason), zap.Stringer("task", t))
	return false
}

// createPushData merges the task's datums for its dataCenter into the wire
// object carrying pushVersion.
func (p *Processor) createPushData(t *PushTask) *Data {
	merged := mergeDatums(t.dataCenter, t.datumMap)
	entries := make(map[string][]model.DataEntry, len(merged))
	for registerId, pub := range merged {
		entries[registerId] = pub.DataList
	}
	ids := make([]string, 0, len(t.subscriberMap))
	var dataInfoId string
	for id, sub := range t.subscriberMap {
		ids = append(ids, id)
		dataInfoId = sub.DataInfoId
	}
	sort.Strings(ids)
	return &Data{
		DataInfoId:    dataInfoId,
		DataCenter:    t.dataCenter,
		PushVersion:   t.pushVersion,
		SubscriberIds: ids,
		Entries:       entries,
	}
}

// Data is the wire object delivered to a client.
type Data struct {
	DataInfoId    string
	DataCenter    string
	PushVersion   int64
	SubscriberIds []string
	Entries       map[string][]model.DataEntry
}

func mergeDatums(dataCenter string, datumMap map[string]*model.Datum) map[string]*model.Publisher {
	merged := make(map[string]*model.Publisher)
	for dc, datum := range datumMap {
		if dc != dataCenter && dataCenter != "" {
			continue
		}
		for registerId, pub := range datum.Publishers {
			if exist, ok := merged[registerId]; !ok || pub.Version > exist.Version {
				merged[registerId] = pub
			}
		}
	}
	return merged
}

func (p *Processor) removePushing(t *PushTask) bool {
	addr := t.addr.AddressString()
	p.pushingLock.Lock()
	defer p.pushingLock.Unlock()
	// compare-and-remove: never clobber a successor task
	if p.pushingTasks[addr] != t {
		return false
	}
	delete(p.pushingTasks, addr)
	metrics.PushInFlight.Set(float64(len(p.pushingTasks)))
	return true
}

// PushingTask returns the in-flight task for addr, nil when none.
func (p *Processor) PushingTask(addr model.URL) *PushTask {
	p.pushingLock.Lock()
	defer p.pushingLock.Unlock()
	return p.pushingTasks[addr.AddressString()]
}

// PendingCount returns how many tasks await commit.
func (p *Processor) PendingCount() int {
	p.pendingLock.Lock()
	defer p.pendingLock.Unlock()
	return len(p.pendingTasks)
}

type pushCallback struct {
	p    *Processor
	task *PushTask
}

// OnCallback records the acknowledged versions for every subscriber, then
// releases the address.
func (c *pushCallback) OnCallback(resp any) {
	t := c.task
	versions := make(map[string]int64, len(t.datumMap))
	for dc, datum := range t.datumMap {
		versions[dc] = datum.Version
	}
	for _, sub := range t.subscriberMap {
		if !sub.CheckAndUpdateVersion(t.dataCenter, t.pushVersion, versions,
			t.fetchSeqStart, t.fetchSeqEnd) {
			c.p.log.Warn("push success but version update rejected",
				zap.String("registerId", sub.RegisterId), zap.Stringer("task", t))
		}
	}
	cleaned := c.p.removePushing(t)
	metrics.PushTotal.WithLabelValues("success").Inc()
	c.p.log.Info("push success", zap.Bool("cleaned", cleaned), zap.Stringer("task", t))
}

// OnException releases the address and schedules a bounded retry.
func (c *pushCallback) OnException(err error) {
	t := c.task
	cleaned := c.p.removePushing(t)
	metrics.PushTotal.WithLabelValues("error").Inc()
	c.p.retry(t, "callbackErr")
	c.p.log.Error("push error", zap.Bool("cleaned", cleaned), zap.Stringer("task", t), zap.Error(err))
}
