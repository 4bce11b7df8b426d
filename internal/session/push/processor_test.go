package push

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wilsonvolker/sofa-registry/internal/config"
	"github.com/wilsonvolker/sofa-registry/internal/model"
	"github.com/wilsonvolker/sofa-registry/internal/transport"
)

// fakeClient captures pushes; callbacks fire manually unless auto is set.
type fakeClient struct {
	mu     sync.Mutex
	pushes []fakePush
	auto   bool
	fail   bool
}

type fakePush struct {
	data *Data
	cb   transport.PushCallback
}

func (c *fakeClient) Push(data any, addr model.URL, cb transport.PushCallback) error {
	c.mu.Lock()
	c.pushes = append(c.pushes, fakePush{data: data.(*Data), cb: cb})
	auto, fail := c.auto, c.fail
	c.mu.Unlock()
	if auto {
		if fail {
			go cb.OnException(assert.AnError)
		} else {
			go cb.OnCallback(nil)
		}
	}
	return nil
}

func (c *fakeClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pushes)
}

func (c *fakeClient) last() fakePush {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushes[len(c.pushes)-1]
}

func testConfig() config.Session {
	cfg := config.Default().Session
	cfg.PushExpireMs = 50
	return cfg
}

func newSub(registerId string, addr model.URL) *model.Subscriber {
	sub := &model.Subscriber{}
	sub.DataInfoId = "dataInfoId1"
	sub.RegisterId = registerId
	sub.SourceAddress = addr
	sub.TargetAddress = model.NewURL("127.0.0.1", 9600)
	return sub
}

func fire(p *Processor, sub *model.Subscriber, noDelay bool, pushVersion, seqStart, seqEnd int64) {
	addr := sub.SourceAddress
	subs := map[string]*model.Subscriber{sub.RegisterId: sub}
	datum := model.NewDatum("dc1", sub.DataInfoId)
	datum.Version = pushVersion
	p.FirePush(noDelay, pushVersion, "dc1", addr, subs,
		map[string]*model.Datum{"dc1": datum}, seqStart, seqEnd)
}

// Scenario: A [0,5] pends, B [6,10] replaces it, C [3,7] conflicts and drops.
func TestProcessor_ConflictMerge(t *testing.T) {
	client := &fakeClient{auto: true}
	p := NewProcessor(testConfig(), client, zap.NewNop())
	defer p.Close()

	sub := newSub("s1", model.NewURL("1.1.1.1", 1000))
	fire(p, sub, false, 100, 0, 5)
	fire(p, sub, false, 101, 6, 10)
	fire(p, sub, false, 102, 3, 7)

	assert.Equal(t, 1, p.PendingCount())

	require.Eventually(t, func() bool { return client.count() == 1 },
		time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 101, client.last().data.PushVersion)

	// no second delivery follows
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, client.count())
	assert.EqualValues(t, 101, sub.PushedVersion("dc1"))
}

// At most one push is in flight per address; a later task waits for the
// earlier callback.
func TestProcessor_SingleInFlightPerAddr(t *testing.T) {
	client := &fakeClient{}
	cfg := testConfig()
	cfg.PushRetryMax = 10
	p := NewProcessor(cfg, client, zap.NewNop())
	defer p.Close()

	addr := model.NewURL("1.1.1.1", 1000)
	sub := newSub("s1", addr)

	fire(p, sub, true, 100, 0, 5)
	require.Eventually(t, func() bool { return client.count() == 1 },
		time.Second, 5*time.Millisecond)
	require.NotNil(t, p.PushingTask(addr))

	// strictly-later task cannot pass the in-flight one
	fire(p, sub, true, 101, 6, 10)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, client.count())

	// completing the first releases the address and the retry goes out
	client.last().cb.OnCallback(nil)
	require.Eventually(t, func() bool { return client.count() == 2 },
		time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 101, client.last().data.PushVersion)

	client.last().cb.OnCallback(nil)
	require.Eventually(t, func() bool { return p.PushingTask(addr) == nil },
		time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 101, sub.PushedVersion("dc1"))
}

func TestProcessor_RetryExhaustion(t *testing.T) {
	client := &fakeClient{auto: true, fail: true}
	cfg := testConfig()
	cfg.PushRetryMax = 3
	p := NewProcessor(cfg, client, zap.NewNop())
	defer p.Close()

	addr := model.NewURL("1.1.1.1", 1000)
	sub := newSub("s1", addr)
	fire(p, sub, true, 100, 0, 5)

	// the original push plus three retries, then the task drops
	require.Eventually(t, func() bool { return client.count() == 4 },
		2*time.Second, 5*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 4, client.count())
	assert.Nil(t, p.PushingTask(addr))
	assert.Zero(t, sub.PushedVersion("dc1"))
}

func TestProcessor_StopPushSwitch(t *testing.T) {
	client := &fakeClient{auto: true}
	p := NewProcessor(testConfig(), client, zap.NewNop())
	defer p.Close()
	p.SetStopPush(true)

	sub := newSub("s1", model.NewURL("1.1.1.1", 1000))
	fire(p, sub, true, 100, 0, 5)

	// drained but never committed while the switch is on
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, client.count())

	p.SetStopPush(false)
	fire(p, sub, true, 101, 6, 10)
	require.Eventually(t, func() bool { return client.count() == 1 },
		time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 101, client.last().data.PushVersion)
}

// A subscriber that acknowledged a later fetch range refuses older pushes.
func TestProcessor_SubscriberRefusesStale(t *testing.T) {
	client := &fakeClient{auto: true}
	p := NewProcessor(testConfig(), client, zap.NewNop())
	defer p.Close()

	sub := newSub("s1", model.NewURL("1.1.1.1", 1000))
	require.True(t, sub.CheckAndUpdateVersion("dc1", 200, nil, 8, 9))

	fire(p, sub, true, 100, 0, 5)
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, client.count())
	assert.EqualValues(t, 200, sub.PushedVersion("dc1"))
}
