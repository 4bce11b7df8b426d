package task

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wilsonvolker/sofa-registry/pkg/errors"
)

func TestKeyedExecutor_SerialPerKey(t *testing.T) {
	// "a" and "b" hash to the same shard, so the queue must hold all 20 tasks
	e := NewKeyedExecutor("test", 4, 20, zap.NewNop())
	defer e.Close()

	var mu sync.Mutex
	order := make(map[string][]int)
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		i := i
		for _, key := range []string{"a", "b"} {
			key := key
			wg.Add(1)
			_, err := e.Execute(key, func() error {
				defer wg.Done()
				mu.Lock()
				order[key] = append(order[key], i)
				mu.Unlock()
				return nil
			})
			require.NoError(t, err)
		}
	}
	wg.Wait()

	for _, key := range []string{"a", "b"} {
		got := order[key]
		require.Len(t, got, 10)
		for i, v := range got {
			assert.Equal(t, i, v, "key %s executed out of order", key)
		}
	}
}

func TestKeyedExecutor_Backpressure(t *testing.T) {
	e := NewKeyedExecutor("test", 1, 1, zap.NewNop())
	defer e.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	_, err := e.Execute("k", func() error {
		close(started)
		<-block
		return nil
	})
	require.NoError(t, err)
	// the worker holds the first task, so the queue is empty again
	<-started
	// second fills the queue
	_, err = e.Execute("k", func() error { return nil })
	require.NoError(t, err)
	// third is rejected, not blocked
	_, err = e.Execute("k", func() error { return nil })
	assert.ErrorIs(t, err, errors.ErrExecutorBusy)
	close(block)
}

func TestKeyedExecutor_TaskLifecycle(t *testing.T) {
	e := NewKeyedExecutor("test", 1, 4, zap.NewNop())
	defer e.Close()

	done := make(chan struct{})
	ok, err := e.Execute("k", func() error {
		close(done)
		return nil
	})
	require.NoError(t, err)
	<-done
	require.Eventually(t, ok.Finished, time.Second, time.Millisecond)
	assert.True(t, ok.Success())
	assert.False(t, ok.Failed())

	failed, err := e.Execute("k", func() error { return errors.ErrStopped })
	require.NoError(t, err)
	require.Eventually(t, failed.Finished, time.Second, time.Millisecond)
	assert.True(t, failed.Failed())
	assert.False(t, failed.Success())

	assert.False(t, ok.OverAfter(time.Minute))
	time.Sleep(10 * time.Millisecond)
	assert.True(t, ok.OverAfter(5*time.Millisecond))
}

func TestKeyedExecutor_Closed(t *testing.T) {
	e := NewKeyedExecutor("test", 1, 4, zap.NewNop())
	e.Close()
	_, err := e.Execute("k", func() error { return nil })
	assert.ErrorIs(t, err, errors.ErrStopped)
}
