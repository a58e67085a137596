package dialogue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutorPreservesOrderPerKey(t *testing.T) {
	ex := NewExecutor(quietLogger())
	defer ex.Close()

	var mu sync.Mutex
	got := map[string][]int{}
	for i := 0; i < 100; i++ {
		for _, key := range []string{"a", "b", "c"} {
			i, key := i, key
			require.NoError(t, ex.Submit(key, func() {
				mu.Lock()
				got[key] = append(got[key], i)
				mu.Unlock()
			}))
		}
	}
	ex.Wait()

	for _, key := range []string{"a", "b", "c"} {
		require.Len(t, got[key], 100)
		for i, v := range got[key] {
			assert.Equal(t, i, v, "key %s out of order", key)
		}
	}
}

func TestExecutorSerializesPerKey(t *testing.T) {
	ex := NewExecutor(quietLogger())
	defer ex.Close()

	var inFlight, maxInFlight int32
	for i := 0; i < 50; i++ {
		require.NoError(t, ex.Submit("jid", func() {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				m := atomic.LoadInt32(&maxInFlight)
				if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
					break
				}
			}
			time.Sleep(100 * time.Microsecond)
			atomic.AddInt32(&inFlight, -1)
		}))
	}
	ex.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}

func TestExecutorRunsKeysConcurrently(t *testing.T) {
	ex := NewExecutor(quietLogger())
	defer ex.Close()

	release := make(chan struct{})
	require.NoError(t, ex.Submit("blocked", func() { <-release }))

	done := make(chan struct{})
	require.NoError(t, ex.Submit("other", func() { close(done) }))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("a blocked key stalled another key")
	}
	close(release)
}

func TestExecutorDo(t *testing.T) {
	ex := NewExecutor(quietLogger())
	defer ex.Close()

	ran := false
	require.NoError(t, ex.Do(context.Background(), "jid", func() { ran = true }))
	assert.True(t, ran)

	release := make(chan struct{})
	require.NoError(t, ex.Submit("jid", func() { <-release }))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ex.Do(ctx, "jid", func() {}), context.DeadlineExceeded)
	close(release)
}

func TestExecutorSurvivesPanic(t *testing.T) {
	ex := NewExecutor(quietLogger())
	defer ex.Close()

	require.NoError(t, ex.Submit("jid", func() { panic("boom") }))
	ran := false
	require.NoError(t, ex.Submit("jid", func() { ran = true }))
	ex.Wait()
	assert.True(t, ran)
}

func TestExecutorClosed(t *testing.T) {
	ex := NewExecutor(quietLogger())
	ex.Close()
	assert.ErrorIs(t, ex.Submit("jid", func() {}), ErrExecutorClosed)
}
