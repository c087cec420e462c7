package mutex

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type voucherKey struct {
	pos, typ int
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	var m KeyedMutex[voucherKey]
	key := voucherKey{1, 6}
	ctx := context.Background()

	var (
		inside atomic.Int32
		peak   atomic.Int32
		wg     sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !assert.NoError(t, m.Lock(ctx, key)) {
				return
			}
			n := inside.Add(1)
			for {
				cur := peak.Load()
				if n <= cur || peak.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			m.Unlock(key)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, 0, m.Len())
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	var m KeyedMutex[voucherKey]
	ctx := context.Background()

	require.NoError(t, m.Lock(ctx, voucherKey{1, 6}))
	assert.True(t, m.TryLock(voucherKey{1, 1}), "other key must not be blocked")
	assert.False(t, m.TryLock(voucherKey{1, 6}))

	m.Unlock(voucherKey{1, 1})
	m.Unlock(voucherKey{1, 6})
	assert.Equal(t, 0, m.Len())
}

func TestKeyedMutex_LockHonoursContext(t *testing.T) {
	var m KeyedMutex[string]
	require.NoError(t, m.Lock(context.Background(), "k"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Lock(ctx, "k"), context.DeadlineExceeded)

	m.Unlock("k")
	assert.Equal(t, 0, m.Len())
}

func TestKeyedMutex_UnlockUnlockedPanics(t *testing.T) {
	var m KeyedMutex[string]
	assert.Panics(t, func() { m.Unlock("nope") })
}
