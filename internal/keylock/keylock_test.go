package keylock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tournevent/shipgate/internal/keylock"
)

func TestMap_SerializesSameKey(t *testing.T) {
	locks := keylock.New[keylock.MerchantID]()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locks.Lock(ctx, "m-1")
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()

			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, locks.Len(), "entries are dropped once released")
}

func TestMap_DifferentKeysDoNotBlock(t *testing.T) {
	locks := keylock.New[keylock.OrderKey]()
	ctx := context.Background()

	unlockA, err := locks.Lock(ctx, keylock.OrderKey{MerchantCode: "M1", ClientOrderID: "A"})
	require.NoError(t, err)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB, err := locks.Lock(ctx, keylock.OrderKey{MerchantCode: "M1", ClientOrderID: "B"})
		if err == nil {
			unlockB()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestMap_LockHonoursContext(t *testing.T) {
	locks := keylock.New[string]()

	unlock, err := locks.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = locks.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // second call is a no-op
	assert.Equal(t, 0, locks.Len())
}

func TestOrderKey_String(t *testing.T) {
	assert.Equal(t, "M1:order-9", keylock.OrderKey{MerchantCode: "M1", ClientOrderID: "order-9"}.String())
}
