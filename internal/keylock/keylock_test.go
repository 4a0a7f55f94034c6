package keylock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLockSerializesSameKey(t *testing.T) {
	m := New[uint]()

	var inFlight, maxInFlight int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock(7)
			defer unlock()
			n := atomic.AddInt32(&inFlight, 1)
			for {
				cur := atomic.LoadInt32(&maxInFlight)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInFlight, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight)
	assert.Equal(t, 0, m.Len())
}

func TestLockDifferentKeysIndependent(t *testing.T) {
	m := New[uint]()
	unlockA := m.Lock(1)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := m.Lock(2)
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestUnlockIdempotent(t *testing.T) {
	m := New[string]()
	unlock := m.Lock("vm")
	unlock()
	unlock()

	assert.Equal(t, 0, m.Len())
	relock := m.Lock("vm")
	relock()
}
