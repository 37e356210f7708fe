package agent

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/goleak"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	defer goleak.VerifyNone(t)

	km := newKeyedMutex()
	key := uuid.New()

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			km.Lock(key)
			defer km.Unlock(key)

			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("observed %d concurrent holders for one key, want 1", maxSeen)
	}
	if len(km.locks) != 0 {
		t.Errorf("lock map holds %d entries after release, want 0", len(km.locks))
	}
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	defer goleak.VerifyNone(t)

	km := newKeyedMutex()
	keyA, keyB := uuid.New(), uuid.New()

	km.Lock(keyA)

	done := make(chan struct{})
	go func() {
		km.Lock(keyB)
		km.Unlock(keyB)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on a different key blocked behind an unrelated holder")
	}
	km.Unlock(keyA)
}
