package processor

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestRunLock(t *testing.T) {
	var lock RunLock
	if !lock.TryAcquire() {
		t.Fatal("first TryAcquire should succeed")
	}
	if lock.TryAcquire() {
		t.Fatal("second TryAcquire should fail while held")
	}
	lock.Release()
	if !lock.TryAcquire() {
		t.Fatal("TryAcquire should succeed after Release")
	}
}

func TestRunLock_Concurrent(t *testing.T) {
	var (
		lock     RunLock
		acquired atomic.Int32
		wg       sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if lock.TryAcquire() {
				acquired.Add(1)
			}
		}()
	}
	wg.Wait()
	if acquired.Load() != 1 {
		t.Errorf("acquired %d times, want 1", acquired.Load())
	}
}
