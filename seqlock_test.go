package olctree

import (
	"sync"
	"testing"
)

func TestSeqLock_optimisticValidateAcrossExclusive(t *testing.T) {
	var l seqLock

	v := l.acquireOptimistic()
	if err := l.validate(v); err != nil {
		t.Fatalf("validate() on untouched lock = %v, want nil", err)
	}

	ev := l.acquireExclusive()
	_ = ev
	if err := l.validate(v); err == nil {
		t.Fatalf("validate() while exclusive held = nil, want error")
	}
	l.releaseExclusive()

	if err := l.validate(v); err == nil {
		t.Fatalf("validate() after exclusive release bumped the version = nil, want error")
	}
}

func TestSeqLock_upgradeSucceedsOnlyWithoutConcurrentWriter(t *testing.T) {
	var l seqLock

	v := l.acquireOptimistic()
	if err := l.upgrade(v); err != nil {
		t.Fatalf("upgrade() on quiescent lock = %v, want nil", err)
	}
	l.releaseExclusive()

	v2 := l.acquireOptimistic()
	l.acquireExclusive()
	if err := l.upgrade(v2); err == nil {
		t.Fatalf("upgrade() while another exclusive is held = nil, want error")
	}
	l.releaseExclusive()
}

func TestSeqLock_sharedReadersDoNotBlockEachOther(t *testing.T) {
	var l seqLock
	v1 := l.acquireShared()
	v2 := l.acquireShared()
	if v1 != v2 {
		t.Fatalf("two shared acquires observed different versions: %d, %d", v1, v2)
	}
	l.releaseShared()
	l.releaseShared()
}

func TestSeqLock_concurrentSharedAndExclusiveStress(t *testing.T) {
	var l seqLock
	var counter int
	var mu sync.Mutex // guards counter only, not the lock under test

	var wg sync.WaitGroup
	const writers = 4
	const itersPerWriter = 500

	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < itersPerWriter; j++ {
				l.acquireExclusive()
				mu.Lock()
				counter++
				mu.Unlock()
				l.releaseExclusive()
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
				v := l.acquireShared()
				l.releaseShared()
				_ = v
			}
		}
	}()

	wg.Wait()
	close(done)

	if counter != writers*itersPerWriter {
		t.Fatalf("counter = %d, want %d", counter, writers*itersPerWriter)
	}
}
