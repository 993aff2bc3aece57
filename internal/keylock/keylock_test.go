package keylock

import (
	"sync"
	"testing"
	"time"
)

func TestLockSerializesSameKey(t *testing.T) {
	r := NewRegistry()

	const goroutines = 32
	const iterations = 100

	var wg sync.WaitGroup
	counter := 0 // unsynchronized on purpose; the lock must protect it

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				r.Lock("bucket1object1")
				counter++
				r.Unlock("bucket1object1")
			}
		}()
	}
	wg.Wait()

	if counter != goroutines*iterations {
		t.Errorf("counter = %d, want %d", counter, goroutines*iterations)
	}
	if n := r.Len(); n != 0 {
		t.Errorf("registry holds %d entries after all unlocks, want 0", n)
	}
}

func TestIndependentKeysDoNotBlock(t *testing.T) {
	r := NewRegistry()

	r.Lock("bucket1objectA")
	defer r.Unlock("bucket1objectA")

	acquired := make(chan struct{})
	go func() {
		r.Lock("bucket1objectB")
		close(acquired)
		r.Unlock("bucket1objectB")
	}()

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on a different key blocked behind an unrelated holder")
	}
}

func TestEntryReapedAfterLastRelease(t *testing.T) {
	r := NewRegistry()

	r.Lock("k")
	if n := r.Len(); n != 1 {
		t.Fatalf("Len() = %d while held, want 1", n)
	}

	// A second goroutine queues up behind the holder; the entry must
	// survive until the waiter has released too.
	released := make(chan struct{})
	go func() {
		r.Lock("k")
		r.Unlock("k")
		close(released)
	}()
	time.Sleep(10 * time.Millisecond)

	r.Unlock("k")
	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired the lock")
	}

	if n := r.Len(); n != 0 {
		t.Errorf("Len() = %d after all releases, want 0", n)
	}
}

func TestUnlockUnheldKeyPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Unlock of an unheld key did not panic")
		}
	}()
	NewRegistry().Unlock("never-locked")
}
