package keylock

import (
	"sync"
	"testing"
)

func TestLock_SerializesSameKey(t *testing.T) {
	table := NewTable()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := table.Lock("market-1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("expected 100 serialized increments, got %d", counter)
	}
}

func TestLock_IndependentKeysDoNotBlock(t *testing.T) {
	table := NewTable()

	unlockA := table.Lock("market-a")
	done := make(chan struct{})
	go func() {
		unlockB := table.Lock("market-b")
		unlockB()
		close(done)
	}()

	<-done // must complete while market-a is still held
	unlockA()
}

func TestLock_ReusableAfterUnlock(t *testing.T) {
	table := NewTable()
	for i := 0; i < 3; i++ {
		unlock := table.Lock("wallet-u1")
		unlock()
	}
}
