// Package keylock provides per-key mutexes so that trades on different
// markets proceed in parallel while trades touching the same market or
// wallet serialize.
//
// Callers must acquire locks in the fixed global order market → wallet to
// stay deadlock-free; the engine and the settlement service are the only
// callers and both follow it.
package keylock

import "sync"

// Table hands out one mutex per key. Mutexes are never evicted; the key
// space (markets, users) is small and bounded.
type Table struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewTable creates an empty lock table.
func NewTable() *Table {
	return &Table{locks: make(map[string]*sync.Mutex)}
}

// MarketKey and WalletKey namespace the two lock families so a market ID can
// never collide with a user ID.
func MarketKey(marketID string) string { return "market:" + marketID }
func WalletKey(userID string) string   { return "wallet:" + userID }

// Lock acquires the mutex for key, creating it on first use, and returns the
// unlock function.
func (t *Table) Lock(key string) func() {
	t.mu.Lock()
	m, ok := t.locks[key]
	if !ok {
		m = &sync.Mutex{}
		t.locks[key] = m
	}
	t.mu.Unlock()

	m.Lock()
	return m.Unlock
}
