package index

import "sync"

// flightTable tracks which projects have a reindex in flight. tryAcquire is
// a non-blocking check-and-set: a second reindex of the same project is
// refused rather than queued.
type flightTable struct {
	mu     sync.Mutex
	active map[int64]bool
}

func newFlightTable() *flightTable {
	return &flightTable{active: make(map[int64]bool)}
}

func (t *flightTable) tryAcquire(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active[id] {
		return false
	}
	t.active[id] = true
	return true
}

func (t *flightTable) release(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, id)
}

// lockTable hands out one mutex per file path so two operations never touch
// the same file's chunk set concurrently.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sync.Mutex)}
}

// lock blocks until the file lock is held and returns the unlock function.
func (t *lockTable) lock(key string) func() {
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
