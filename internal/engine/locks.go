package engine

import "sync"

// blobLocks hands out one mutex per blob. Writers hold it from the dedup
// check until the reference is taken, and the collector holds it from its
// final count check until the bytes are gone, so a revived row always has
// bytes behind it.
type blobLocks struct {
	mu    sync.Mutex
	locks map[string]*blobLock
}

type blobLock struct {
	mu      sync.Mutex
	holders int
}

func (l *blobLocks) lock(sha, credKey string) (unlock func()) {
	key := credKey + "/" + sha
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*blobLock)
	}
	bl, ok := l.locks[key]
	if !ok {
		bl = &blobLock{}
		l.locks[key] = bl
	}
	bl.holders++
	l.mu.Unlock()

	bl.mu.Lock()
	return func() {
		bl.mu.Unlock()
		l.mu.Lock()
		if bl.holders--; bl.holders == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

func (l *blobLocks) active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
