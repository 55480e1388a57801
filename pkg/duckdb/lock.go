package duck

import "sync"

// databaseLocks maps database paths to their corresponding locks to prevent concurrent access
var databaseLocks = struct {
	sync.Mutex
	locks map[string]*sync.Mutex
}{
	locks: make(map[string]*sync.Mutex),
}

func databaseLock(path string) *sync.Mutex {
	databaseLocks.Lock()
	defer databaseLocks.Unlock()

	lock, ok := databaseLocks.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		databaseLocks.locks[path] = lock
	}

	return lock
}

// LockDatabase is shared between every client of the same database file; DuckDB allows a single writer.
func LockDatabase(path string) {
	databaseLock(path).Lock()
}

func UnlockDatabase(path string) {
	databaseLock(path).Unlock()
}
