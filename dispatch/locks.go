package dispatch

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// LockTable holds named mutual-exclusion locks for physical resources shared
// between device domains, such as two domains multiplexed over one serial
// port. The same table is passed to the handler code of every domain that
// shares the resource; handlers acquire the lock for the duration of the
// device call and release it immediately after, never across loop
// iterations.
type LockTable struct {
	locks *xsync.MapOf[string, *sync.Mutex]
}

// NewLockTable creates an empty LockTable.
func NewLockTable() *LockTable {
	return &LockTable{locks: xsync.NewMapOf[string, *sync.Mutex]()}
}

// Get returns the lock for the named resource, creating it on first use.
func (t *LockTable) Get(resource string) *sync.Mutex {
	lock, _ := t.locks.LoadOrStore(resource, &sync.Mutex{})
	return lock
}
