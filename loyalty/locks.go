/*
locks.go - Per-user exclusive locks

PURPOSE:
  Every balance mutation (award, redeem, refund, admin adjust, the
  per-user step of the expiry sweep) must hold an exclusive lock scoped
  to the user's profile from the moment the current balance is read
  until the paired transaction row is durably written. Two concurrent
  awards for the same user serialize here; operations on different
  users never block each other.

  Entries are refcounted and removed when the last holder releases, so
  the table does not grow with the user population.
*/
package loyalty

import "sync"

type userLock struct {
	mu   sync.Mutex
	refs int
}

// lockTable hands out one mutex per user ID.
type lockTable struct {
	mu    sync.Mutex
	locks map[UserID]*userLock
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[UserID]*userLock)}
}

// Acquire blocks until the user's lock is held and returns the release
// function.
func (t *lockTable) Acquire(id UserID) func() {
	t.mu.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &userLock{}
		t.locks[id] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, id)
		}
		t.mu.Unlock()
	}
}
