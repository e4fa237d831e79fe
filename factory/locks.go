package factory

import (
	"sync"

	"github.com/smartcontractkit/multisig-factory/account"
)

// subAccountLocks serializes work on a sub-account. An entry lives only while the sub-account is
// locked or waited on.
type subAccountLocks struct {
	mu    sync.Mutex
	locks map[account.ID]*subAccountLock
}

type subAccountLock struct {
	sync.Mutex
	refs int
}

func newSubAccountLocks() *subAccountLocks {
	return &subAccountLocks{locks: map[account.ID]*subAccountLock{}}
}

// lock blocks until sub is free and returns the function releasing it.
func (l *subAccountLocks) lock(sub account.ID) func() {
	l.mu.Lock()
	entry, ok := l.locks[sub]
	if !ok {
		entry = &subAccountLock{}
		l.locks[sub] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.Lock()

	return func() {
		entry.Unlock()

		l.mu.Lock()
		defer l.mu.Unlock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, sub)
		}
	}
}

// held returns the number of sub-accounts currently locked or waited on.
func (l *subAccountLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.locks)
}
