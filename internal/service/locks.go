package service

import "sync"

// SessionLocks is the per-session mutual-exclusion region. Every mutating
// path (advance, lifecycle transition, timer operation, extension, rollback)
// runs under its session's lock; different sessions proceed in parallel.
type SessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewSessionLocks() *SessionLocks {
	return &SessionLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *SessionLocks) get(sessionID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[sessionID] = lock
	}
	return lock
}

// Lock blocks until the session's lock is held and returns the unlock func.
func (l *SessionLocks) Lock(sessionID string) func() {
	lock := l.get(sessionID)
	lock.Lock()
	return lock.Unlock
}

// TryLock attempts the session's lock without blocking. The advance entry
// point uses this so a concurrent entry is rejected instead of queued, and
// the tick loop uses it so one mid-advance session never stalls the others.
func (l *SessionLocks) TryLock(sessionID string) (func(), bool) {
	lock := l.get(sessionID)
	if !lock.TryLock() {
		return nil, false
	}
	return lock.Unlock, true
}
