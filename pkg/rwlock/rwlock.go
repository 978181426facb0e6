// Package rwlock provides the reader-writer lock that guards every storage
// engine.
//
// RWLock admits many readers or one writer, never both, and never starves a
// writer: once a writer is waiting, readers that arrive later queue behind it
// while readers already inside are allowed to finish.
//
// The construction uses three mutexes:
//
//   - admission serialises the act of becoming a reader or a writer. A
//     writer keeps it while it waits, so no new reader can get in.
//   - counter protects the number of active readers.
//   - exclusion is held by the first reader in and released by the last
//     reader out, or held by a writer for its whole critical section.
//
// sync.Mutex is not tied to a goroutine, so exclusion may be released by a
// different reader than the one that acquired it.
package rwlock

import "sync"

// Locker is the lock surface storage engines depend on. Both *RWLock and
// *sync.RWMutex satisfy it.
type Locker interface {
	RLock()
	RUnlock()
	Lock()
	Unlock()
}

// RWLock is a writer-preferring reader-writer lock. The zero value is an
// unlocked lock.
type RWLock struct {
	admission sync.Mutex
	counter   sync.Mutex
	exclusion sync.Mutex
	readers   int
}

// New returns an unlocked RWLock.
func New() *RWLock {
	return &RWLock{}
}

// RLock blocks until the caller is admitted as a reader.
func (l *RWLock) RLock() {
	l.admission.Lock()
	l.counter.Lock()
	l.readers++
	if l.readers == 1 {
		l.exclusion.Lock()
	}
	l.counter.Unlock()
	l.admission.Unlock()
}

// RUnlock releases one reader. It never blocks on a waiting writer.
func (l *RWLock) RUnlock() {
	l.counter.Lock()
	l.readers--
	switch {
	case l.readers == 0:
		l.exclusion.Unlock()
	case l.readers < 0:
		l.counter.Unlock()
		panic("rwlock: RUnlock of unlocked RWLock")
	}
	l.counter.Unlock()
}

// Lock blocks until the caller holds the lock exclusively.
func (l *RWLock) Lock() {
	l.admission.Lock()
	l.exclusion.Lock()
	l.admission.Unlock()
}

// Unlock releases the writer.
func (l *RWLock) Unlock() {
	l.exclusion.Unlock()
}

// NewLocker returns the lock implementation selected by name: "native" for
// sync.RWMutex, anything else for RWLock.
func NewLocker(kind string) Locker {
	if kind == "native" {
		return &sync.RWMutex{}
	}
	return New()
}
