package rwlock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const settle = 50 * time.Millisecond

func lockers() map[string]func() Locker {
	return map[string]func() Locker{
		"fair":   func() Locker { return New() },
		"native": func() Locker { return NewLocker("native") },
	}
}

func TestConcurrentReaders(t *testing.T) {
	for name, newLocker := range lockers() {
		t.Run(name, func(t *testing.T) {
			l := newLocker()
			l.RLock()

			acquired := make(chan struct{})
			go func() {
				l.RLock()
				close(acquired)
				l.RUnlock()
			}()

			select {
			case <-acquired:
			case <-time.After(time.Second):
				t.Fatal("second reader was blocked by the first")
			}
			l.RUnlock()
		})
	}
}

func TestWriterExcludesReaders(t *testing.T) {
	for name, newLocker := range lockers() {
		t.Run(name, func(t *testing.T) {
			l := newLocker()
			l.Lock()

			acquired := make(chan struct{})
			go func() {
				l.RLock()
				close(acquired)
				l.RUnlock()
			}()

			select {
			case <-acquired:
				t.Fatal("reader admitted while writer holds the lock")
			case <-time.After(settle):
			}

			l.Unlock()
			select {
			case <-acquired:
			case <-time.After(time.Second):
				t.Fatal("reader never admitted after writer released")
			}
		})
	}
}

// TestWaitingWriterBlocksNewReaders checks the no-starvation guarantee: a
// reader arriving after a writer started waiting is admitted only after that
// writer, while the reader already inside is free to leave.
func TestWaitingWriterBlocksNewReaders(t *testing.T) {
	for name, newLocker := range lockers() {
		t.Run(name, func(t *testing.T) {
			l := newLocker()

			var mu sync.Mutex
			var order []string
			record := func(s string) {
				mu.Lock()
				order = append(order, s)
				mu.Unlock()
			}

			l.RLock() // reader already admitted

			writerIn := make(chan struct{})
			writerDone := make(chan struct{})
			go func() {
				l.Lock()
				record("writer")
				close(writerIn)
				time.Sleep(settle)
				l.Unlock()
				close(writerDone)
			}()
			time.Sleep(settle) // writer is now waiting

			lateReaderIn := make(chan struct{})
			go func() {
				l.RLock()
				record("late reader")
				close(lateReaderIn)
				l.RUnlock()
			}()

			select {
			case <-lateReaderIn:
				t.Fatal("late reader admitted ahead of a waiting writer")
			case <-time.After(settle):
			}

			released := make(chan struct{})
			go func() {
				l.RUnlock()
				close(released)
			}()
			select {
			case <-released:
			case <-time.After(time.Second):
				t.Fatal("admitted reader was blocked from releasing by the waiting writer")
			}

			for _, ch := range []chan struct{}{writerIn, writerDone, lateReaderIn} {
				select {
				case <-ch:
				case <-time.After(2 * time.Second):
					t.Fatal("lock never handed over")
				}
			}

			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, []string{"writer", "late reader"}, order)
		})
	}
}

func TestMutualExclusionUnderLoad(t *testing.T) {
	for name, newLocker := range lockers() {
		t.Run(name, func(t *testing.T) {
			l := newLocker()
			var readers, writers atomic.Int32
			var violations atomic.Int32
			var wg sync.WaitGroup

			for i := 0; i < 32; i++ {
				wg.Add(1)
				go func(writer bool) {
					defer wg.Done()
					for j := 0; j < 200; j++ {
						if writer {
							l.Lock()
							if writers.Add(1) != 1 || readers.Load() != 0 {
								violations.Add(1)
							}
							writers.Add(-1)
							l.Unlock()
						} else {
							l.RLock()
							readers.Add(1)
							if writers.Load() != 0 {
								violations.Add(1)
							}
							readers.Add(-1)
							l.RUnlock()
						}
					}
				}(i%4 == 0)
			}
			wg.Wait()

			require.Zero(t, violations.Load())
		})
	}
}

func TestRUnlockOfUnlockedPanics(t *testing.T) {
	l := New()
	assert.Panics(t, func() { l.RUnlock() })
}
