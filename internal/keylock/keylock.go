// Package keylock provides FIFO mutual exclusion scoped to a string key.
package keylock

import "sync"

// Locker serializes work per key. Calls for the same key run one at a time in the
// order they were submitted; calls for different keys run concurrently.
type Locker struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

// New returns an empty Locker.
func New() *Locker {
	return &Locker{tails: make(map[string]chan struct{})}
}

// Do runs fn once every earlier call for key has finished and returns its error.
// A failing or panicking fn does not block later callers.
func (l *Locker) Do(key string, fn func() error) error {
	done := make(chan struct{})

	l.mu.Lock()
	prev := l.tails[key]
	l.tails[key] = done
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		if l.tails[key] == done {
			delete(l.tails, key)
		}
		l.mu.Unlock()
		close(done)
	}()

	if prev != nil {
		<-prev
	}
	return fn()
}

// Pending reports how many keys currently have work queued or running.
func (l *Locker) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tails)
}

// With runs fn under key like Do and returns its value.
func With[T any](l *Locker, key string, fn func() (T, error)) (T, error) {
	var out T
	err := l.Do(key, func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}
