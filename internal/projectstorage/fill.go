package projectstorage

import "sync"

// fillOnce caches the first successful result of a fill function. Failures
// are not cached. Concurrent callers may each run fill; the first stored
// value wins.
type fillOnce[T any] struct {
	mu   sync.Mutex
	done bool
	val  T
}

func (f *fillOnce[T]) get(fill func() (T, error)) (T, error) {
	f.mu.Lock()
	if f.done {
		v := f.val
		f.mu.Unlock()
		return v, nil
	}
	f.mu.Unlock()

	v, err := fill()
	if err != nil {
		var zero T
		return zero, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.done {
		f.val = v
		f.done = true
	}
	return f.val, nil
}
