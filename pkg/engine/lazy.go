package engine

import "sync"

// Lazy builds a value on first use and hands out the same value afterwards.
// A failed build is not cached, so the next call tries again.
type Lazy[T any] struct {
	mu    sync.Mutex
	build func() (T, error)
	value T
	done  bool
}

// NewLazy returns a Lazy that calls build on first Get.
func NewLazy[T any](build func() (T, error)) *Lazy[T] {
	return &Lazy[T]{build: build}
}

// Get returns the value, building it if needed.
func (l *Lazy[T]) Get() (T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.done {
		return l.value, nil
	}
	v, err := l.build()
	if err != nil {
		var zero T
		return zero, err
	}
	l.value = v
	l.done = true
	return v, nil
}

// Peek returns the value and whether it has been built, without building it.
func (l *Lazy[T]) Peek() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value, l.done
}
