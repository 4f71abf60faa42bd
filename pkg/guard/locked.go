package guard

import (
	"fmt"
	"sync"

	"github.com/openfroyo/linkval/pkg/engine"
)

// Locked is a mutex-protected value that stays usable after a panic inside
// a critical section. A panicking section marks the value poisoned and the
// panic is returned as an error; later sections still run.
type Locked[T any] struct {
	mu       sync.Mutex
	value    T
	poisoned bool
}

// NewLocked returns a Locked holding v.
func NewLocked[T any](v T) *Locked[T] {
	return &Locked[T]{value: v}
}

// With runs fn with exclusive access to the value.
func (l *Locked[T]) With(fn func(*T)) (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			l.poisoned = true
			err = engine.NewPermanentError("critical section panicked",
				&PanicError{Operation: "locked", Message: fmt.Sprint(r)}).
				WithCode(engine.ErrCodePanic)
		}
	}()
	fn(&l.value)
	return nil
}

// Load returns a copy of the value.
func (l *Locked[T]) Load() T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value
}

// Store replaces the value and clears the poison flag.
func (l *Locked[T]) Store(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.value = v
	l.poisoned = false
}

// Poisoned reports whether a critical section has panicked since the last
// ClearPoison or Store.
func (l *Locked[T]) Poisoned() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.poisoned
}

// ClearPoison resets the poison flag.
func (l *Locked[T]) ClearPoison() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.poisoned = false
}
