// Package guard keeps linkval's hot paths alive in the face of panics and
// failing dependencies.
//
// Execute and Wrapper.Run convert panics into errors that wrap *PanicError
// and match engine.ErrPanic, and bound nested guarded calls through a depth
// counter carried in the context. Manager layers a CircuitBreaker per named
// dependency and an exponential RetryPolicy on top of the wrapper, and keeps
// a bounded history of classified failures.
//
// The package also offers overflow-checked integer arithmetic, bounds-checked
// indexing and slicing, and Locked, a mutex-protected value that survives a
// panic inside its critical section.
package guard
