// Package keypool owns the pool of bearer credentials, their per-key
// circuit breakers, and the scheduler that picks the next eligible key
// per attempt.
package keypool

// Key is one bearer credential. Opaque to logic beyond its secret and
// index; Index is the stable external identifier used by admin endpoints.
type Key struct {
	ID     string
	Secret string
	Index  int
}
