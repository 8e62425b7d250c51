package types

import "errors"

// Semantic error kinds used across the resolver pipeline. Callers classify
// failures with errors.Is; wrapping sites add context with fmt.Errorf("%w").
var (
	// ErrNoData marks an in-coverage pixel carrying the nodata sentinel.
	// The selector converts it into a null-elevation Result rather than
	// surfacing it.
	ErrNoData = errors.New("nodata")

	// ErrNotFound means the raster object does not exist in storage.
	// Fatal for the file; the selector moves to the next candidate.
	ErrNotFound = errors.New("object not found")

	// ErrDecode marks an unreadable or unsupported raster file. Fatal for
	// the file.
	ErrDecode = errors.New("raster decode failed")

	// ErrOutOfBounds is a contract violation: the query point lies outside
	// the file bounds the index promised. Always a bug.
	ErrOutOfBounds = errors.New("point outside raster bounds")

	// ErrRateLimited means no token was available before the deadline; no
	// outbound call was made.
	ErrRateLimited = errors.New("rate limited")

	// ErrQuotaExhausted means the provider's daily quota is spent.
	ErrQuotaExhausted = errors.New("daily quota exhausted")

	// ErrCircuitOpen means the provider breaker short-circuited the call.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrOverloaded means local concurrency limits rejected the request.
	ErrOverloaded = errors.New("overloaded")

	// ErrTimeout means the request deadline expired.
	ErrTimeout = errors.New("deadline exceeded")
)

// Transient reports whether err should drive provider fallback rather than
// surface to the caller.
func Transient(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrQuotaExhausted) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrDecode)
}
