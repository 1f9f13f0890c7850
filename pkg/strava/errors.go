package strava

import "errors"

// Typed upstream failures. The retry controller and the HTTP layer decide
// behavior from these classifications alone, never from raw transport state.
var (
	// ErrNotFound covers 404s from the activity API. New activities can lag
	// behind their webhook notification, so callers may treat this as
	// transient.
	ErrNotFound = errors.New("resource not found or not accessible")

	// ErrCredentialInvalid covers 401s: the access token is expired, revoked
	// or malformed.
	ErrCredentialInvalid = errors.New("strava access token expired or invalid")

	// ErrForbidden covers 403s.
	ErrForbidden = errors.New("not authorized to perform this action")

	// ErrRateLimited covers 429s that survived transport-level retries.
	ErrRateLimited = errors.New("strava rate limit exceeded")
)
