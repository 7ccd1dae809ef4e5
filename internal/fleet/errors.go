package fleet

import "errors"

var (
	ErrInvalidCoordinate    = errors.New("invalid coordinate")
	ErrInvalidPosition      = errors.New("invalid position")
	ErrUnknownTrip          = errors.New("unknown trip")
	ErrUnknownRoute         = errors.New("unknown route")
	ErrInvalidRoute         = errors.New("route needs at least two stops")
	ErrNoResourcesAvailable = errors.New("no resources available")
	ErrAllocationFailed     = errors.New("allocation failed")
	ErrConcurrentUpdate     = errors.New("concurrent update")
	ErrRateLimited          = errors.New("rate limited")
	ErrNotFound             = errors.New("not found")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrInvalidWindow        = errors.New("invalid time window")
)
