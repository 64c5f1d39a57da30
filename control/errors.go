package control

import "errors"

var (
	// ErrStopped indicates the component was stopped and refuses further work.
	ErrStopped = errors.New("component stopped")

	// ErrResponseTimeout indicates that no matching response arrived within
	// the bounded wait.
	ErrResponseTimeout = errors.New("response timeout")

	// ErrUnknownTarget indicates that no dispatcher owns the command target.
	ErrUnknownTarget = errors.New("unknown command target")

	// ErrUnknownOperation indicates that the dispatcher's handler table has
	// no entry for the requested operation.
	ErrUnknownOperation = errors.New("unknown operation")
)
