package leases

import "errors"

// Operator-facing failures. They leave the cache untouched.
var (
	ErrUnknownOwner        = errors.New("unknown owner")
	ErrInvalidTime         = errors.New("invalid time")
	ErrRankNotFound        = errors.New("cannot find lease with rank")
	ErrNothingToUpdate     = errors.New("nothing to update")
	ErrComponentUnresolved = errors.New("component identifier not resolved")
	ErrCannotProceed       = errors.New("cannot proceed")
)
