package session

import "errors"

var (
	// ErrNoActiveSession is returned when an operation needs an Active
	// session and none can be resolved.
	ErrNoActiveSession = errors.New("no active session")

	// ErrAppNotActive is returned when ending an application that does not
	// currently hold focus in the session.
	ErrAppNotActive = errors.New("app not active")

	// ErrSessionNotFound is returned by lookups of an unknown session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrPersistence wraps every failure reported by the session store.
	ErrPersistence = errors.New("persistence error")

	// ErrInvalidArgument is returned for empty identifiers.
	ErrInvalidArgument = errors.New("invalid argument")
)
