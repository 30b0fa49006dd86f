package domain

import "errors"

var (
	// ErrBusy is returned when a session already has a run in flight.
	ErrBusy = errors.New("session busy")

	// ErrNotFound is returned by strict lookups of unknown sessions.
	ErrNotFound = errors.New("session not found")

	// ErrUpstreamTransient wraps retryable transport or rate-limit failures
	// from the remote assistant.
	ErrUpstreamTransient = errors.New("upstream transient error")

	// ErrUpstreamFatal wraps irrecoverable remote run failures.
	ErrUpstreamFatal = errors.New("upstream fatal error")

	// ErrTimeout is the cause recorded when a run makes no progress in time.
	ErrTimeout = errors.New("run timed out")

	// ErrClientDisconnected is the cancellation cause used when the client goes away.
	ErrClientDisconnected = errors.New("client disconnected")

	// ErrUnsupportedAction is returned when the remote run asks for a tool
	// output that no resolver knows.
	ErrUnsupportedAction = errors.New("unsupported action")

	// ErrThreadBound is returned when rebinding a session to a different thread.
	ErrThreadBound = errors.New("remote thread already bound")

	// ErrSessionDeleted is the cancellation cause used when a session is
	// deleted while one of its runs is in flight.
	ErrSessionDeleted = errors.New("session deleted")
)
