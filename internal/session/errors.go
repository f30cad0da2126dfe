package session

import "errors"

var (
	// ErrAlreadyConnected is returned by Connect while a session is
	// connecting or connected.
	ErrAlreadyConnected = errors.New("session already connected")

	// ErrNotConnected is returned by Disconnect when no session exists.
	ErrNotConnected = errors.New("no active session")

	// ErrConnectTimeout is reported when the transport does not connect in
	// time.
	ErrConnectTimeout = errors.New("transport connect timed out")

	// ErrSummariesDisabled is returned when no summarizer can serve a
	// request.
	ErrSummariesDisabled = errors.New("summaries are not configured")

	ErrNoMicrophone = errors.New("no microphone configured")

	// ErrStopped is returned when the controller loop is not running.
	ErrStopped = errors.New("session controller stopped")
)
