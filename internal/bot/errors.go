package bot

import (
	"errors"
	"fmt"
)

var (
	// ErrNoActiveSession is returned when a bot action has no room locator
	// to target. No network call is made.
	ErrNoActiveSession = errors.New("bot: no active session")

	// ErrInvalidPhase is returned when a bot action is not allowed from the
	// current phase. No network call is made.
	ErrInvalidPhase = errors.New("bot: action not allowed in current phase")
)

// RemoteError is a non-success answer from the bot backend. Message is the
// provider's text, shown to the operator verbatim.
type RemoteError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("bot: backend rejected request (HTTP %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("bot: backend rejected request: %s", e.Message)
}

// TransportError is a network-level failure reaching the bot backend.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("bot: %s request failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsPrecondition reports whether err rejected an action before any network
// call was made.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrNoActiveSession) || errors.Is(err, ErrInvalidPhase)
}
