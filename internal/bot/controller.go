// Package bot tracks whether the remote AI participant is present in the
// room and talks to the backend that starts and stops it.
package bot

import (
	"errors"
	"strings"
)

// Phase is the local belief about the bot's presence.
type Phase string

const (
	PhaseInactive     Phase = "inactive"
	PhaseActivating   Phase = "activating"
	PhaseActive       Phase = "active"
	PhaseDeactivating Phase = "deactivating"
	PhaseError        Phase = "error"
)

// Action is the kind of backend call a Call performs.
type Action string

const (
	ActionActivate   Action = "activate"
	ActionDeactivate Action = "deactivate"
)

const (
	statusActivated   = "bot_activated"
	statusDeactivated = "bot_deactivated"

	genericFailure = "could not reach the bot backend"
)

// State is a snapshot of the controller for display.
type State struct {
	Phase   Phase  `json:"phase"`
	Handle  string `json:"handle,omitempty"`
	Ready   bool   `json:"ready"`
	Message string `json:"message,omitempty"`
}

// Call is a ticket for one backend request. The owner executes it and hands
// the outcome back to Complete.
type Call struct {
	Action  Action
	Locator string
	Seq     uint64
	Epoch   uint64
}

// Controller is the bot lifecycle state machine. It performs no I/O and is
// not safe for concurrent use; its owner serializes access.
type Controller struct {
	state State
	seq   uint64
	epoch uint64
}

// NewController returns a controller in the inactive phase.
func NewController() *Controller {
	return &Controller{state: State{Phase: PhaseInactive}}
}

// State returns the current snapshot.
func (c *Controller) State() State {
	return c.state
}

// Activate moves to activating and returns the call to execute.
func (c *Controller) Activate(locator string) (Call, error) {
	if strings.TrimSpace(locator) == "" {
		return Call{}, ErrNoActiveSession
	}
	if c.state.Phase != PhaseInactive && c.state.Phase != PhaseError {
		return Call{}, ErrInvalidPhase
	}
	c.state = State{Phase: PhaseActivating}
	return c.issue(ActionActivate, locator), nil
}

// Deactivate moves to deactivating and returns the call to execute.
func (c *Controller) Deactivate(locator string) (Call, error) {
	if strings.TrimSpace(locator) == "" {
		return Call{}, ErrNoActiveSession
	}
	if c.state.Phase != PhaseActive && c.state.Phase != PhaseError {
		return Call{}, ErrInvalidPhase
	}
	c.state = State{Phase: PhaseDeactivating, Handle: c.state.Handle, Ready: c.state.Ready}
	return c.issue(ActionDeactivate, locator), nil
}

// Complete folds a call outcome into the state. It returns false when the
// outcome is stale: a newer call was issued or an authoritative event
// arrived after the call started.
func (c *Controller) Complete(call Call, resp Response, err error) bool {
	if call.Seq != c.seq || call.Epoch != c.epoch {
		return false
	}
	if call.Action == ActionActivate && c.state.Phase != PhaseActivating {
		return false
	}
	if call.Action == ActionDeactivate && c.state.Phase != PhaseDeactivating {
		return false
	}

	if err != nil {
		c.state = State{Phase: PhaseError, Handle: c.state.Handle, Message: failureMessage(err)}
		return true
	}

	switch call.Action {
	case ActionActivate:
		if resp.Status != statusActivated {
			c.state = State{Phase: PhaseError, Message: rejectionMessage(resp)}
			return true
		}
		c.state = State{Phase: PhaseActive, Handle: resp.Handle(), Message: resp.Message}
	case ActionDeactivate:
		if resp.Status != statusDeactivated {
			c.state = State{Phase: PhaseError, Handle: c.state.Handle, Message: rejectionMessage(resp)}
			return true
		}
		c.state = State{Phase: PhaseInactive, Message: resp.Message}
	}
	return true
}

// OnRemoteConnected records that the transport saw the bot join.
func (c *Controller) OnRemoteConnected() {
	c.epoch++
	c.state = State{Phase: PhaseActive, Handle: c.state.Handle, Ready: c.state.Ready && c.state.Phase == PhaseActive}
}

// OnRemoteDisconnected records that the transport saw the bot leave.
func (c *Controller) OnRemoteDisconnected() {
	c.epoch++
	c.state = State{Phase: PhaseInactive}
}

// OnRemoteReady records that the bot finished its own setup.
func (c *Controller) OnRemoteReady() {
	c.epoch++
	c.state = State{Phase: PhaseActive, Handle: c.state.Handle, Ready: true}
}

// Reset returns to inactive and invalidates every in-flight call.
func (c *Controller) Reset() {
	c.epoch++
	c.state = State{Phase: PhaseInactive}
}

func (c *Controller) issue(action Action, locator string) Call {
	c.seq++
	return Call{Action: action, Locator: locator, Seq: c.seq, Epoch: c.epoch}
}

func failureMessage(err error) string {
	var remote *RemoteError
	if errors.As(err, &remote) && remote.Message != "" {
		return remote.Message
	}
	return genericFailure
}

func rejectionMessage(resp Response) string {
	if resp.Message != "" {
		return resp.Message
	}
	if resp.Status != "" {
		return "unexpected backend status " + resp.Status
	}
	return "unexpected backend response"
}
