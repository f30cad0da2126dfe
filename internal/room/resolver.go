// Package room resolves the room locator of a real-time session from the
// loosely shaped connect result and transport internals.
package room

import (
	"errors"
	"strings"
)

// ErrAlreadyResolved is returned by SetManual once a locator is known.
var ErrAlreadyResolved = errors.New("room locator already resolved")

// ErrEmptyLocator is returned by SetManual for blank input.
var ErrEmptyLocator = errors.New("room locator is empty")

// Payload is a decoded object of unknown shape.
type Payload map[string]any

// State describes how far resolution has progressed for one session.
type State string

const (
	StatePending  State = "pending"
	StateResolved State = "resolved"
	StateDeferred State = "deferred"
	StateManual   State = "manual"
)

// Resolver runs an ordered fallback chain of sources and keeps the first
// locator it finds. A Resolver belongs to exactly one session.
type Resolver struct {
	sources []Source

	state    State
	locator  string
	source   string
	attempts int
}

// NewResolver returns a resolver over sources, or DefaultSources when none
// are given.
func NewResolver(sources ...Source) *Resolver {
	if len(sources) == 0 {
		sources = DefaultSources()
	}
	return &Resolver{sources: sources, state: StatePending}
}

// Immediate runs the chain right after connect. When nothing matches it
// defers resolution to the next connected confirmation.
func (r *Resolver) Immediate(result, handle Payload) (string, bool) {
	if r.state != StatePending {
		return r.locator, r.state == StateResolved
	}
	if r.run(result, handle) {
		return r.locator, true
	}
	r.state = StateDeferred
	return "", false
}

// OnConnected re-runs the chain once for a deferred resolution. If it still
// finds nothing the resolver asks for manual entry.
func (r *Resolver) OnConnected(result, handle Payload) (string, bool) {
	if r.state != StateDeferred {
		return r.locator, r.state == StateResolved
	}
	if r.run(result, handle) {
		return r.locator, true
	}
	r.state = StateManual
	return "", false
}

// SetManual accepts an operator-supplied locator while unresolved.
func (r *Resolver) SetManual(locator string) error {
	if r.state == StateResolved {
		return ErrAlreadyResolved
	}
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return ErrEmptyLocator
	}
	r.locator = locator
	r.source = "manual"
	r.state = StateResolved
	return nil
}

// Locator returns the resolved locator, if any.
func (r *Resolver) Locator() (string, bool) {
	return r.locator, r.state == StateResolved
}

// State reports the resolution state.
func (r *Resolver) State() State { return r.state }

// Source names where the locator came from.
func (r *Resolver) Source() string { return r.source }

// Attempts counts chain runs.
func (r *Resolver) Attempts() int { return r.attempts }

func (r *Resolver) run(result, handle Payload) bool {
	r.attempts++
	for _, src := range r.sources {
		if v := strings.TrimSpace(src.Lookup(result, handle)); v != "" {
			r.locator = v
			r.source = src.Name
			r.state = StateResolved
			return true
		}
	}
	return false
}
