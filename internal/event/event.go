// Package event defines the fixed vocabulary of events a real-time
// transport delivers to the session controller.
package event

import "time"

// Kind names one event in the transport vocabulary.
type Kind string

const (
	KindTransportState      Kind = "transport-state-changed"
	KindConnected           Kind = "connected"
	KindDisconnected        Kind = "disconnected"
	KindBotConnected        Kind = "bot-connected"
	KindBotDisconnected     Kind = "bot-disconnected"
	KindBotReady            Kind = "bot-ready"
	KindUserStartedSpeaking Kind = "user-started-speaking"
	KindUserStoppedSpeaking Kind = "user-stopped-speaking"
	KindBotStartedSpeaking  Kind = "bot-started-speaking"
	KindBotStoppedSpeaking  Kind = "bot-stopped-speaking"
	KindUserTranscript      Kind = "user-transcript"
	KindBotText             Kind = "bot-text-fragment"
	KindError               Kind = "error"
	KindMessageError        Kind = "message-error"
)

// TransportState is the connection state reported by a transport.
type TransportState string

const (
	StateIdle         TransportState = "idle"
	StateConnecting   TransportState = "connecting"
	StateConnected    TransportState = "connected"
	StateError        TransportState = "error"
	StateDisconnected TransportState = "disconnected"
)

// Event is one message from a transport. Only the fields relevant to Kind
// are populated.
type Event struct {
	Kind Kind
	At   time.Time

	// KindTransportState
	State TransportState

	// KindUserTranscript and KindBotText
	Text  string
	Final bool

	// KindError and KindMessageError
	Message string
	Fatal   bool

	// Raw keeps the undecoded payload for diagnostics.
	Raw []byte
}

// New returns an event of the given kind stamped with the current time.
func New(kind Kind) Event {
	return Event{Kind: kind, At: time.Now().UTC()}
}

// StateChanged returns a transport-state-changed event.
func StateChanged(state TransportState) Event {
	ev := New(KindTransportState)
	ev.State = state
	return ev
}

// UserTranscript returns a user transcript event.
func UserTranscript(text string, final bool) Event {
	ev := New(KindUserTranscript)
	ev.Text = text
	ev.Final = final
	return ev
}

// BotText returns a bot text fragment event.
func BotText(fragment string) Event {
	ev := New(KindBotText)
	ev.Text = fragment
	return ev
}

// Failure returns an error event carrying a diagnostic message.
func Failure(kind Kind, message string, fatal bool) Event {
	ev := New(kind)
	ev.Message = message
	ev.Fatal = fatal
	return ev
}
