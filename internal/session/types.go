package session

import (
	"context"
	"io"
	"time"

	"github.com/sjawhar/voice-bridge/internal/bot"
	"github.com/sjawhar/voice-bridge/internal/event"
	"github.com/sjawhar/voice-bridge/internal/room"
	"github.com/sjawhar/voice-bridge/internal/transcript"
)

// Transport is a connection to the real-time media service.
type Transport interface {
	// Connect opens the connection and returns the connect result.
	Connect(ctx context.Context) (room.Payload, error)
	Disconnect(ctx context.Context) error
	// Events delivers transport events for the lifetime of the transport.
	Events() <-chan event.Event
	// Internals exposes handle fields some transports populate late.
	Internals() room.Payload
}

// AudioSink is implemented by transports that carry the operator's
// microphone audio.
type AudioSink interface {
	io.Writer
}

// MediaDevice is the local microphone. It is owned by one session at a
// time.
type MediaDevice interface {
	Open(ctx context.Context) error
	// Stream copies captured PCM to w until the device is closed.
	Stream(w io.Writer) error
	Close() error
	Mute()
	Unmute()
}

type Recorder interface {
	StartSession(sessionID string) error
	EndSession() (string, error)
	Writer(dst io.Writer) io.Writer
}

type BotBackend interface {
	Do(ctx context.Context, call bot.Call) (bot.Response, error)
}

// Observer receives UI-facing updates from the controller loop. Calls must
// not block.
type Observer interface {
	TransportStateChanged(state event.TransportState, sessionID string)
	RoomLocatorChanged(locator string, state room.State, source string)
	BotStateChanged(state bot.State)
	TranscriptChanged(change transcript.Change)
	SessionReset(sessionID string)
	Notice(level, message string)
}

// Record is a finished session handed to the Archiver.
type Record struct {
	SessionID   string
	RoomLocator string
	BotHandle   string
	StartedAt   time.Time
	EndedAt     time.Time
	AudioPath   string
	Utterances  []transcript.Utterance
}

type Archiver interface {
	Archive(ctx context.Context, rec Record) error
}

// Status is a snapshot of the controller.
type Status struct {
	Transport     event.TransportState `json:"transport_state"`
	SessionID     string               `json:"session_id,omitempty"`
	StartedAt     time.Time            `json:"started_at,omitzero"`
	RoomLocator   string               `json:"room_url,omitempty"`
	Resolution    room.State           `json:"resolution"`
	LocatorSource string               `json:"locator_source,omitempty"`
	Bot           bot.State            `json:"bot"`
	Muted         bool                 `json:"muted"`
	LastError     string               `json:"last_error,omitempty"`
}
